// Package events publishes chat lifecycle events to a message broker.
//
// The Emitter is installed as a state store middleware. Every chat status
// change becomes a chat.status.changed.v1 envelope, and a change to assigned
// also produces chat.assigned.v1. Envelopes go to a RabbitMQ topic exchange
// with the event type as routing key. MockPublisher records them in tests.
package events
