// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway owns the state store and everything built around it: the
// assignment engine, the message router, the state synchronizer, the
// reaper and the optional event emitter. It attaches them to three
// channels:
//
//   - customers over WebSocket at /ws/customer
//   - operator consoles over WebSocket at /ws/operator
//   - backend agents over the gRPC AgentChannel stream
//
// Every connection authenticates with a token whose role matches its
// channel.
//
// # Chat Lifecycle
//
// A customer's first message opens a PENDING chat, provided the system
// accepts customers. The store observer then runs bidding and tells the
// customer the outcome with chat.online. Chats that nobody took become
// MISSED and are retried, oldest first, whenever an operator frees capacity
// or comes online.
//
// Operators close chats with chat.close and move them with chat.transfer.
// When an operator's last console disconnects its chats become ABANDONED;
// a reconnect within the abandon timeout recovers them, otherwise the
// reaper re-runs bidding.
//
// # HTTP API
//
//	GET /health              liveness, always "OK"
//	GET /health/ready        503 until an operator is online
//	GET /api/state           versioned state snapshot (operator token)
//	GET /api/chats/{id}/log  chat history, ?view=customer|operator (operator token)
//
// # Lifecycle
//
// Run listens on both addresses, starts the background workers and blocks
// until its context is canceled. Shutdown then stops the HTTP and gRPC
// servers, waits for in-flight handler work and closes the history log and
// the event publisher.
package gateway
