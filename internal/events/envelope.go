// ABOUTME: Versioned event envelopes published to the message broker
// ABOUTME: Payload schemas for chat status changes and assignments

package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/state"
)

// Event type names, suffixed with their schema version.
const (
	TypeChatStatusChanged = "chat.status.changed.v1"
	TypeChatAssigned      = "chat.assigned.v1"
)

// Producer names this service in every envelope.
const Producer = "switchboard"

// Meta describes one emitted event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ChatStatusChangedV1 is published whenever a chat changes status.
type ChatStatusChangedV1 struct {
	ChatID     string           `json:"chat_id"`
	Status     state.ChatStatus `json:"status"`
	Previous   state.ChatStatus `json:"previous,omitempty"`
	OperatorID string           `json:"operator_id,omitempty"`
	CustomerID string           `json:"customer_id"`
	ChangedAt  time.Time        `json:"changed_at"`
}

// ChatAssignedV1 is published when a chat gets an operator.
type ChatAssignedV1 struct {
	ChatID     string    `json:"chat_id"`
	OperatorID string    `json:"operator_id"`
	CustomerID string    `json:"customer_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// NewEnvelope wraps data under a fresh event id. The chat id is used as
// correlation id so consumers can group a conversation's events.
func NewEnvelope(eventType, chatID string, at time.Time, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			Time:          at,
			Producer:      Producer,
			CorrelationID: chatID,
		},
		Data: data,
	}
}
