// ABOUTME: Store observer turning chat status notifications into broker events
// ABOUTME: Events are queued and published by a background worker so dispatch never blocks

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/state"
)

const (
	// queueSize bounds events waiting to be published.
	queueSize = 1024

	// publishTimeout bounds one publish attempt.
	publishTimeout = 5 * time.Second
)

type outbound struct {
	key string
	env Envelope
}

// Emitter publishes chat lifecycle events.
type Emitter struct {
	pub    Publisher
	queue  chan outbound
	now    func() time.Time
	logger *slog.Logger
}

// NewEmitter creates an Emitter. Pass nil logger for default.
func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		pub:    pub,
		queue:  make(chan outbound, queueSize),
		now:    time.Now,
		logger: logger.With("component", "events"),
	}
}

// Middleware observes the store and queues events for chat status changes.
func (e *Emitter) Middleware() state.Middleware {
	return state.Observer(func(_ *state.Store, t state.Transition) {
		n, ok := t.Action.(state.NotifyChatStatusChanged)
		if !ok {
			return
		}
		chat := t.Next.Chats[n.ChatID]
		at := e.now()

		e.enqueue(TypeChatStatusChanged, NewEnvelope(TypeChatStatusChanged, n.ChatID, at, ChatStatusChangedV1{
			ChatID:     n.ChatID,
			Status:     n.Status,
			Previous:   n.Previous,
			OperatorID: chat.Operator,
			CustomerID: chat.Customer.ID,
			ChangedAt:  at,
		}))
		if n.Status == state.StatusAssigned && chat.Operator != "" {
			e.enqueue(TypeChatAssigned, NewEnvelope(TypeChatAssigned, n.ChatID, at, ChatAssignedV1{
				ChatID:     n.ChatID,
				OperatorID: chat.Operator,
				CustomerID: chat.Customer.ID,
				AssignedAt: at,
			}))
		}
	})
}

func (e *Emitter) enqueue(key string, env Envelope) {
	select {
	case e.queue <- outbound{key: key, env: env}:
	default:
		e.logger.Warn("event queue full, dropping event", "type", key, "event_id", env.Meta.ID)
	}
}

// Run publishes queued events until ctx is done.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-e.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := e.pub.Publish(pctx, o.key, o.env); err != nil {
				e.logger.Warn("failed to publish event",
					"type", o.key,
					"event_id", o.env.Meta.ID,
					"correlation_id", o.env.Meta.CorrelationID,
					"error", err)
			}
			cancel()
		}
	}
}
