// ABOUTME: Versioned state synchronizer pushing JSON patches to operator consoles
// ABOUTME: Each connection has its own ordered queue fed from the store subscription

package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wI2L/jsondiff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/state"
	"github.com/2389/switchboard/internal/telemetry"
)

// queueSize is the number of updates buffered per connection. A console that
// falls further behind misses updates and sees a gap in previousVersion.
const queueSize = 256

// Update is one versioned patch.
type Update struct {
	Version         uint64         `json:"version"`
	PreviousVersion uint64         `json:"previousVersion"`
	Patch           jsondiff.Patch `json:"patch"`
}

// Store is the part of the state store the synchronizer needs.
type Store interface {
	Dispatch(state.Action) state.Transition
	Snapshot() (uint64, state.SystemState)
	Subscribe(ctx context.Context) <-chan state.Transition
}

type subscriber struct {
	origin state.Origin
	queue  chan Update
	done   chan struct{}
}

// Synchronizer republishes every state version to registered operator
// connections as a patch against the previous version.
type Synchronizer struct {
	store  Store
	hub    conn.Hub
	tracer trace.Tracer
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber // connID -> subscriber
	closed      bool
}

// New creates a Synchronizer. Pass nil logger for default.
func New(store Store, hub conn.Hub, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:       store,
		hub:         hub,
		tracer:      telemetry.Tracer(),
		logger:      logger.With("component", "broadcast"),
		subscribers: make(map[string]*subscriber),
	}
}

// Start subscribes to the store and publishes in the background until ctx
// is done. The returned channel is closed once publishing has stopped and
// every connection queue is drained.
func (s *Synchronizer) Start(ctx context.Context) <-chan struct{} {
	transitions := s.store.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.Close()
		s.consume(transitions)
	}()
	return done
}

// Run is Start followed by waiting for ctx to end.
func (s *Synchronizer) Run(ctx context.Context) error {
	<-s.Start(ctx)
	return ctx.Err()
}

// consume computes one patch per version and queues it for every registered
// connection.
func (s *Synchronizer) consume(transitions <-chan state.Transition) {
	for t := range transitions {
		patch, err := Diff(t.Prev, t.Next)
		if err != nil {
			s.logger.Error("failed to compute patch",
				"version", t.Version,
				"action", t.Action.Type(),
				"error", err)
			continue
		}
		s.publish(Update{
			Version:         t.Version,
			PreviousVersion: t.PreviousVersion,
			Patch:           patch,
		})
	}
}

// Diff returns the RFC 6902 patch turning prev into next.
func Diff(prev, next state.SystemState) (jsondiff.Patch, error) {
	patch, err := jsondiff.Compare(prev, next)
	if err != nil {
		return nil, fmt.Errorf("diffing state: %w", err)
	}
	return patch, nil
}

func (s *Synchronizer) publish(u Update) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for connID, sub := range s.subscribers {
		select {
		case sub.queue <- u:
		default:
			s.logger.Warn("dropped update for slow console",
				"conn_id", connID,
				"operator_id", sub.origin.OperatorID,
				"version", u.Version)
		}
	}
}

// Register starts pushing updates to an operator connection. Registering an
// already registered connection is a no-op.
func (s *Synchronizer) Register(origin state.Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.subscribers[origin.ConnID]; ok {
		return
	}

	sub := &subscriber{
		origin: origin,
		queue:  make(chan Update, queueSize),
		done:   make(chan struct{}),
	}
	s.subscribers[origin.ConnID] = sub
	go s.drain(sub)

	s.logger.Debug("console registered",
		"conn_id", origin.ConnID,
		"operator_id", origin.OperatorID)
}

// drain delivers one connection's updates in order.
func (s *Synchronizer) drain(sub *subscriber) {
	defer close(sub.done)
	for u := range sub.queue {
		if err := s.hub.Deliver(sub.origin.ConnID, conn.EventBroadcastUpdate, u.Version, u.PreviousVersion, u.Patch); err != nil {
			s.logger.Debug("update delivery failed",
				"conn_id", sub.origin.ConnID,
				"version", u.Version,
				"error", err)
		}
	}
}

// Unregister stops pushing updates to a connection. Updates already queued
// are still delivered.
func (s *Synchronizer) Unregister(connID string) {
	s.mu.Lock()
	sub, ok := s.subscribers[connID]
	if ok {
		delete(s.subscribers, connID)
		close(sub.queue)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("console unregistered", "conn_id", connID)
	}
}

// Registered reports whether a connection receives updates.
func (s *Synchronizer) Registered(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribers[connID]
	return ok
}

// FullState answers a broadcast.state request.
func (s *Synchronizer) FullState() (uint64, state.SystemState) {
	return s.store.Snapshot()
}

// RemoteDispatch decodes an action submitted by an operator console, checks
// it against the allow-list, tags it with the submitting connection and
// applies it.
func (s *Synchronizer) RemoteDispatch(ctx context.Context, origin state.Origin, raw []byte) (state.Transition, error) {
	_, span := s.tracer.Start(ctx, "broadcast.RemoteDispatch",
		trace.WithAttributes(
			attribute.String("operator.id", origin.OperatorID),
			attribute.String("conn.id", origin.ConnID),
		))
	defer span.End()

	action, err := DecodeRemote(raw)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("remote dispatch rejected",
			"operator_id", origin.OperatorID,
			"conn_id", origin.ConnID,
			"error", err)
		return state.Transition{}, err
	}
	span.SetAttributes(attribute.String("action.type", action.Type()))

	t := s.store.Dispatch(state.WithOrigin(action, origin))
	s.logger.Debug("remote dispatch applied",
		"operator_id", origin.OperatorID,
		"action", action.Type(),
		"changed", t.Changed)
	return t, nil
}

// Close stops every connection queue and waits for pending deliveries.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subscribers))
	for connID, sub := range s.subscribers {
		close(sub.queue)
		delete(s.subscribers, connID)
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
