// ABOUTME: Single-writer Store holding the versioned SystemState
// ABOUTME: Runs reducers under one lock and wraps dispatch in a middleware chain

package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transition describes one dispatched action and its effect.
type Transition struct {
	Action          Action
	Version         uint64
	PreviousVersion uint64
	Prev            SystemState
	Next            SystemState
	Changed         bool
}

// Dispatch applies an action and reports the resulting transition.
type Dispatch func(Action) Transition

// Middleware wraps dispatch. Middlewares run outside the store lock and may
// call Store.Dispatch recursively. The first middleware given is outermost.
type Middleware func(s *Store, next Dispatch) Dispatch

// Store owns the SystemState. All mutations go through Dispatch.
type Store struct {
	mu              sync.Mutex
	state           SystemState
	version         uint64
	defaultCapacity int
	now             func() time.Time
	subscribers     map[string]*fifo
	middlewares     []Middleware
	dispatch        Dispatch
	logger          *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDefaultCapacity sets the capacity given to new operators.
func WithDefaultCapacity(capacity int) Option {
	return func(s *Store) {
		if capacity > 0 {
			s.defaultCapacity = capacity
		}
	}
}

// WithMiddleware appends middlewares to the dispatch chain.
func WithMiddleware(mw ...Middleware) Option {
	return func(s *Store) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

// NewStore creates a Store starting from initial.
func NewStore(initial SystemState, opts ...Option) *Store {
	s := &Store{
		state:           initial.normalized(),
		defaultCapacity: DefaultCapacity,
		now:             time.Now,
		subscribers:     make(map[string]*fifo),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")

	dispatch := s.apply
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		dispatch = s.middlewares[i](s, dispatch)
	}
	s.dispatch = dispatch
	return s
}

// Dispatch sends an action through the middleware chain into the reducer.
func (s *Store) Dispatch(a Action) Transition {
	return s.dispatch(a)
}

func (s *Store) apply(a Action) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	next, changed := Reduce(prev, a, s.now(), s.defaultCapacity)
	t := Transition{
		Action:          a,
		Version:         s.version,
		PreviousVersion: s.version,
		Prev:            prev,
		Next:            next,
		Changed:         changed,
	}
	if !changed {
		return t
	}

	s.version++
	s.state = next
	t.Version = s.version
	for _, q := range s.subscribers {
		q.push(t)
	}

	s.logger.Debug("state transition",
		"action", a.Type(),
		"version", t.Version)
	return t
}

// Snapshot returns the current version and state. The state must not be
// modified.
func (s *Store) Snapshot() (uint64, SystemState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, s.state
}

// State returns the current state.
func (s *Store) State() SystemState {
	_, st := s.Snapshot()
	return st
}

// Subscribe returns a channel receiving every transition that changed state,
// in version order. The channel is closed once ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan Transition {
	id := uuid.New().String()
	q := newFIFO()

	s.mu.Lock()
	s.subscribers[id] = q
	s.mu.Unlock()

	go func() {
		q.pump(ctx)
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}()

	return q.out
}
