// ABOUTME: Periodic sweep removing stale closed chats and re-bidding abandoned ones
// ABOUTME: Runs once immediately on start, then on every interval tick

package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/state"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = time.Minute

	// DefaultStaleAge is how long a closed chat is kept.
	DefaultStaleAge = 4 * time.Hour
)

// Store is the part of the state store the reaper needs.
type Store interface {
	State() state.SystemState
	Dispatch(state.Action) state.Transition
}

// Reassigner re-runs bidding for a set of chats.
type Reassigner interface {
	Reassign(ctx context.Context, chatIDs []string) ([]string, error)
}

// Report is the outcome of one sweep.
type Report struct {
	Removed    []string
	Reassigned []string
}

// Reaper removes closed chats older than the stale age and, when configured,
// re-bids chats left abandoned longer than the abandon timeout.
type Reaper struct {
	store          Store
	reassigner     Reassigner
	interval       time.Duration
	staleAge       time.Duration
	abandonTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithStaleAge sets how long closed chats are kept.
func WithStaleAge(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.staleAge = d
		}
	}
}

// WithAbandonTimeout enables re-bidding of chats abandoned for longer than d.
// A zero duration or nil reassigner disables it.
func WithAbandonTimeout(d time.Duration, reassigner Reassigner) Option {
	return func(r *Reaper) {
		r.abandonTimeout = d
		r.reassigner = reassigner
	}
}

// WithLogger sets the reaper logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a Reaper.
func New(store Store, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		interval: DefaultInterval,
		staleAge: DefaultStaleAge,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reaper")
	return r
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass.
func (r *Reaper) Sweep(ctx context.Context) Report {
	var rep Report
	now := r.now()
	st := r.store.State()

	cutoff := now.Add(-r.staleAge)
	for _, chat := range state.ClosedChatsOlderThan(st, r.staleAge, now) {
		if t := r.store.Dispatch(state.RemoveChat{ChatID: chat.ID, ClosedBefore: cutoff}); t.Changed {
			rep.Removed = append(rep.Removed, chat.ID)
		}
	}
	if len(rep.Removed) > 0 {
		r.logger.Info("removed stale chats", "count", len(rep.Removed))
	}

	if r.reassigner == nil || r.abandonTimeout <= 0 {
		return rep
	}
	abandoned := state.ChatIDs(state.AbandonedChatsOlderThan(st, r.abandonTimeout, now))
	if len(abandoned) == 0 {
		return rep
	}
	assigned, err := r.reassigner.Reassign(ctx, abandoned)
	rep.Reassigned = assigned
	if err != nil {
		r.logger.Warn("abandoned chats not reassigned",
			"pending", len(abandoned)-len(assigned),
			"error", err)
	}
	r.logger.Info("reassigned abandoned chats",
		"count", len(assigned),
		"candidates", len(abandoned))
	return rep
}
