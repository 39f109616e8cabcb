// ABOUTME: Middleware contract and the fail-open pipeline driver
// ABOUTME: Errors and panics skip the failing stage; a nil final result vetoes delivery

package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/state"
)

// Context is what a middleware sees for one destination of one message.
type Context struct {
	Origin      Channel
	Destination Channel
	Chat        state.Chat
	User        state.Identity
	Message     state.Message
	// Vetoed is set once an earlier middleware returned nil. Message is then
	// empty; returning a non-nil message restores delivery.
	Vetoed bool
}

// Middleware transforms a message on its way to one destination. Returning
// a nil message with a nil error vetoes it; delivery is suppressed when the
// message is still vetoed after the last middleware. Returning an error
// skips this middleware: the next one sees the previous message.
type Middleware interface {
	Handle(ctx context.Context, mc Context) (*state.Message, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, mc Context) (*state.Message, error)

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(ctx context.Context, mc Context) (*state.Message, error) {
	return f(ctx, mc)
}

// Run drives mc.Message through the whole pipeline. It returns false when
// the message is vetoed at the end of it.
func Run(ctx context.Context, logger *slog.Logger, pipeline []Middleware, mc Context) (state.Message, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	for i, mw := range pipeline {
		next, err := invoke(ctx, mw, mc)
		if err != nil {
			logger.Warn("middleware failed",
				"index", i,
				"origin", mc.Origin,
				"destination", mc.Destination,
				"chat_id", mc.Chat.ID,
				"error", err,
			)
			continue
		}
		if next == nil {
			mc.Message = state.Message{}
			mc.Vetoed = true
			continue
		}
		mc.Message = *next
		mc.Vetoed = false
	}
	if mc.Vetoed {
		return state.Message{}, false
	}
	return mc.Message, true
}

// invoke calls one middleware, turning a panic into an error.
func invoke(ctx context.Context, mw Middleware, mc Context) (next *state.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			next = nil
			err = fmt.Errorf("middleware panic: %v", p)
		}
	}()
	return mw.Handle(ctx, mc)
}
