// ABOUTME: Chat history boundary: per-chat message logs kept separately per audience
// ABOUTME: Defines the Log interface and the customer/operator views

package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/switchboard/internal/state"
)

// ErrInvalidView is returned for a view other than customer or operator.
var ErrInvalidView = errors.New("invalid history view")

// View selects which audience's log of a chat is read or written.
type View string

const (
	// ViewCustomer is what the customer sees: no internal events.
	ViewCustomer View = "customer"
	// ViewOperator is what operators see, including transfers and other events.
	ViewOperator View = "operator"
)

// Valid reports whether v is a known view.
func (v View) Valid() bool {
	return v == ViewCustomer || v == ViewOperator
}

// Log records and replays chat messages.
type Log interface {
	// RecordMessage appends msg to the chat's log for view. Recording the
	// same message id twice keeps the first copy.
	RecordMessage(ctx context.Context, view View, chatID string, msg state.Message) error
	// FindLog returns the chat's log for view, oldest first.
	FindLog(ctx context.Context, view View, chatID string) ([]state.Message, error)
	Close() error
}

func checkView(v View) error {
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidView, v)
	}
	return nil
}
