// ABOUTME: In-memory Log keeping the most recent messages of each chat view
// ABOUTME: Used when no database path is configured and in tests

package history

import (
	"context"
	"sync"

	"github.com/2389/switchboard/internal/state"
)

// DefaultLimit is the number of messages kept per chat view when no limit
// is configured.
const DefaultLimit = 100

type logKey struct {
	view   View
	chatID string
}

// MemoryLog is a bounded, process-local Log.
type MemoryLog struct {
	mu    sync.RWMutex
	logs  map[logKey][]state.Message
	limit int
}

// NewMemoryLog creates a MemoryLog keeping at most limit messages per chat
// view. A limit of zero or less uses DefaultLimit.
func NewMemoryLog(limit int) *MemoryLog {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryLog{
		logs:  make(map[logKey][]state.Message),
		limit: limit,
	}
}

// RecordMessage implements Log.
func (l *MemoryLog) RecordMessage(_ context.Context, view View, chatID string, msg state.Message) error {
	if err := checkView(view); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := logKey{view: view, chatID: chatID}
	msgs := l.logs[key]
	for _, m := range msgs {
		if m.ID == msg.ID {
			return nil
		}
	}
	msgs = append(msgs, msg)
	if len(msgs) > l.limit {
		msgs = append([]state.Message(nil), msgs[len(msgs)-l.limit:]...)
	}
	l.logs[key] = msgs
	return nil
}

// FindLog implements Log.
func (l *MemoryLog) FindLog(_ context.Context, view View, chatID string) ([]state.Message, error) {
	if err := checkView(view); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.logs[logKey{view: view, chatID: chatID}]
	out := make([]state.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	return nil
}
