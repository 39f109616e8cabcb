// ABOUTME: In-memory Publisher recording envelopes, for tests
// ABOUTME: Can be told to fail so error paths are exercised

package events

import (
	"context"
	"sync"
)

// Published is one recorded Publish call.
type Published struct {
	Key      string
	Envelope Envelope
}

// MockPublisher implements Publisher in memory.
type MockPublisher struct {
	mu        sync.Mutex
	published []Published
	err       error
	closed    bool
}

// NewMockPublisher creates an empty MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// FailWith makes subsequent Publish calls return err. Pass nil to recover.
func (m *MockPublisher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Publish implements Publisher.
func (m *MockPublisher) Publish(_ context.Context, key string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPublisherClosed
	}
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, Published{Key: key, Envelope: env})
	return nil
}

// Close implements Publisher.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns recorded envelopes, optionally filtered by key.
func (m *MockPublisher) Published(key string) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Published
	for _, p := range m.published {
		if key == "" || p.Key == key {
			out = append(out, p)
		}
	}
	return out
}
