// ABOUTME: In-memory Hub recording every delivery, for tests of the core packages
// ABOUTME: Requests are answered by per-connection responder functions

package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Delivery is one recorded Deliver or Broadcast call.
type Delivery struct {
	ConnID string
	Room   string
	Event  string
	Args   []any
}

// Responder answers a request sent to a mock connection.
type Responder func(ctx context.Context, event string, args ...any) (any, error)

// MockHub implements Hub in memory. Broadcasts are expanded to the room's
// members and recorded once per member.
type MockHub struct {
	mu         sync.Mutex
	rooms      map[string]map[string]bool
	responders map[string]Responder
	deliveries []Delivery
}

// NewMockHub creates an empty MockHub.
func NewMockHub() *MockHub {
	return &MockHub{
		rooms:      make(map[string]map[string]bool),
		responders: make(map[string]Responder),
	}
}

// SetResponder installs the request handler for a connection.
func (h *MockHub) SetResponder(connID string, r Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responders[connID] = r
}

// Deliver implements Hub.
func (h *MockHub) Deliver(connID, event string, args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries = append(h.deliveries, Delivery{ConnID: connID, Event: event, Args: args})
	return nil
}

// Broadcast implements Hub.
func (h *MockHub) Broadcast(room, event string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms[room] {
		h.deliveries = append(h.deliveries, Delivery{ConnID: id, Room: room, Event: event, Args: args})
	}
	if len(h.rooms[room]) == 0 {
		h.deliveries = append(h.deliveries, Delivery{Room: room, Event: event, Args: args})
	}
}

// Join implements Hub.
func (h *MockHub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][connID] = true
}

// Leave implements Hub.
func (h *MockHub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], connID)
}

// Request implements Hub by calling the connection's responder.
func (h *MockHub) Request(ctx context.Context, connID, event string, args ...any) (json.RawMessage, error) {
	h.mu.Lock()
	r, ok := h.responders[connID]
	h.mu.Unlock()
	if !ok {
		<-ctx.Done()
		return nil, fmt.Errorf("request %s from %s: %w", event, connID, ErrRequestTimeout)
	}
	result, err := r(ctx, event, args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// InRoom reports whether a connection has joined a room.
func (h *MockHub) InRoom(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[room][connID]
}

// Deliveries returns recorded deliveries, optionally filtered by event.
func (h *MockHub) Deliveries(event string) []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Delivery
	for _, d := range h.deliveries {
		if event == "" || d.Event == event {
			out = append(out, d)
		}
	}
	return out
}

// Reset clears recorded deliveries.
func (h *MockHub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries = nil
}
