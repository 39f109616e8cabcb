// ABOUTME: Hub contract used by the core and the Manager that implements it
// ABOUTME: Keeps the live connection registry and room membership

package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRegistered indicates a connection with the same ID exists.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrNotFound indicates the connection is not registered.
	ErrNotFound = errors.New("connection not found")

	// ErrRequestTimeout indicates a request got no reply before its deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// RemoteError is the error a client returned in reply to a request.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Room names.
const (
	RoomAgents    = "agents"
	RoomCustomers = "customers"
)

// CustomerRoom holds the customer connections of a chat session.
func CustomerRoom(chatID string) string { return "customers/" + chatID }

// ChatRoom holds the operator connections that are members of a chat.
func ChatRoom(chatID string) string { return "chats/" + chatID }

// OperatorRoom holds every connection of one operator.
func OperatorRoom(operatorID string) string { return "operators/" + operatorID }

// Hub is the transport primitive the core depends on.
type Hub interface {
	// Deliver sends an event to one connection.
	Deliver(connID, event string, args ...any) error
	// Broadcast sends an event to every connection in a room.
	Broadcast(room, event string, args ...any)
	Join(connID, room string)
	Leave(connID, room string)
	// Request sends an event and waits for the client's reply.
	Request(ctx context.Context, connID, event string, args ...any) (json.RawMessage, error)
}

// Manager is the in-process Hub shared by every transport.
type Manager struct {
	conns  map[string]*Connection
	rooms  map[string]map[string]bool
	joined map[string]map[string]bool // conn -> rooms
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]map[string]bool),
		joined: make(map[string]map[string]bool),
		logger: logger.With("component", "hub"),
	}
}

// Register adds a connection.
func (m *Manager) Register(c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[c.ID]; exists {
		return ErrAlreadyRegistered
	}
	m.conns[c.ID] = c
	m.joined[c.ID] = make(map[string]bool)

	m.logger.Info("connection registered",
		"conn_id", c.ID,
		"role", c.Role,
		"user_id", c.Identity.ID,
		"total", len(m.conns),
	)
	return nil
}

// Unregister removes a connection from the registry and every room, failing
// its pending requests.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
		for room := range m.joined[connID] {
			m.leaveLocked(connID, room)
		}
		delete(m.joined, connID)
	}
	total := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return
	}
	c.shutdown()
	m.logger.Info("connection unregistered",
		"conn_id", connID,
		"role", c.Role,
		"total", total,
	)
}

// Get returns a registered connection.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Members returns the connection ids in a room, sorted.
func (m *Manager) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deliver implements Hub.
func (m *Manager) Deliver(connID, event string, args ...any) error {
	c, ok := m.Get(connID)
	if !ok {
		return fmt.Errorf("deliver %s to %s: %w", event, connID, ErrNotFound)
	}
	f, err := NewFrame(event, args...)
	if err != nil {
		return err
	}
	if err := c.Send(f); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", event, connID, err)
	}
	return nil
}

// Broadcast implements Hub. Failed sends are logged and skipped.
func (m *Manager) Broadcast(room, event string, args ...any) {
	f, err := NewFrame(event, args...)
	if err != nil {
		m.logger.Error("failed to encode broadcast", "room", room, "event", event, "error", err)
		return
	}

	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		targets = append(targets, m.conns[id])
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(f); err != nil {
			m.logger.Debug("broadcast send failed",
				"room", room,
				"event", event,
				"conn_id", c.ID,
				"error", err,
			)
		}
	}
}

// Join implements Hub. Unknown connections are ignored.
func (m *Manager) Join(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; !ok {
		return
	}
	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]bool)
		m.rooms[room] = members
	}
	members[connID] = true
	m.joined[connID][room] = true
}

// Leave implements Hub.
func (m *Manager) Leave(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID, room)
}

func (m *Manager) leaveLocked(connID, room string) {
	if members, ok := m.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	if rooms, ok := m.joined[connID]; ok {
		delete(rooms, room)
	}
}

// Request implements Hub. It returns ErrRequestTimeout when ctx ends first
// and ErrConnectionClosed when the connection drops while waiting.
func (m *Manager) Request(ctx context.Context, connID, event string, args ...any) (json.RawMessage, error) {
	c, ok := m.Get(connID)
	if !ok {
		return nil, fmt.Errorf("request %s from %s: %w", event, connID, ErrNotFound)
	}

	f, err := NewFrame(event, args...)
	if err != nil {
		return nil, err
	}
	f.ID = uuid.New().String()

	replies := c.CreateRequest(f.ID)
	defer c.CloseRequest(f.ID)

	if err := c.Send(f); err != nil {
		return nil, fmt.Errorf("request %s from %s: %w", event, connID, err)
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("request %s from %s: %w", event, connID, ErrConnectionClosed)
		}
		if reply.Error != "" {
			return nil, &RemoteError{Message: reply.Error}
		}
		return reply.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s from %s: %w: %w", event, connID, ErrRequestTimeout, ctx.Err())
	}
}
