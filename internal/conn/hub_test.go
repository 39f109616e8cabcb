// ABOUTME: Tests for the connection Manager and request/reply routing
// ABOUTME: Uses an in-memory sender that records frames

package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/state"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []Frame
	sent   chan Frame
	closed bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan Frame, 16)}
}

func (s *fakeSender) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.frames = append(s.frames, f)
	s.sent <- f
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func register(t *testing.T, m *Manager, id string) (*Connection, *fakeSender) {
	t.Helper()
	sender := newFakeSender()
	c := NewConnection(id, RoleOperator, state.Identity{ID: "op-" + id}, sender, nil)
	require.NoError(t, m.Register(c))
	return c, sender
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "a")
	err := m.Register(NewConnection("a", RoleOperator, state.Identity{}, newFakeSender(), nil))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestManager_DeliverAndBroadcast(t *testing.T) {
	m := NewManager(nil)
	_, sa := register(t, m, "a")
	_, sb := register(t, m, "b")
	_, sc := register(t, m, "c")

	m.Join("a", ChatRoom("chat-1"))
	m.Join("b", ChatRoom("chat-1"))

	m.Broadcast(ChatRoom("chat-1"), EventReceive, map[string]string{"text": "hi"})
	require.NoError(t, m.Deliver("c", EventInit, "hello"))

	require.Len(t, sa.Frames(), 1)
	require.Len(t, sb.Frames(), 1)
	require.Len(t, sc.Frames(), 1)
	assert.Equal(t, EventReceive, sa.Frames()[0].Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(sa.Frames()[0].Args[0]))
	assert.Equal(t, EventInit, sc.Frames()[0].Event)

	err := m.Deliver("missing", EventInit)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRooms_ChatAndOperatorNamesDoNotCollide(t *testing.T) {
	assert.NotEqual(t, ChatRoom("same"), OperatorRoom("same"))
	assert.NotEqual(t, ChatRoom("same"), CustomerRoom("same"))

	m := NewManager(nil)
	register(t, m, "member")
	register(t, m, "console")
	m.Join("member", ChatRoom("same"))
	m.Join("console", OperatorRoom("same"))

	assert.Equal(t, []string{"member"}, m.Members(ChatRoom("same")))
	assert.Equal(t, []string{"console"}, m.Members(OperatorRoom("same")))
}

func TestManager_UnregisterLeavesRooms(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "a")
	m.Join("a", CustomerRoom("chat-1"))
	assert.Equal(t, []string{"a"}, m.Members(CustomerRoom("chat-1")))

	m.Unregister("a")
	assert.Empty(t, m.Members(CustomerRoom("chat-1")))
	_, ok := m.Get("a")
	assert.False(t, ok)
}

func TestManager_RequestReply(t *testing.T) {
	m := NewManager(nil)
	c, sender := register(t, m, "a")

	go func() {
		f := <-sender.sent
		reply, _ := NewReply(f.ID, map[string]int{"load": 1, "capacity": 3}, nil)
		c.HandleResponse(reply)
	}()

	raw, err := m.Request(t.Context(), "a", EventAvailable, map[string]string{"id": "chat-1"})
	require.NoError(t, err)

	var bid map[string]int
	require.NoError(t, json.Unmarshal(raw, &bid))
	assert.Equal(t, 3, bid["capacity"])
}

func TestManager_RequestRemoteError(t *testing.T) {
	m := NewManager(nil)
	c, sender := register(t, m, "a")

	go func() {
		f := <-sender.sent
		reply, _ := NewReply(f.ID, nil, errors.New("nope"))
		c.HandleResponse(reply)
	}()

	_, err := m.Request(t.Context(), "a", EventAvailable)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "nope", remote.Message)
}

func TestManager_RequestTimeout(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "a")

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Request(ctx, "a", EventAvailable)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestManager_DisconnectFailsPendingRequest(t *testing.T) {
	m := NewManager(nil)
	_, sender := register(t, m, "a")

	go func() {
		<-sender.sent
		m.Unregister("a")
	}()

	start := time.Now()
	_, err := m.Request(t.Context(), "a", EventAvailable)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnection_UnknownReplyIsDropped(t *testing.T) {
	c := NewConnection("a", RoleAgent, state.Identity{}, newFakeSender(), nil)
	assert.NotPanics(t, func() {
		c.HandleResponse(Frame{ReplyTo: "nobody"})
	})
}
