// ABOUTME: Tests for inbound frame handling shared by the transports
// ABOUTME: Replies bypass the queue so a blocked handler never stalls a pending request

package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/2389/switchboard/internal/state"
)

type funcHandler func(ctx context.Context, c *Connection, f Frame) (any, error)

func (funcHandler) Connected(context.Context, *Connection) error { return nil }

func (h funcHandler) HandleFrame(ctx context.Context, c *Connection, f Frame) (any, error) {
	return h(ctx, c, f)
}

func (funcHandler) Disconnected(*Connection) {}

func nextFrame(t *testing.T, s *fakeSender) Frame {
	t.Helper()
	select {
	case f := <-s.sent:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
		return Frame{}
	}
}

func TestInbox_RepliesToRequests(t *testing.T) {
	sender := newFakeSender()
	c := NewConnection("a", RoleCustomer, state.Identity{ID: "cust"}, sender, nil)
	in := NewInbox(c, funcHandler(func(_ context.Context, _ *Connection, f Frame) (any, error) {
		if f.Event == "fail" {
			return nil, errors.New("nope")
		}
		return map[string]string{"event": f.Event}, nil
	}), nil, nil)
	go in.Run(t.Context())

	in.Push(Frame{Event: "hello", ID: "r1"})
	reply := nextFrame(t, sender)
	assert.Equal(t, "r1", reply.ReplyTo)
	assert.JSONEq(t, `{"event":"hello"}`, string(reply.Result))

	in.Push(Frame{Event: "fail", ID: "r2"})
	reply = nextFrame(t, sender)
	assert.Equal(t, "r2", reply.ReplyTo)
	assert.Equal(t, "nope", reply.Error)

	in.Push(Frame{Event: "fire-and-forget"})
	in.Push(Frame{Event: "hello", ID: "r3"})
	reply = nextFrame(t, sender)
	assert.Equal(t, "r3", reply.ReplyTo, "events without an id get no reply")
}

func TestInbox_ReplyReachesRequestWhileHandlerBlocks(t *testing.T) {
	sender := newFakeSender()
	c := NewConnection("a", RoleOperator, state.Identity{ID: "op"}, sender, nil)
	release := make(chan struct{})
	in := NewInbox(c, funcHandler(func(ctx context.Context, _ *Connection, _ Frame) (any, error) {
		<-release
		return nil, nil
	}), nil, nil)
	go in.Run(t.Context())
	defer close(release)

	in.Push(Frame{Event: "slow"})

	replies := c.CreateRequest("req-1")
	defer c.CloseRequest("req-1")
	in.Push(Frame{ReplyTo: "req-1", Result: []byte(`true`)})

	select {
	case f := <-replies:
		assert.JSONEq(t, `true`, string(f.Result))
	case <-time.After(time.Second):
		t.Fatal("reply was not routed")
	}
}

func TestInbox_RateLimited(t *testing.T) {
	sender := newFakeSender()
	c := NewConnection("a", RoleCustomer, state.Identity{ID: "cust"}, sender, nil)
	in := NewInbox(c, funcHandler(func(context.Context, *Connection, Frame) (any, error) {
		return nil, nil
	}), rate.NewLimiter(rate.Every(time.Hour), 1), nil)

	in.Push(Frame{Event: "one", ID: "r1"})
	in.Push(Frame{Event: "two", ID: "r2"})

	reply := nextFrame(t, sender)
	require.Equal(t, "r2", reply.ReplyTo)
	assert.Equal(t, ErrRateLimited.Error(), reply.Error)
}
