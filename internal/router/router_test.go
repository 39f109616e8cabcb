// ABOUTME: Tests for message routing, the middleware driver and built-in middlewares
// ABOUTME: Uses the mock hub, an in-memory history and a real state store

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/state"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	hub    *conn.MockHub
	store  *state.Store
	log    *history.MemoryLog
	router *Router
	chat   state.Chat
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		hub:   conn.NewMockHub(),
		store: state.NewStore(state.NewSystemState()),
		log:   history.NewMemoryLog(0),
	}
	f.store.Dispatch(state.InsertPendingChat{ChatID: "chat-1", Customer: state.Identity{ID: "cust-1", SessionID: "chat-1"}})
	f.chat = f.store.State().Chats["chat-1"]

	f.hub.Join("customer-conn", conn.CustomerRoom("chat-1"))
	f.hub.Join("operator-conn", conn.ChatRoom("chat-1"))
	f.hub.Join("agent-conn", conn.RoomAgents)

	opts = append([]Option{WithHistory(f.log), WithClock(func() time.Time { return testNow })}, opts...)
	f.router = New(f.hub, f.store, opts...)
	return f
}

func (f *fixture) received(connID string) []conn.Delivery {
	var out []conn.Delivery
	for _, d := range f.hub.Deliveries(conn.EventReceive) {
		if d.ConnID == connID {
			out = append(out, d)
		}
	}
	return out
}

func TestRouter_CustomerMessageReachesEveryone(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "help please"})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Len(t, res.Delivered, 3)

	assert.Len(t, f.received("customer-conn"), 1)
	assert.Len(t, f.received("operator-conn"), 1)

	agent := f.received("agent-conn")
	require.Len(t, agent, 1)
	formatted := agent[0].Args[0].(state.Message)
	assert.Equal(t, state.AuthorCustomer, formatted.AuthorType)
	assert.Equal(t, "chat-1", formatted.AuthorID)
	assert.Equal(t, "chat-1", formatted.SessionID)
	assert.Equal(t, testNow, formatted.Timestamp)

	customerLog, err := f.log.FindLog(t.Context(), history.ViewCustomer, "chat-1")
	require.NoError(t, err)
	assert.Len(t, customerLog, 1)
	operatorLog, err := f.log.FindLog(t.Context(), history.ViewOperator, "chat-1")
	require.NoError(t, err)
	assert.Len(t, operatorLog, 1)

	last := f.store.State().Chats["chat-1"].LastMessageAt
	require.NotNil(t, last)
	assert.Equal(t, testNow, *last)
}

func TestRouter_AgentMessagesAreAuthoredByAgent(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.Route(t.Context(), Agent, f.chat, state.Identity{ID: "bot"}, state.Message{
		ID:         "m1",
		Text:       "hello from the bot",
		AuthorType: state.AuthorOperator,
		AuthorID:   "bot",
	})
	require.NoError(t, err)
	for dest, msg := range res.Delivered {
		assert.Equal(t, state.AuthorAgent, msg.AuthorType, dest)
	}
}

func TestRouter_OperatorMessageUsesOperatorIdentity(t *testing.T) {
	f := newFixture(t)
	res, err := f.router.Route(t.Context(), Operator, f.chat, state.Identity{ID: "op1"}, state.Message{Text: "hi"})
	require.NoError(t, err)
	msg := res.Delivered[Customer]
	assert.Equal(t, state.AuthorOperator, msg.AuthorType)
	assert.Equal(t, "op1", msg.AuthorID)
	assert.NotEmpty(t, msg.ID)
}

func TestRouter_VetoAffectsOnlyThatDestination(t *testing.T) {
	f := newFixture(t)
	f.router.Use(MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
		if mc.Destination == Agent {
			return nil, nil
		}
		msg := mc.Message
		return &msg, nil
	}))

	res, err := f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Errors[Agent], ErrSuppressed)
	assert.ErrorIs(t, res.Err(), ErrSuppressed)
	assert.Empty(t, f.received("agent-conn"))
	assert.Len(t, f.received("customer-conn"), 1)
	assert.Len(t, f.received("operator-conn"), 1)
}

func TestRouter_FailingMiddlewareIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.router.Use(
		MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
			msg := mc.Message
			msg.Text = "first"
			return &msg, nil
		}),
		MiddlewareFunc(func(context.Context, Context) (*state.Message, error) {
			return nil, errors.New("broken")
		}),
		MiddlewareFunc(func(context.Context, Context) (*state.Message, error) {
			panic("worse")
		}),
		MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
			msg := mc.Message
			msg.Text += "+last"
			return &msg, nil
		}),
	)

	res, err := f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "orig"})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	for dest, msg := range res.Delivered {
		assert.Equal(t, "first+last", msg.Text, dest)
	}
}

func TestRouter_DuplicateMessageDropped(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	f := newFixture(t, WithDedupe(cache))

	_, err := f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "hi"})
	require.NoError(t, err)
	_, err = f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "hi"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, f.received("customer-conn"), 1)
}

type failingLog struct{ history.Log }

func (failingLog) RecordMessage(context.Context, history.View, string, state.Message) error {
	return errors.New("disk full")
}

func TestRouter_HistoryFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(t, WithHistory(failingLog{}))

	res, err := f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Len(t, f.received("customer-conn"), 1)
	assert.Len(t, f.received("operator-conn"), 1)
}

func TestRouter_UnknownOrigin(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Route(t.Context(), Channel("martian"), f.chat, state.Identity{}, state.Message{})
	assert.Error(t, err)
}

func TestMarkdown_RendersForOperatorsOnly(t *testing.T) {
	mw := Markdown()
	msg := state.Message{ID: "m1", Text: "**bold**", Meta: map[string]any{"k": "v"}}

	out, err := mw.Handle(t.Context(), Context{Destination: Operator, Message: msg})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Contains(t, out.Meta[MetaHTML], "<strong>bold</strong>")
	assert.Equal(t, "v", out.Meta["k"])
	assert.NotContains(t, msg.Meta, MetaHTML, "input meta is not modified")

	out, err = mw.Handle(t.Context(), Context{Destination: Customer, Message: msg})
	require.NoError(t, err)
	assert.NotContains(t, out.Meta, MetaHTML)
}

func TestBlockedWords(t *testing.T) {
	mw := BlockedWords([]string{"Spam", " "})
	msg := state.Message{Text: "buy SPAM now"}

	out, err := mw.Handle(t.Context(), Context{Destination: Customer, Message: msg})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = mw.Handle(t.Context(), Context{Destination: Operator, Message: msg})
	require.NoError(t, err)
	assert.NotNil(t, out)

	out, err = mw.Handle(t.Context(), Context{Destination: Agent, Message: state.Message{Text: "hello"}})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRun_EmptyPipeline(t *testing.T) {
	out, ok := Run(t.Context(), nil, nil, Context{Message: state.Message{ID: "m1"}})
	assert.True(t, ok)
	assert.Equal(t, "m1", out.ID)
}

func TestRun_LaterMiddlewareCanRestoreVetoedMessage(t *testing.T) {
	veto := MiddlewareFunc(func(context.Context, Context) (*state.Message, error) {
		return nil, nil
	})
	var sawVeto bool
	restore := MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
		sawVeto = mc.Vetoed
		return &state.Message{ID: "m1", Text: "restored"}, nil
	})

	out, ok := Run(t.Context(), nil, []Middleware{veto, restore}, Context{Message: state.Message{ID: "m1", Text: "orig"}})
	assert.True(t, ok)
	assert.True(t, sawVeto)
	assert.Equal(t, "restored", out.Text)
}

func TestRun_VetoSurvivesFailingAndBuiltinStages(t *testing.T) {
	veto := MiddlewareFunc(func(context.Context, Context) (*state.Message, error) {
		return nil, nil
	})
	broken := MiddlewareFunc(func(context.Context, Context) (*state.Message, error) {
		return nil, errors.New("broken")
	})
	pipeline := []Middleware{veto, broken, Markdown(), BlockedWords([]string{"spam"})}

	out, ok := Run(t.Context(), nil, pipeline, Context{Destination: Operator, Message: state.Message{ID: "m1", Text: "hi"}})
	assert.False(t, ok)
	assert.Empty(t, out.ID)
}

func TestRouter_VetoThenRestoreDelivers(t *testing.T) {
	f := newFixture(t)
	f.router.Use(
		BlockedWords([]string{"secret"}),
		MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
			if mc.Vetoed {
				return &state.Message{ID: "m1", Text: "[redacted]"}, nil
			}
			msg := mc.Message
			return &msg, nil
		}),
	)

	res, err := f.router.Route(t.Context(), Customer, f.chat, f.chat.Customer, state.Message{ID: "m1", Text: "my secret"})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, "[redacted]", res.Delivered[Agent].Text)
	assert.Equal(t, "my secret", res.Delivered[Operator].Text)
}
