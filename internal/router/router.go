// ABOUTME: Message router running one middleware pipeline per destination
// ABOUTME: Customer, operator and agent messages fan out to all three audiences independently

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/state"
	"github.com/2389/switchboard/internal/telemetry"
)

var (
	// ErrSuppressed is reported for a destination whose pipeline returned no
	// message. Nothing was delivered there.
	ErrSuppressed = errors.New("middleware prevented message")

	// ErrDuplicate is returned when a message id was already routed for the chat.
	ErrDuplicate = errors.New("duplicate message")
)

// Channel is a class of participant, used both as origin and destination.
type Channel string

const (
	Customer Channel = "customer"
	Operator Channel = "operator"
	Agent    Channel = "agent"
)

// destinations lists the pipelines run for each origin.
var destinations = map[Channel][]Channel{
	Customer: {Customer, Agent, Operator},
	Operator: {Agent, Operator, Customer},
	Agent:    {Agent, Operator, Customer},
}

// Dispatcher is the part of the state store the router needs.
type Dispatcher interface {
	Dispatch(state.Action) state.Transition
}

// Result reports the outcome of each destination pipeline.
type Result struct {
	Message   state.Message
	Delivered map[Channel]state.Message
	Errors    map[Channel]error
}

// Err joins the per-destination errors.
func (r Result) Err() error {
	var errs []error
	for _, ch := range []Channel{Customer, Operator, Agent} {
		if err := r.Errors[ch]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// Router routes chat messages.
type Router struct {
	hub        conn.Hub
	store      Dispatcher
	history    history.Log
	seen       *dedupe.Cache
	now        func() time.Time
	tracer     trace.Tracer
	logger     *slog.Logger
	mu         sync.RWMutex
	middleware []Middleware
}

// Option configures a Router.
type Option func(*Router)

// WithHistory records delivered messages in the customer and operator logs.
func WithHistory(l history.Log) Option {
	return func(r *Router) { r.history = l }
}

// WithDedupe drops messages whose id was already routed for the chat.
func WithDedupe(c *dedupe.Cache) Option {
	return func(r *Router) { r.seen = c }
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router delivering through hub and pushing operator-bound
// messages into store.
func New(hub conn.Hub, store Dispatcher, opts ...Option) *Router {
	r := &Router{
		hub:    hub,
		store:  store,
		now:    time.Now,
		tracer: telemetry.Tracer(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Use appends middlewares. They run in registration order for every
// destination.
func (r *Router) Use(mw ...Middleware) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
	return r
}

func (r *Router) pipeline() []Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Middleware(nil), r.middleware...)
}

// normalize fills the fields the router owns: id, timestamp, session and
// author. Agent-originated messages are always authored by an agent.
func (r *Router) normalize(origin Channel, chat state.Chat, user state.Identity, msg state.Message) state.Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	if msg.SessionID == "" {
		msg.SessionID = chat.ID
	}
	if msg.Type == "" {
		msg.Type = state.MessageTypeMessage
	}
	switch origin {
	case Customer:
		msg.AuthorType = state.AuthorCustomer
		if msg.AuthorID == "" {
			msg.AuthorID = chat.ID
		}
	case Operator:
		msg.AuthorType = state.AuthorOperator
		if user.ID != "" {
			msg.AuthorID = user.ID
		}
	case Agent:
		msg.AuthorType = state.AuthorAgent
	}
	return msg
}

// Route sends msg from origin to every destination. Each destination runs
// its own pipeline and delivery; a failure or veto in one never affects the
// others.
func (r *Router) Route(ctx context.Context, origin Channel, chat state.Chat, user state.Identity, msg state.Message) (Result, error) {
	dests, ok := destinations[origin]
	if !ok {
		return Result{}, fmt.Errorf("unknown origin %q", origin)
	}
	msg = r.normalize(origin, chat, user, msg)

	if r.seen != nil && r.seen.Duplicate(dedupe.MessageKey(chat.ID, msg.ID)) {
		r.logger.Debug("dropping duplicate message", "chat_id", chat.ID, "message_id", msg.ID)
		return Result{Message: msg}, ErrDuplicate
	}

	ctx, span := r.tracer.Start(ctx, "router.Route",
		trace.WithAttributes(
			attribute.String("chat.id", chat.ID),
			attribute.String("router.origin", string(origin)),
		))
	defer span.End()

	res := Result{
		Message:   msg,
		Delivered: make(map[Channel]state.Message),
		Errors:    make(map[Channel]error),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, dest := range dests {
		wg.Add(1)
		go func(dest Channel) {
			defer wg.Done()
			out, err := r.routeTo(ctx, Context{
				Origin:      origin,
				Destination: dest,
				Chat:        chat,
				User:        user,
				Message:     msg,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[dest] = err
				return
			}
			res.Delivered[dest] = out
		}(dest)
	}
	wg.Wait()
	return res, nil
}

func (r *Router) routeTo(ctx context.Context, mc Context) (state.Message, error) {
	out, ok := Run(ctx, r.logger, r.pipeline(), mc)
	if !ok {
		r.logger.Debug("middleware prevented message",
			"message_id", mc.Message.ID,
			"origin", mc.Origin,
			"destination", mc.Destination,
			"chat_id", mc.Chat.ID,
		)
		return state.Message{}, ErrSuppressed
	}

	switch mc.Destination {
	case Customer:
		r.record(ctx, history.ViewCustomer, mc.Chat.ID, out)
		r.hub.Broadcast(conn.CustomerRoom(mc.Chat.ID), conn.EventReceive, mc.Chat, out)
	case Operator:
		r.record(ctx, history.ViewOperator, mc.Chat.ID, out)
		r.store.Dispatch(state.ReceiveMessage{ChatID: mc.Chat.ID, Message: out})
		r.hub.Broadcast(conn.ChatRoom(mc.Chat.ID), conn.EventReceive, mc.Chat, out)
	case Agent:
		r.hub.Broadcast(conn.RoomAgents, conn.EventReceive, FormatAgentMessage(out.AuthorType, out.AuthorID, mc.Chat.ID, out))
	}
	return out, nil
}

// record persists a delivered message. Failures are logged and delivery
// continues.
func (r *Router) record(ctx context.Context, view history.View, chatID string, msg state.Message) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordMessage(ctx, view, chatID, msg); err != nil {
		r.logger.Warn("failed to record message",
			"chat_id", chatID,
			"view", view,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// FormatAgentMessage is the shape agents receive: the message with its
// author and session made explicit.
func FormatAgentMessage(authorType state.AuthorType, authorID, sessionID string, msg state.Message) state.Message {
	return state.Message{
		ID:         msg.ID,
		Timestamp:  msg.Timestamp,
		Text:       msg.Text,
		AuthorType: authorType,
		AuthorID:   authorID,
		SessionID:  sessionID,
		Type:       msg.Type,
		Meta:       msg.Meta,
	}
}
