// ABOUTME: Inbound frame processing shared by every transport
// ABOUTME: Replies resolve pending requests at once; events run in order on a per-connection worker

package conn

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

// inboxSize is the number of inbound events buffered per connection.
const inboxSize = 64

var (
	// ErrRateLimited is replied to a client sending faster than its limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownEvent is replied to events the handler does not know.
	ErrUnknownEvent = errors.New("unknown event")
)

// Handler processes the traffic of connections of one role.
type Handler interface {
	// Connected runs after the connection is registered and before any
	// frame is handled. An error closes the connection.
	Connected(ctx context.Context, c *Connection) error
	// HandleFrame handles one inbound event. For requests the result or
	// error is sent back as the reply.
	HandleFrame(ctx context.Context, c *Connection, f Frame) (any, error)
	// Disconnected runs once after the connection is unregistered.
	Disconnected(c *Connection)
}

// Inbox feeds one connection's inbound frames to a Handler. Reading never
// blocks on handling, so replies to the server's own requests are always
// picked up even while a handler waits.
type Inbox struct {
	conn    *Connection
	handler Handler
	limiter *rate.Limiter
	queue   chan Frame
	logger  *slog.Logger
}

// NewInbox creates an Inbox. A nil limiter disables rate limiting.
func NewInbox(c *Connection, h Handler, limiter *rate.Limiter, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		conn:    c,
		handler: h,
		limiter: limiter,
		queue:   make(chan Frame, inboxSize),
		logger:  logger,
	}
}

// Push accepts a frame read from the transport.
func (in *Inbox) Push(f Frame) {
	if f.IsReply() {
		in.conn.HandleResponse(f)
		return
	}
	if in.limiter != nil && !in.limiter.Allow() {
		in.logger.Warn("inbound rate exceeded", "conn_id", in.conn.ID, "event", f.Event)
		in.reply(f, nil, ErrRateLimited)
		return
	}
	select {
	case in.queue <- f:
	default:
		in.logger.Warn("inbox full, dropping frame", "conn_id", in.conn.ID, "event", f.Event)
		in.reply(f, nil, ErrRateLimited)
	}
}

// Run handles queued events in arrival order until ctx is done.
func (in *Inbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in.queue:
			result, err := in.handler.HandleFrame(ctx, in.conn, f)
			if err != nil {
				in.logger.Debug("frame handling failed",
					"conn_id", in.conn.ID,
					"event", f.Event,
					"error", err)
			}
			in.reply(f, result, err)
		}
	}
}

func (in *Inbox) reply(f Frame, result any, err error) {
	if f.ID == "" {
		return
	}
	r, encErr := NewReply(f.ID, result, err)
	if encErr != nil {
		r, _ = NewReply(f.ID, nil, encErr)
	}
	if sendErr := in.conn.Send(r); sendErr != nil {
		in.logger.Debug("reply not sent", "conn_id", in.conn.ID, "event", f.Event, "error", sendErr)
	}
}
