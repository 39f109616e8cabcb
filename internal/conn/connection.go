// ABOUTME: A single live client connection, independent of the transport carrying it
// ABOUTME: Tracks pending requests by id and routes replies back to their waiters

package conn

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/switchboard/internal/state"
)

// ErrConnectionClosed is returned for sends and requests on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Role is the kind of participant on a connection.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
)

// Sender writes frames to the underlying transport.
type Sender interface {
	Send(Frame) error
	Close() error
}

// Connection is one authenticated client connection.
type Connection struct {
	ID       string
	Role     Role
	Identity state.Identity

	sender  Sender
	pending map[string]chan Frame
	closed  bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewConnection wraps a transport sender.
func NewConnection(id string, role Role, identity state.Identity, sender Sender, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:       id,
		Role:     role,
		Identity: identity,
		sender:   sender,
		pending:  make(map[string]chan Frame),
		logger:   logger,
	}
}

// Send writes a frame to the client.
func (c *Connection) Send(f Frame) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	return c.sender.Send(f)
}

// CreateRequest registers a pending request and returns the channel its reply
// arrives on. The channel is closed without a value if the connection drops.
// The caller must eventually call CloseRequest.
func (c *Connection) CreateRequest(requestID string) <-chan Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Frame, 1)
	if c.closed {
		close(ch)
		return ch
	}
	c.pending[requestID] = ch
	return ch
}

// CloseRequest removes a pending request.
func (c *Connection) CloseRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.pending[requestID]; ok {
		close(ch)
		delete(c.pending, requestID)
	}
}

// HandleResponse routes a reply frame to its pending request. Replies for
// unknown requests are logged and discarded.
func (c *Connection) HandleResponse(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ReplyTo]
	if ok {
		delete(c.pending, f.ReplyTo)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received reply for unknown request",
			"request_id", f.ReplyTo,
			"conn_id", c.ID,
		)
		return
	}
	ch <- f
	close(ch)
}

// shutdown fails every pending request and rejects further sends.
func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close shuts the connection down and closes the transport.
func (c *Connection) Close() error {
	c.shutdown()
	return c.sender.Close()
}
