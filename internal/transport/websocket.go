// ABOUTME: WebSocket transport for the customer and operator channels
// ABOUTME: Authenticates the upgrade, registers the connection and runs read/write pumps

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/state"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Pings are sent with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest inbound frame accepted.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per connection.
	sendBufferSize = 256
)

// ErrSendBufferFull is returned when a client does not keep up with its
// outbound frames.
var ErrSendBufferFull = errors.New("send buffer full")

// Server upgrades HTTP requests to WebSocket connections and attaches them
// to the connection manager.
type Server struct {
	manager  *conn.Manager
	authn    auth.Authenticator
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[conn.Role]conn.Handler
	live     map[*wsSender]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit bounds the inbound events per second of each connection.
// A zero limit disables the check.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limit = limit
		s.burst = burst
	}
}

// WithCheckOrigin overrides the upgrade origin check. The default accepts
// every origin since the chat widget is embedded on customer sites.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// AllowOrigins returns an origin check accepting only the listed origins,
// compared case-insensitively without a trailing slash. Requests without an
// Origin header come from non-browser clients and are accepted.
func AllowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[normalizeOrigin(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[normalizeOrigin(origin)]
	}
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server registering connections with manager.
func NewServer(manager *conn.Manager, authn auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		authn:   authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limit:    20,
		burst:    40,
		logger:   slog.Default(),
		handlers: make(map[conn.Role]conn.Handler),
		live:     make(map[*wsSender]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket")
	return s
}

// Handle sets the handler for connections of role.
func (s *Server) Handle(role conn.Role, h conn.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[role] = h
}

func (s *Server) handler(role conn.Role) (conn.Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[role]
	return h, ok
}

// ServeWS returns the upgrade endpoint for role. A request whose token does
// not authenticate is still upgraded so the client can be told why: it gets
// an unauthorized frame and the socket is closed.
func (s *Server) ServeWS(role conn.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.handler(role)
		if !ok {
			http.NotFound(w, r)
			return
		}

		var identity state.Identity
		token, authErr := auth.TokenFromRequest(r)
		var err error
		if authErr == "" {
			identity, err = auth.Verify(r.Context(), s.authn, role, token)
		} else {
			err = errors.New(authErr)
		}

		ws, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			s.logger.Warn("websocket upgrade failed", "role", role, "error", upErr)
			return
		}

		if err != nil {
			s.logger.Warn("websocket authentication failed",
				"role", role,
				"remote_addr", r.RemoteAddr,
				"error", err)
			rejectUnauthorized(ws, err)
			return
		}

		s.serve(r.Context(), ws, role, identity, h)
	}
}

func rejectUnauthorized(ws *websocket.Conn, cause error) {
	defer ws.Close()
	f, err := conn.NewFrame(conn.EventUnauthorized, cause.Error())
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(f); err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
}

// serve runs one authenticated connection until the peer goes away.
func (s *Server) serve(ctx context.Context, ws *websocket.Conn, role conn.Role, identity state.Identity, h conn.Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sender := newWSSender(ws)
	logger := s.logger.With("role", role, "user_id", identity.ID)
	c := conn.NewConnection(uuid.NewString(), role, identity, sender, logger)
	if err := s.manager.Register(c); err != nil {
		logger.Error("failed to register connection", "error", err)
		_ = ws.Close()
		return
	}
	s.track(sender, true)
	defer s.track(sender, false)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		sender.writePump()
	}()

	defer func() {
		s.manager.Unregister(c.ID)
		h.Disconnected(c)
		_ = c.Close()
		<-pumpDone
	}()

	if err := h.Connected(ctx, c); err != nil {
		logger.Warn("connection rejected", "conn_id", c.ID, "error", err)
		return
	}

	var limiter *rate.Limiter
	if s.limit > 0 {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	inbox := conn.NewInbox(c, h, limiter, logger)
	go inbox.Run(ctx)

	sender.readPump(inbox, logger)
}

func (s *Server) track(sender *wsSender, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.live[sender] = struct{}{}
	} else {
		delete(s.live, sender)
	}
}

// Shutdown closes every live connection. Hijacked connections are not
// closed by http.Server.Shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	senders := make([]*wsSender, 0, len(s.live))
	for sender := range s.live {
		senders = append(senders, sender)
	}
	s.mu.Unlock()

	for _, sender := range senders {
		_ = sender.Close()
	}
}

// wsSender implements conn.Sender over a gorilla connection. Frames are
// queued and written by a single writer goroutine.
type wsSender struct {
	ws        *websocket.Conn
	send      chan conn.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSender(ws *websocket.Conn) *wsSender {
	return &wsSender{
		ws:   ws,
		send: make(chan conn.Frame, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (s *wsSender) Send(f conn.Frame) error {
	select {
	case <-s.done:
		return conn.ErrConnectionClosed
	default:
	}
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return conn.ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which closes the socket.
func (s *wsSender) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// writePump writes queued frames and keeps the connection alive with pings.
func (s *wsSender) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case f := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(f); err != nil {
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads frames until the socket fails or closes.
func (s *wsSender) readPump(inbox *conn.Inbox, logger *slog.Logger) {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f conn.Frame
		if err := s.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		inbox.Push(f)
	}
}
