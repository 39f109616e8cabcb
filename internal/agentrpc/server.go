// ABOUTME: Agent channel server attaching authenticated gRPC streams to the connection manager
// ABOUTME: Inbound frames go through the shared inbox; outbound frames are serialized per stream

package agentrpc

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conn"
)

// Server implements AgentChannelServer.
type Server struct {
	manager *conn.Manager
	handler conn.Handler
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
}

// NewServer creates the agent channel service. Pass nil logger for default.
func NewServer(manager *conn.Manager, handler conn.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		handler: handler,
		limit:   100,
		burst:   200,
		logger:  logger.With("component", "agentrpc"),
	}
}

// NewGRPCServer builds a gRPC server with tracing and agent token
// authentication, with srv registered on it.
func NewGRPCServer(srv *Server, authn auth.Authenticator, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.StreamInterceptor(auth.StreamInterceptor(authn, conn.RoleAgent, srv.logger)),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterAgentChannelServer(gs, srv)
	return gs
}

// Connect serves one agent stream until the agent hangs up or the
// connection is closed from the gateway side.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	p := auth.FromContext(ctx)
	if p == nil || p.Role != conn.RoleAgent {
		return status.Error(codes.Unauthenticated, "agent identity required")
	}

	sender := newStreamSender(stream)
	logger := s.logger.With("agent_id", p.Identity.ID)
	c := conn.NewConnection(uuid.NewString(), conn.RoleAgent, p.Identity, sender, logger)
	if err := s.manager.Register(c); err != nil {
		return status.Errorf(codes.Internal, "registering agent: %v", err)
	}
	defer func() {
		s.manager.Unregister(c.ID)
		s.handler.Disconnected(c)
		_ = c.Close()
		sender.wait()
	}()

	if err := s.handler.Connected(ctx, c); err != nil {
		return status.Errorf(codes.FailedPrecondition, "agent rejected: %v", err)
	}

	logger.Info("agent connected", "conn_id", c.ID)

	inbox := conn.NewInbox(c, s.handler, rate.NewLimiter(s.limit, s.burst), logger)
	go inbox.Run(ctx)

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				recvErr <- err
				return
			}
			f, err := decodeFrame(msg)
			if err != nil {
				logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			inbox.Push(f)
		}
	}()

	select {
	case err := <-recvErr:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			logger.Info("agent disconnected", "conn_id", c.ID)
			return nil
		}
		logger.Error("receiving frame", "conn_id", c.ID, "error", err)
		return status.Errorf(codes.Internal, "receiving frame: %v", err)
	case <-sender.done:
		logger.Info("agent connection closed by gateway", "conn_id", c.ID)
		return nil
	}
}

// streamSender implements conn.Sender over a server stream. SendMsg is not
// safe for concurrent use, so writes are serialized.
type streamSender struct {
	stream    grpc.ServerStream
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamSender(stream grpc.ServerStream) *streamSender {
	return &streamSender{stream: stream, done: make(chan struct{})}
}

func (s *streamSender) Send(f conn.Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return conn.ErrConnectionClosed
	default:
	}
	return s.stream.SendMsg(msg)
}

// Close ends the stream by letting Connect return.
func (s *streamSender) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// wait blocks until an in-flight send finishes. Sends after Close fail, so
// nothing touches the stream once the handler has returned.
func (s *streamSender) wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
}
