// ABOUTME: Gateway orchestrator that wires the routing core to its transports
// ABOUTME: Manages the state store, background workers and the gRPC and HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/agentrpc"
	"github.com/2389/switchboard/internal/assign"
	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/broadcast"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/reaper"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/state"
	"github.com/2389/switchboard/internal/transport"
)

// ErrNotAccepting is returned to customers starting a chat while the system
// does not accept customers.
var ErrNotAccepting = errors.New("not accepting customers")

// ErrChatNotFound is returned for events naming an unknown chat.
var ErrChatNotFound = errors.New("chat not found")

// Options holds collaborators that New would otherwise build from config.
type Options struct {
	History       history.Log
	Publisher     events.Publisher
	Authenticator auth.Authenticator
	Clock         func() time.Time
}

// Gateway orchestrates the switchboard server components.
type Gateway struct {
	config    *config.Config
	store     *state.Store
	hub       *conn.Manager
	engine    *assign.Engine
	router    *router.Router
	sync      *broadcast.Synchronizer
	reaper    *reaper.Reaper
	emitter   *events.Emitter
	publisher events.Publisher
	history   history.Log
	dedupe    *dedupe.Cache
	authn     auth.Authenticator
	now       func() time.Time

	ws         *transport.Server
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// tsnetServer is set when listening on a tailnet.
	tsnetServer *tsnet.Server

	// ctx bounds work spawned from handlers and store observers.
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	spawnMu sync.Mutex

	// wake triggers the assign-next worker.
	wake chan struct{}
}

// initHistory creates the chat history log from config.
func initHistory(cfg *config.Config) (history.Log, error) {
	if cfg.Database.Path == ":memory:" {
		return history.NewMemoryLog(cfg.Chats.HistoryLimit), nil
	}
	l, err := history.NewSQLiteLog(cfg.Database.Path, cfg.Chats.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("initializing history: %w", err)
	}
	return l, nil
}

// New creates a Gateway from configuration. It opens the history database
// and, when configured, connects to the event broker.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h, err := initHistory(cfg)
	if err != nil {
		return nil, err
	}

	opts := Options{History: h}
	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(ctx, events.Options{
			URL:           cfg.Events.AMQPURL,
			Exchange:      cfg.Events.Exchange,
			RetryAttempts: 5,
			RetryDelay:    time.Second,
			Logger:        logger,
		})
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("connecting to event broker: %w", err)
		}
		opts.Publisher = pub
	} else {
		logger.Info("event publishing disabled - no events.amqp_url configured")
	}

	return NewWithOptions(cfg, opts, logger), nil
}

// NewWithOptions creates a Gateway around the given collaborators. Missing
// ones get defaults: in-memory history, JWT authentication with the
// configured secret, no event publishing.
func NewWithOptions(cfg *config.Config, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.History == nil {
		opts.History = history.NewMemoryLog(cfg.Chats.HistoryLimit)
	}
	if opts.Authenticator == nil {
		opts.Authenticator = auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:    cfg,
		hub:       conn.NewManager(logger),
		history:   opts.History,
		publisher: opts.Publisher,
		authn:     opts.Authenticator,
		now:       opts.Clock,
		dedupe:    dedupe.New(cfg.Router.DedupeTTL, 100_000),
		logger:    logger.With("component", "gateway"),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}

	middleware := append(state.DefaultMiddleware(), state.Observer(g.observe))
	if g.publisher != nil {
		g.emitter = events.NewEmitter(g.publisher, logger)
		middleware = append(middleware, g.emitter.Middleware())
	}
	g.store = state.NewStore(state.NewSystemState(),
		state.WithLogger(logger),
		state.WithClock(opts.Clock),
		state.WithDefaultCapacity(cfg.Chats.DefaultCapacity),
		state.WithMiddleware(middleware...),
	)

	g.engine = assign.NewEngine(g.store, g.hub,
		assign.WithBidTimeout(cfg.Chats.BidTimeout),
		assign.WithHistory(g.history),
		assign.WithLogger(logger),
		assign.WithClock(opts.Clock),
	)

	g.router = router.New(g.hub, g.store,
		router.WithHistory(g.history),
		router.WithDedupe(g.dedupe),
		router.WithLogger(logger),
		router.WithClock(opts.Clock),
	)
	if cfg.Router.Markdown {
		g.router.Use(router.Markdown())
	}
	if len(cfg.Router.BlockedWords) > 0 {
		g.router.Use(router.BlockedWords(cfg.Router.BlockedWords))
	}

	g.sync = broadcast.New(g.store, g.hub, logger)

	g.reaper = reaper.New(g.store,
		reaper.WithInterval(cfg.Chats.ReapInterval),
		reaper.WithStaleAge(cfg.Chats.StaleAge),
		reaper.WithAbandonTimeout(cfg.Chats.AbandonTimeout, g.engine),
		reaper.WithClock(opts.Clock),
		reaper.WithLogger(logger),
	)

	wsOpts := []transport.Option{transport.WithLogger(logger)}
	if len(cfg.Server.AllowedOrigins) > 0 {
		wsOpts = append(wsOpts, transport.WithCheckOrigin(transport.AllowOrigins(cfg.Server.AllowedOrigins)))
	}
	g.ws = transport.NewServer(g.hub, g.authn, wsOpts...)
	g.ws.Handle(conn.RoleCustomer, &customerHandler{g: g})
	g.ws.Handle(conn.RoleOperator, &operatorHandler{g: g})

	agentSrv := agentrpc.NewServer(g.hub, &agentHandler{g: g}, logger)
	g.grpcServer = agentrpc.NewGRPCServer(agentSrv, g.authn,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the HTTP routes: health checks, the state API and the
// WebSocket endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	g.registerAPI(mux)

	mux.HandleFunc("/ws/customer", g.ws.ServeWS(conn.RoleCustomer))
	mux.HandleFunc("/ws/operator", g.ws.ServeWS(conn.RoleOperator))
	return mux
}

// Store returns the state store.
func (g *Gateway) Store() *state.Store {
	return g.store
}

// Hub returns the connection manager.
func (g *Gateway) Hub() *conn.Manager {
	return g.hub
}

// GRPCServer returns the agent channel server.
func (g *Gateway) GRPCServer() *grpc.Server {
	return g.grpcServer
}

// Start launches the background workers on eg: the state synchronizer, the
// reaper, the assign-next worker and, when configured, the event emitter.
// They stop when ctx ends.
func (g *Gateway) Start(ctx context.Context, eg *errgroup.Group) {
	context.AfterFunc(ctx, g.cancel)

	done := g.sync.Start(ctx)
	eg.Go(func() error {
		<-done
		return nil
	})
	eg.Go(func() error {
		return ignoreCanceled(g.reaper.Run(ctx))
	})
	eg.Go(func() error {
		g.assignNextLoop(ctx)
		return nil
	})
	if g.emitter != nil {
		eg.Go(func() error {
			return ignoreCanceled(g.emitter.Run(ctx))
		})
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// Run starts the servers and background workers and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	g.Start(ctx, eg)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, waits for spawned work and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.ws.Shutdown()
	g.shutdownGRPCServer(ctx)

	g.spawnMu.Lock()
	g.cancel()
	g.spawnMu.Unlock()
	g.tasks.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	errs = appendCloseError(errs, "history close", g.history.Close())
	if g.publisher != nil {
		errs = appendCloseError(errs, "publisher close", g.publisher.Close())
	}
	g.dedupe.Close()

	return errors.Join(errs...)
}

// spawn runs fn in the background with the gateway's lifetime context.
// Work spawned after shutdown began is dropped.
func (g *Gateway) spawn(fn func(ctx context.Context)) {
	g.spawnMu.Lock()
	defer g.spawnMu.Unlock()
	if g.ctx.Err() != nil {
		return
	}
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		fn(g.ctx)
	}()
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one operator is online.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	online := state.OnlineOperators(g.store.State())
	if len(online) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no operators online"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d operators)", len(online))
}
