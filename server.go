package tinyhttpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tinyhttpd/internal/auth"
	"pkt.systems/tinyhttpd/internal/clock"
	"pkt.systems/tinyhttpd/internal/connguard"
	"pkt.systems/tinyhttpd/internal/dbpool"
	"pkt.systems/tinyhttpd/internal/httpconn"
	"pkt.systems/tinyhttpd/internal/reactor"
	"pkt.systems/tinyhttpd/internal/svcfields"
	"pkt.systems/tinyhttpd/internal/userdb"
	"pkt.systems/tinyhttpd/internal/version"
	"pkt.systems/tinyhttpd/internal/workerpool"
)

// ErrServerClosed is returned by Start once Shutdown has begun.
var ErrServerClosed = errors.New("tinyhttpd: server closed")

// Server wires the readiness loop, the worker pool and the database pool
// into one process.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	telemetry *telemetryBundle
	db        *dbpool.Pool[userdb.Conn]
	auth      *auth.Handler
	site      *httpconn.Site
	workers   *workerpool.Pool[*httpconn.Conn, userdb.Conn]
	guard     *connguard.Guard

	mu        sync.Mutex
	reactor   *reactor.Reactor
	started   bool
	shutdown  bool
	serveDone chan struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	Dialer       dbpool.Dialer[userdb.Conn]
	Endpoints    map[string]httpconn.Endpoint
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock overrides the clock used for idle eviction and the connection
// guard.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides Config.OTLPEndpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithUserDialer replaces the dialer derived from Config.DB.
func WithUserDialer(dial dbpool.Dialer[userdb.Conn]) Option {
	return func(o *options) {
		o.Dialer = dial
	}
}

// WithEndpoint adds or replaces a POST endpoint. The login and register
// endpoints are installed by default.
func WithEndpoint(route string, ep httpconn.Endpoint) Option {
	return func(o *options) {
		if o.Endpoints == nil {
			o.Endpoints = make(map[string]httpconn.Endpoint)
		}
		o.Endpoints[route] = ep
	}
}

// NewServer constructs a server. Every database handle is opened here; the
// listener is bound by Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "server.core")
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}

	ctx := context.Background()
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:     cfg.OTLPEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
		serveDone: make(chan struct{}),
	}
	fail := func(err error) (*Server, error) {
		s.teardown(ctx)
		return nil, err
	}

	dial := o.Dialer
	if dial == nil {
		dial, err = userdb.Dialer(cfg.DB)
		if err != nil {
			return fail(err)
		}
	}
	s.db, err = dbpool.New(ctx, dbpool.Config{
		MaxConns: cfg.DBMaxConns,
		Name:     userdb.Redact(cfg.DB),
		Logger:   logger,
	}, dial)
	if err != nil {
		return fail(fmt.Errorf("open user database: %w", err))
	}
	if err := s.db.With(ctx, func(c userdb.Conn) error { return c.EnsureSchema(ctx) }); err != nil {
		return fail(fmt.Errorf("prepare user database: %w", err))
	}

	s.auth, err = auth.New(auth.Config{BcryptCost: cfg.BcryptCost, Logger: logger})
	if err != nil {
		return fail(err)
	}
	endpoints := map[string]httpconn.Endpoint{
		"/login":    {Handle: s.auth.Login, Success: "welcome.html", Failure: "logError.html"},
		"/register": {Handle: s.auth.Register, Success: "log.html", Failure: "registerError.html"},
	}
	for route, ep := range o.Endpoints {
		endpoints[route] = ep
	}
	s.site, err = httpconn.NewSite(httpconn.SiteConfig{
		Root:            cfg.DocumentRoot,
		Home:            cfg.HomePage,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Aliases:         cfg.Aliases,
		Endpoints:       endpoints,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}

	s.workers, err = workerpool.New(workerpool.Config{
		Workers:     cfg.Workers,
		MaxRequests: cfg.MaxRequests,
		Logger:      logger,
	}, s.db, func(ctx context.Context, c *httpconn.Conn, db userdb.Conn) {
		c.Process(ctx, db)
	})
	if err != nil {
		return fail(err)
	}
	s.guard = connguard.New(cfg.connguardConfig(), clk, logger)
	return s, nil
}

// Start binds the listener, launches the workers and runs the readiness
// loop until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("tinyhttpd: server already started")
	}
	s.started = true
	r, err := reactor.New(reactor.Config{
		Listen:       s.cfg.Listen,
		Backlog:      s.cfg.Backlog,
		IdleTimeout:  s.cfg.IdleTimeout,
		TickInterval: s.cfg.TickInterval,
		MaxConns:     s.cfg.MaxConns,
		Site:         s.site,
		Dispatcher:   s.workers,
		Guard:        s.guard,
		Clock:        s.clock,
		Logger:       s.logger,
	})
	if err != nil {
		s.mu.Unlock()
		close(s.serveDone)
		return err
	}
	s.reactor = r
	s.mu.Unlock()
	defer close(s.serveDone)

	if err := s.workers.Start(context.Background()); err != nil {
		return err
	}
	s.logger.Info("listen",
		"address", r.Addr().String(),
		"root", s.site.Root(),
		"version", version.Current(),
		"workers", s.cfg.Workers,
		"db_max_conns", s.cfg.DBMaxConns,
		"idle_timeout", s.cfg.IdleTimeout,
	)
	s.signalReady()
	return r.Serve(context.Background())
}

// Shutdown stops accepting, waits for the loop to exit, drains the workers
// and releases connections, database handles and telemetry in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	r := s.reactor
	started := s.started
	s.mu.Unlock()

	s.logger.Info("shutdown.begin")
	var errs []error
	if r != nil {
		r.Stop()
	}
	if started {
		select {
		case <-s.serveDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for readiness loop: %w", ctx.Err()))
		}
	}
	if err := s.workers.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if r != nil {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
	}
	errs = append(errs, s.teardown(ctx))
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("shutdown.complete", "error", err)
		return err
	}
	s.logger.Info("shutdown.complete")
	return nil
}

func (s *Server) teardown(ctx context.Context) error {
	var errs []error
	if s.db != nil {
		if err := s.db.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close user database: %w", err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close shuts the server down without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound and the workers run,
// or until ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactor == nil {
		return nil
	}
	return s.reactor.Addr()
}

// Stats is a point-in-time view of server load.
type Stats struct {
	Connections   int
	Accepted      int64
	Evicted       int64
	PendingTimers int
	QueuedPasses  int
	BusyWorkers   int
	Processed     int64
	Rejected      int64
	FreeDBConns   int
	BlockedPeers  int
}

// Stats reports current counters.
func (s *Server) Stats() Stats {
	st := Stats{
		QueuedPasses: s.workers.Pending(),
		BusyWorkers:  s.workers.Busy(),
		Processed:    s.workers.Processed(),
		Rejected:     s.workers.Rejected(),
		FreeDBConns:  s.db.Free(),
		BlockedPeers: s.guard.Blocked(),
	}
	s.mu.Lock()
	r := s.reactor
	s.mu.Unlock()
	if r != nil {
		st.Connections = r.Active()
		st.Accepted = r.Accepted()
		st.Evicted = r.Evicted()
		st.PendingTimers = r.PendingTimers()
	}
	return st
}

// StartServer starts a server in the background and returns it along with a
// stop function. The server is stopped when ctx ends or stop is called.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = ErrServerClosed
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, reactor.ErrClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
