// Package server wires the escrow service to its stores, collaborators and
// HTTP routes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/offerhub/escrowd/internal/auth"
	"github.com/offerhub/escrowd/internal/config"
	"github.com/offerhub/escrowd/internal/escrow"
	"github.com/offerhub/escrowd/internal/events"
	"github.com/offerhub/escrowd/internal/fees"
	"github.com/offerhub/escrowd/internal/health"
	"github.com/offerhub/escrowd/internal/ledger"
	"github.com/offerhub/escrowd/internal/logging"
	"github.com/offerhub/escrowd/internal/metrics"
	"github.com/offerhub/escrowd/internal/ratelimit"
	"github.com/offerhub/escrowd/internal/realtime"
	"github.com/offerhub/escrowd/internal/reconciliation"
	"github.com/offerhub/escrowd/internal/security"
	"github.com/offerhub/escrowd/internal/traces"
	"github.com/offerhub/escrowd/internal/validation"
	"github.com/offerhub/escrowd/internal/webhooks"
)

// Version is reported by /health and /v1/platform.
var Version = "dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory

	escrowService *escrow.Service
	memLedger     *ledger.MemoryLedger // set only without a database
	feeBreaker    *fees.BreakerManager
	publisher     *events.RedisPublisher
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	verifier      *auth.Verifier
	health        *health.Registry
	reconciler    *reconciliation.Runner
	reconcileTick *reconciliation.Timer
	webhookStore  webhooks.Store
	webhookSender *webhooks.Dispatcher

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc
	shutdownTracing func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds every dependency. Postgres backs the record store, ledger and fee
// book when DATABASE_URL is set; otherwise everything is in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:             cfg,
		logger:          logging.New(cfg.LogLevel, cfg.LogFormat),
		health:          health.NewRegistry(),
		shutdownTracing: func(context.Context) error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()

	var (
		store   escrow.Store
		xfer    ledger.Transferer
		feeBook fees.Manager
		balance reconciliation.BalanceFunc
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pl := ledger.NewPostgresLedger(db)
		store = escrow.NewPostgresStore(db)
		xfer = pl
		balance = pl.Balance
		s.webhookStore = webhooks.NewPostgresStore(db)
		feeBook = fees.NewPostgresBook(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.memLedger = ledger.NewMemoryLedger()
		store = escrow.NewMemoryStore()
		xfer = s.memLedger
		balance = reconciliation.MemoryBalances(s.memLedger)
		s.webhookStore = webhooks.NewMemoryStore()
		feeBook = fees.NewMemoryBook()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	s.feeBreaker = fees.NewBreakerManager(feeBook, cfg.FeeBreakerThreshold, cfg.FeeBreakerCooldown)
	s.health.Register("fee_manager", health.Breaker("fee_manager", func() string {
		return s.feeBreaker.State().String()
	}))

	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhookSender = webhooks.NewDispatcher(s.webhookStore, s.logger)
	emitters := events.Multi{events.NewLogEmitter(s.logger), s.realtimeHub, s.webhookSender}
	if cfg.RedisURL != "" {
		pub, err := events.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := pub.Ping(ctx); err != nil {
			s.logger.Warn("redis not reachable at startup, events will retry per publish", "error", err)
		}
		s.publisher = pub
		emitters = append(emitters, pub)
		s.health.Register("redis", health.Ping("redis", pub))
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

	s.escrowService = escrow.NewService(store, xfer, s.feeBreaker, serviceConfig(cfg)).WithEvents(emitters)

	s.reconciler = reconciliation.NewRunner(store, balance, s.logger)
	s.reconcileTick = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", s.reconciliationCheck)

	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if !s.verifier.Enabled() {
		s.logger.Warn("JWT_SECRET not set, trusting the X-Principal header", "env", cfg.Env)
	}

	rl := ratelimit.DefaultConfig()
	rl.Calls = cfg.RateLimitCalls
	rl.Window = cfg.RateLimitWindow
	s.rateLimiter = ratelimit.New(rl)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// serviceConfig maps process configuration onto the escrow service settings.
func serviceConfig(cfg *config.Config) escrow.Config {
	sc := escrow.DefaultConfig()
	sc.FeeBps = cfg.FeeBps
	sc.DisputeFeeBps = cfg.DisputeFeeBps
	sc.FeeAccount = cfg.FeeAccount
	sc.FeePolicy = escrow.FeePolicy(cfg.FeeRecordingPolicy)
	sc.MaxMilestones = cfg.MaxMilestones
	sc.MinAmount = cfg.MinEscrowAmount
	sc.MaxAmount = cfg.MaxEscrowAmount
	sc.DefaultTimeout = cfg.DefaultTimeout
	sc.MaxTimeout = cfg.MaxTimeout
	return sc
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(accessLog())
	s.router.Use(metrics.Middleware())
	s.router.Use(auth.Middleware(s.verifier, !s.cfg.IsProduction()))
}

// accessLog logs one line per request at a level matching the status.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if p := auth.Principal(c); p != "" {
			args = append(args, "principal", p)
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(args, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", args...)
		default:
			logger.Info("request completed", args...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/platform", s.platformHandler)
	v1.GET("/escrows/:id/events", s.realtimeHub.HandleEscrowStream)
	v1.GET("/stream", s.realtimeHub.HandleStream)

	handler := escrow.NewHandler(s.escrowService)
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.rateLimiter.Middleware())
	handler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(protected)

	if s.memLedger != nil && s.cfg.IsDevelopment() {
		v1.POST("/dev/deposit", s.devDepositHandler)
	}
}

// reconciliationCheck fails while the latest pass found vault drift. Before
// the first pass it reports healthy.
func (s *Server) reconciliationCheck(context.Context) health.Status {
	rep := s.reconciler.Last()
	if rep == nil {
		return health.Status{Healthy: true, Detail: "pending"}
	}
	if !rep.Clean() {
		return health.Status{Detail: fmt.Sprintf("%d escrows out of balance", len(rep.Mismatches))}
	}
	return health.Status{Healthy: true, Detail: fmt.Sprintf("%d open escrows checked", rep.Checked)}
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// platformHandler reports the settings every new escrow captures.
func (s *Server) platformHandler(c *gin.Context) {
	sc := s.escrowService.Config()
	c.JSON(http.StatusOK, gin.H{
		"version":          Version,
		"feeBps":           sc.FeeBps,
		"disputeFeeBps":    sc.DisputeFeeBps,
		"feeAccount":       sc.FeeAccount,
		"feeManager":       sc.FeeManagerID,
		"feePolicy":        sc.FeePolicy,
		"maxMilestones":    sc.MaxMilestones,
		"minAmount":        sc.MinAmount,
		"maxAmount":        sc.MaxAmount,
		"defaultTimeout":   int64(sc.DefaultTimeout / time.Second),
		"maxTimeout":       int64(sc.MaxTimeout / time.Second),
		"realtime":         s.realtimeHub.Stats(),
		"eventsToRedis":    s.publisher != nil,
		"persistentStores": s.db != nil,
	})
}

type depositRequest struct {
	Account string `json:"account" binding:"required"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount" binding:"required"`
}

// devDepositHandler credits an account in the in-memory ledger so escrows can
// be funded locally. It is only mounted in development without a database.
func (s *Server) devDepositHandler(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidPrincipal("account", req.Account),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	s.memLedger.Deposit(req.Account, req.Asset, req.Amount)
	c.JSON(http.StatusOK, gin.H{
		"account": req.Account,
		"asset":   ledger.AssetOrNative(req.Asset),
		"balance": s.memLedger.Balance(req.Account, req.Asset),
	})
}

// Run starts the HTTP server and blocks until a signal, ctx cancellation or a
// listener error, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.reconcileTick.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

// Shutdown drains HTTP traffic and closes every dependency.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.rateLimiter.Stop()
	s.reconcileTick.Stop()

	delivered := make(chan struct{})
	go func() {
		s.webhookSender.Wait()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-ctx.Done():
		s.logger.Warn("webhook deliveries still in flight at shutdown")
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service exposes the escrow service for embedding and tests.
func (s *Server) Service() *escrow.Service {
	return s.escrowService
}
