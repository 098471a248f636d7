// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/genexchange/settlement/internal/admin"
	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/config"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/health"
	"github.com/genexchange/settlement/internal/ledger"
	"github.com/genexchange/settlement/internal/logging"
	"github.com/genexchange/settlement/internal/metrics"
	"github.com/genexchange/settlement/internal/order"
	"github.com/genexchange/settlement/internal/ratelimit"
	"github.com/genexchange/settlement/internal/reconciliation"
	"github.com/genexchange/settlement/internal/security"
	"github.com/genexchange/settlement/internal/seed"
	"github.com/genexchange/settlement/internal/subscription"
	"github.com/genexchange/settlement/internal/validation"
)

// Version is reported by /health. cmd/server overrides it from ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB
	authMgr      *auth.Manager
	authorizer   *auth.KeyAuthorizer
	ledger       *ledger.Ledger
	assets       *asset.Validator
	catalog      catalog.Store
	escrowMgr    *escrow.Manager
	orders       *order.Engine
	subs         *subscription.Manager
	escrowTimer  *escrow.Monitor
	reconciler   *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// stores groups the persistence backends so memory and postgres modes share
// the wiring below.
type stores struct {
	ledger        ledger.Store
	escrows       escrow.Store
	orders        order.Store
	subscriptions subscription.Store
	catalog       catalog.Store
	assets        asset.Registry
	assetWriter   seed.AssetRegistrar
	apiKeys       auth.Store
	authorities   auth.AuthorityStore
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		s.db = db
		registry := asset.NewPostgresRegistry(db)
		st = stores{
			ledger:        ledger.NewPostgresStore(db),
			escrows:       escrow.NewPostgresStore(db),
			orders:        order.NewPostgresStore(db),
			subscriptions: subscription.NewPostgresStore(db),
			catalog:       catalog.NewPostgresStore(db),
			assets:        registry,
			assetWriter:   registry,
			apiKeys:       auth.NewPostgresStore(db),
			authorities:   auth.NewPostgresAuthorityStore(db),
		}
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		registry := asset.NewMemoryRegistry()
		st = stores{
			ledger:        ledger.NewMemoryStore(),
			escrows:       escrow.NewMemoryStore(),
			orders:        order.NewMemoryStore(),
			subscriptions: subscription.NewMemoryStore(),
			catalog:       catalog.NewMemoryStore(),
			assets:        registry,
			assetWriter:   registry,
			apiKeys:       auth.NewMemoryStore(),
			authorities:   auth.NewMemoryAuthorityStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.wire(cfg, st); err != nil {
		if s.db != nil {
			_ = s.db.Close()
		}
		return nil, err
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) wire(cfg *config.Config, st stores) error {
	ctx := context.Background()

	s.ledger = ledger.New(st.ledger, cfg.ExistentialDeposit)
	s.assets = asset.NewValidator(st.assets)
	s.catalog = st.catalog

	s.authMgr = auth.NewManager(st.apiKeys)
	s.authorizer = auth.NewKeyAuthorizer(st.authorities, cfg.SudoKey, s.logger)
	if err := s.authorizer.Bootstrap(ctx, map[auth.Role]string{
		auth.RoleEscrow:   cfg.EscrowKey,
		auth.RoleTreasury: cfg.TreasuryKey,
		auth.RoleWorkflow: cfg.WorkflowKey,
	}); err != nil {
		return fmt.Errorf("failed to bootstrap role keys: %w", err)
	}

	s.escrowMgr = escrow.NewManager(st.escrows, s.ledger,
		escrow.WithHoldWindow(cfg.EscrowHoldWindow),
		escrow.WithMinDeposit(s.ledger.ExistentialDeposit()),
		escrow.WithLogger(s.logger),
	)
	s.escrowTimer = escrow.NewMonitor(s.escrowMgr, cfg.MonitorInterval, s.logger)

	policy, err := order.ParseCancelPolicy(cfg.CancelPolicy)
	if err != nil {
		return err
	}
	orderOpts := []order.Option{
		order.WithCancelPolicy(policy),
		order.WithLogger(s.logger),
	}
	if cfg.RequireWorkflow {
		orderOpts = append(orderOpts, order.WithWorkflowVerifier(order.RecordedVerifier{}))
		s.logger.Info("fulfilment requires workflow confirmation")
	}
	s.orders = order.NewEngine(st.orders, st.catalog, s.assets, s.escrowMgr, s.authorizer, s.ledger, orderOpts...)

	s.subs = subscription.NewManager(st.subscriptions, s.assets, s.ledger, s.authorizer,
		subscription.WithLogger(s.logger),
	)

	s.reconciler = reconciliation.NewRunner(s.escrowMgr, s.ledger, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, 0, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db, 2*time.Second))
	}
	s.health.Register("escrow_monitor", health.Worker("escrow_monitor", s.running(s.escrowTimer.Running)))
	s.health.Register("reconciliation", health.Worker("reconciliation", s.running(s.reconTimer.Running)))

	if cfg.SeedFile != "" {
		file, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		sum, err := file.Apply(ctx, seed.Targets{
			Assets:   st.assetWriter,
			Services: st.catalog,
			Prices:   st.subscriptions,
			Funds:    s.ledger,
		}, !cfg.IsProduction(), s.logger)
		if err != nil {
			return fmt.Errorf("failed to apply seed file: %w", err)
		}
		s.logger.Info("seed applied",
			"file", cfg.SeedFile,
			"assets", sum.Assets,
			"services", sum.Services,
			"prices", sum.Prices,
			"balances", sum.Balances,
		)
	}

	return nil
}

// running reports a worker as up only while the server is serving; before
// Run starts them the timers are expected to be idle.
func (s *Server) running(fn func() bool) func() bool {
	return func() bool {
		if !s.ready.Load() {
			return true
		}
		return fn()
	}
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware(nil))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Caller identity, then rate limiting keyed on it
	s.router.Use(auth.Middleware(s.authMgr, s.cfg.TrustGateway))
	s.router.Use(callerMiddleware())

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
	rl.Burst = 2 * s.cfg.RateLimitRPS
	s.rateLimiter = ratelimit.New(rl)
	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware(ratelimit.ByCaller))
	}

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// callerMiddleware copies the resolved caller into the request context so
// service-level logs carry it.
func callerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if caller := auth.Caller(c); caller != "" {
			c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), caller))
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1", validation.AccountParamMiddleware())
	v1.GET("/info", s.infoHandler)

	auth.NewHandler(s.authMgr, s.authorizer).RegisterRoutes(v1)
	catalog.NewHandler(s.catalog).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowMgr).RegisterRoutes(v1)
	order.NewHandler(s.orders).RegisterRoutes(v1)
	subscription.NewHandler(s.subs).RegisterRoutes(v1)

	treasury := v1.Group("", auth.RequireAccount(), auth.RequireRole(s.authorizer, auth.RoleTreasury))
	admin.NewHandler(s.ledger, s.logger).
		WithReconciler(s.reconciler).
		WithEscrowScanner(s.escrowTimer).
		WithMint(!s.cfg.IsProduction()).
		RegisterRoutes(treasury)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":               "genexchange-settlement",
		"version":            Version,
		"nativeCurrency":     asset.DBIO,
		"existentialDeposit": s.ledger.ExistentialDeposit(),
		"escrowHoldWindow":   s.cfg.EscrowHoldWindow.String(),
		"cancelPolicy":       s.cfg.CancelPolicy,
		"requireWorkflow":    s.cfg.RequireWorkflow,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancelled by Shutdown to stop the background workers
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.escrowTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.logger.Info("escrow monitor stopped")

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
