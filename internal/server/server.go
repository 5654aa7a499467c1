// Package server wires the payment engine together and serves the HTTP API.
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

	"github.com/nkolo/marketpay/internal/config"
	"github.com/nkolo/marketpay/internal/escrow"
	"github.com/nkolo/marketpay/internal/health"
	"github.com/nkolo/marketpay/internal/ledger"
	"github.com/nkolo/marketpay/internal/logging"
	"github.com/nkolo/marketpay/internal/metrics"
	"github.com/nkolo/marketpay/internal/orders"
	"github.com/nkolo/marketpay/internal/paygate"
	"github.com/nkolo/marketpay/internal/ratelimit"
	"github.com/nkolo/marketpay/internal/realtime"
	"github.com/nkolo/marketpay/internal/reconciliation"
	"github.com/nkolo/marketpay/internal/security"
	"github.com/nkolo/marketpay/internal/traces"
	"github.com/nkolo/marketpay/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	ledger        *ledger.Ledger
	escrowService *escrow.Service
	escrowStore   escrow.Store
	escrowTimer   *escrow.Timer
	orderService  *orders.Service
	orderTimer    *orders.Timer
	gateway       paygate.Adapter
	verifier      paygate.WebhookVerifier
	realtimeHub   *realtime.Hub
	reconciler    *reconciliation.Service
	reconTimer    *reconciliation.Timer
	healthReg     *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesDown    func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g paygate.Adapter) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesDown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(ledgerStore, s.logger)

		escrowStore := escrow.NewPostgresStore(db)
		if err := escrowStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		s.escrowStore = escrowStore

		orderStore := orders.NewPostgresStore(db)
		if err := orderStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate order store", "error", err)
		}
		s.buildServices(escrowStore, orderStore)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.ledger = ledger.New(ledger.NewMemoryStore(), s.logger)
		s.escrowStore = escrow.NewMemoryStore()
		s.buildServices(s.escrowStore, orders.NewMemoryStore())
	}

	// Realtime hub for WebSocket streaming, wired as the lifecycle event sink
	s.realtimeHub = realtime.NewHub(s.logger)
	s.escrowService.WithEventSink(s.realtimeHub)
	s.orderService.WithEventSink(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	// Background audit of the wallet projection. System accounts see every
	// payment, so drift anywhere shows up here first.
	s.reconciler = reconciliation.NewService(s.ledger, s.logger)
	for _, account := range []string{ledger.AccountClearing, ledger.AccountEscrow, ledger.AccountPlatform} {
		s.reconciler.Watch(account, cfg.DefaultCurrency)
	}
	s.reconTimer = reconciliation.NewTimer(s.reconciler, 0, s.logger)

	s.setupHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildServices assembles the escrow and order services over the given
// stores. The gateway may have been injected via WithGateway.
func (s *Server) buildServices(escrowStore escrow.Store, orderStore orders.Store) {
	policy := escrow.Policy{
		CommissionRate: s.cfg.Rate(),
		AutoRelease:    s.cfg.AutoRelease(),
	}
	s.escrowService = escrow.NewService(escrowStore, s.ledger, policy, s.logger).
		WithArbiters(s.cfg.ArbiterIDs...)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.cfg.ScanInterval, s.logger)

	if s.gateway == nil {
		if s.cfg.StripeSecretKey != "" {
			stripeAdapter := paygate.NewStripeAdapter(
				s.cfg.StripeSecretKey, s.cfg.StripeWebhookSecret,
				s.cfg.GatewayTimeout, s.logger)
			s.gateway = stripeAdapter
			s.verifier = stripeAdapter
			s.logger.Info("stripe payment gateway enabled")
		} else {
			sandbox := paygate.NewSandbox(s.logger)
			s.gateway = sandbox
			s.verifier = sandbox
			s.logger.Info("sandbox payment gateway enabled (no STRIPE_SECRET_KEY set)")
		}
	}
	if s.verifier == nil {
		if v, ok := s.gateway.(paygate.WebhookVerifier); ok {
			s.verifier = v
		}
	}

	s.orderService = orders.NewService(
		orderStore, s.gateway, s.escrowService, s.cfg.DraftOrderTTL, s.logger)
	s.orderTimer = orders.NewTimer(s.orderService, orderStore, s.cfg.ScanInterval, s.logger)
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.healthReg.Register("escrow_timer", func(ctx context.Context) health.Status {
		if !s.escrowTimer.Running() {
			return health.Status{Name: "escrow_timer", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "escrow_timer", Healthy: true}
	})

	s.healthReg.Register("order_timer", func(ctx context.Context) health.Status {
		if !s.orderTimer.Running() {
			return health.Status{Name: "order_timer", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "order_timer", Healthy: true}
	})

	s.healthReg.Register("reconciliation", func(ctx context.Context) health.Status {
		last := s.reconciler.LastResult()
		if last == nil {
			return health.Status{Name: "reconciliation", Healthy: true, Detail: "no run yet"}
		}
		if len(last.Drifts) > 0 {
			return health.Status{Name: "reconciliation", Healthy: false,
				Detail: fmt.Sprintf("%d wallets drifted", len(last.Drifts))}
		}
		return health.Status{Name: "reconciliation", Healthy: true}
	})
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

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

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time order/escrow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserParamMiddleware())

	orders.NewHandler(s.orderService, s.verifier).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "Marketpay",
		"description": "Escrow payment engine for marketplace orders",
		"version":     "0.1.0",
		"currency":    s.cfg.DefaultCurrency,
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
	go s.escrowTimer.Start(runCtx)
	go s.orderTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.escrowTimer.Stop()
	s.orderTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
		}
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
