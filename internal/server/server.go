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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/proctorgrid/engine/internal/config"
	"github.com/proctorgrid/engine/internal/engine"
	"github.com/proctorgrid/engine/internal/gateway"
	"github.com/proctorgrid/engine/internal/health"
	"github.com/proctorgrid/engine/internal/history"
	"github.com/proctorgrid/engine/internal/logging"
	"github.com/proctorgrid/engine/internal/metrics"
	"github.com/proctorgrid/engine/internal/ratelimit"
	"github.com/proctorgrid/engine/internal/realtime"
	"github.com/proctorgrid/engine/internal/security"
	"github.com/proctorgrid/engine/internal/session"
	"github.com/proctorgrid/engine/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	engine      *engine.Engine
	store       history.Store
	realtimeHub *realtime.Hub
	sweeper     *session.Sweeper
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	transport   gateway.Transport

	// Per-session upstream gateways, keyed by session ID.
	gwMu     sync.Mutex
	gateways map[string]context.CancelFunc
	runCtx   context.Context
	cancel   context.CancelFunc

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

// WithStore sets a custom history store (for testing)
func WithStore(store history.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithTransport sets a custom gateway transport (for testing)
func WithTransport(t gateway.Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, "json"),
		checks:   health.NewRegistry(),
		gateways: make(map[string]context.CancelFunc),
	}

	// Apply options first (may set store/logger/transport)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = history.NewPostgresStore(db, cfg.HistoryRetention)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

			s.checks.Register("database", func(ctx context.Context) health.Status {
				if err := db.PingContext(ctx); err != nil {
					return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "database", Healthy: true}
			})
		} else {
			s.store = history.NewMemoryStore(cfg.HistoryRetention)
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	if s.transport == nil {
		s.transport = gateway.NewWSTransport()
	}

	// Realtime hub for WebSocket streaming to dashboards
	s.realtimeHub = realtime.NewHub(s.logger)

	// The trust engine itself
	s.engine = engine.New(cfg, s.store,
		engine.WithBroadcaster(s.realtimeHub),
		engine.WithLogger(s.logger),
	)

	// Disconnect-timeout sweeper terminates sessions that never reconnect
	s.sweeper = session.NewSweeper(s.engine.Registry(), s.engine, cfg.DisconnectTimeout, s.logger)

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

// Engine exposes the trust engine (tests and the simulator harness).
func (s *Server) Engine() *engine.Engine { return s.engine }

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (dashboards are served from a separate origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
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
		if id := c.Param("id"); id != "" {
			ctx = logging.WithSessionID(ctx, id)
		}
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming to proctor dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	// Session lifecycle
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/start", s.startSession)
	v1.POST("/sessions/:id/end", s.endSession)

	// Signal push ingestion (alternative to the upstream ws stream)
	v1.POST("/events", s.ingestEvent)

	// Score and alert reads
	v1.GET("/sessions/:id/score", s.getScore)
	v1.GET("/sessions/:id/score/history", s.getScoreHistory)
	v1.GET("/sessions/:id/alert", s.getAlertState)

	// Violations
	v1.GET("/sessions/:id/violations", s.listViolations)
	v1.POST("/sessions/:id/violations/:violationId/ack", s.acknowledgeViolation)

	// History log and compliance export
	v1.GET("/sessions/:id/history", s.getHistory)
	v1.GET("/sessions/:id/export", s.exportSession)

	// Exam-level aggregates
	v1.GET("/exams/:examId/aggregate", s.getExamAggregate)

	// Streaming stats (connected dashboard clients)
	v1.GET("/stream/stats", s.streamStatsHandler)
}

// -----------------------------------------------------------------------------
// Upstream gateways
// -----------------------------------------------------------------------------

// startGateway subscribes to the upstream signal stream for one session.
// No-op when no stream URL is configured (push-only deployments).
func (s *Server) startGateway(sessionID string) {
	if s.cfg.StreamURL == "" || s.runCtx == nil {
		return
	}

	s.gwMu.Lock()
	defer s.gwMu.Unlock()
	if _, exists := s.gateways[sessionID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	s.gateways[sessionID] = cancel

	gw := gateway.New(
		s.cfg.StreamURL,
		sessionID,
		gateway.Config{
			BaseDelay:   s.cfg.ReconnectBaseDelay,
			MaxAttempts: s.cfg.ReconnectMaxRetries,
		},
		s.transport,
		s.engine,
		s.engine.SeverityLookup(sessionID),
		s.engine.HandleGatewayStatus,
		s.logger,
	)

	go func() {
		defer s.stopGateway(sessionID)
		if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("gateway terminated", "session_id", sessionID, "error", err)
		}
	}()
}

func (s *Server) stopGateway(sessionID string) {
	s.gwMu.Lock()
	defer s.gwMu.Unlock()
	if cancel, ok := s.gateways[sessionID]; ok {
		cancel()
		delete(s.gateways, sessionID)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start passive recovery ticks
	go s.engine.RunRecovery(runCtx)

	// Start disconnect-timeout sweeper
	go s.sweeper.Start(runCtx)

	// Collect DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, sweeper, gateways)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// generateRequestID creates a short random hex ID
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
