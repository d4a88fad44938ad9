// Package server sets up the HTTP server with all routes
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
	"github.com/google/uuid"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/config"
	"github.com/landlink/landlink/internal/database"
	"github.com/landlink/landlink/internal/directory"
	"github.com/landlink/landlink/internal/health"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/metrics"
	"github.com/landlink/landlink/internal/pool"
	"github.com/landlink/landlink/internal/programs"
	"github.com/landlink/landlink/internal/ratelimit"
	"github.com/landlink/landlink/internal/realtime"
	"github.com/landlink/landlink/internal/security"
	"github.com/landlink/landlink/internal/seed"
	"github.com/landlink/landlink/internal/tokens"
	"github.com/landlink/landlink/internal/traces"
)

// Version is reported by /health and stamped on traces. cmd/server sets it
// from build flags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	audit        *audit.Service
	tokens       *tokens.Service
	pool         *pool.Service
	programs     *programs.Service
	directory    *directory.Directory
	realtimeHub  *realtime.Hub
	scheduler    *programs.ExpiryScheduler
	rateLimiter  *ratelimit.Limiter
	writeLimiter *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithDrainDelay sets how long Shutdown waits, after reporting not ready,
// before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups the backing stores of one storage mode.
type stores struct {
	audit     audit.Store
	tokens    tokens.Store
	pool      pool.Store
	programs  programs.Store
	directory *directory.Directory
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(Version),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Realtime hub for alert and pool dashboards
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSAllowedOrigins)

	s.directory = st.directory
	s.audit = audit.NewService(st.audit).WithPublisher(s.realtimeHub)
	s.tokens = tokens.NewService(st.tokens, s.audit)
	s.pool = pool.NewService(st.pool, s.audit, s.directory).WithPublisher(s.realtimeHub)
	s.programs = programs.NewService(st.programs, s.audit, pool.NewSweeper(s.pool, st.tokens), s.tokens).
		WithMaxViolations(cfg.MaxProgramViolations)
	s.tokens.WithPrograms(s.programs).WithViolations(s.programs).WithKiosks(s.directory)

	s.scheduler, err = programs.NewExpiryScheduler(s.programs, cfg.ProgramExpirySchedule, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("program expiry scheduled", "schedule", cfg.ProgramExpirySchedule)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores connects to Postgres when DATABASE_URL is set and falls back
// to in-memory stores otherwise.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		auditStore := audit.NewMemoryStore()
		tokenStore := tokens.NewMemoryStore(auditStore)
		s.health.Register("storage", health.Static("storage", "memory"))
		return &stores{
			audit:     auditStore,
			tokens:    tokenStore,
			pool:      pool.NewMemoryStore(tokenStore, auditStore),
			programs:  programs.NewMemoryStore(auditStore),
			directory: directory.NewMemory(),
		}, nil
	}

	database.SetOperationTimeout(s.cfg.StorageTimeout)
	db, err := database.Open(ctx, s.cfg.DatabaseURL, database.Options{
		MaxOpenConns:    s.cfg.MaxOpenConns,
		MaxIdleConns:    s.cfg.MaxIdleConns,
		ConnMaxLifetime: s.cfg.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.logger.Info("database migrations applied")
	}

	s.health.Register("database", health.Ping("database", db, 2*time.Second))
	return &stores{
		audit:     audit.NewPostgresStore(db),
		tokens:    tokens.NewPostgresStore(db),
		pool:      pool.NewPostgresStore(db),
		programs:  programs.NewPostgresStore(db),
		directory: directory.NewPostgres(db),
	}, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(security.MaxBodySize(s.cfg.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.PerSecond(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an id set by the gateway or load balancer
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if caller := logging.CallerID(c.Request.Context()); caller != "" {
			attrs = append(attrs, "caller_id", caller)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(access.Middleware(s.cfg.GatewaySecret))

	s.writeLimiter = ratelimit.New(ratelimit.PerHour(s.cfg.WriteLimitPerHour))
	v1.Use(s.writeLimiter.WriteMiddleware())

	tokens.NewHandler(s.tokens).RegisterRoutes(v1)
	pool.NewHandler(s.pool).RegisterRoutes(v1)
	programs.NewHandler(s.programs).RegisterRoutes(v1)
	audit.NewHandler(s.audit).RegisterRoutes(v1)
	s.directory.RegisterRoutes(v1)

	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.scheduler.Start()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// A running expiry pass finishes before storage closes
	s.scheduler.Stop(ctx)

	// Stops the realtime hub and the stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rateLimiter.Stop()
	s.writeLimiter.Stop()

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// SeedServices returns the wired services for the development seeder.
func (s *Server) SeedServices() seed.Services {
	return seed.Services{
		Directory: s.directory,
		Programs:  s.programs,
		Tokens:    s.tokens,
		Pool:      s.pool,
		Audit:     s.audit,
	}
}
