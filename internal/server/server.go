// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudguard/internal/alerts"
	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/health"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/ratelimit"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/traces"
)

// maxBodyBytes caps request bodies; scoring payloads are small.
const maxBodyBytes = 1 << 20 // 1MB

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg     *config.Config
	service *risk.Service
	hub     *realtime.Hub
	limiter *ratelimit.Limiter
	healthz *health.Registry
	db      *sql.DB       // nil if using in-memory store
	rdb     *redis.Client // nil if using in-memory window
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, "json"),
		healthz: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Historical store: Postgres if DATABASE_URL set, otherwise in-memory.
	var store risk.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db

		pg := risk.NewPostgresStore(db)
		store = pg
		s.healthz.Register("postgres", health.Pinger("postgres", pg.Ping))
		s.logger.Info("using PostgreSQL storage")
	} else {
		store = risk.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data lost on restart)")
	}

	// Recent-activity window: Redis if REDIS_URL set, otherwise in-memory.
	var window risk.RecentActivity
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(redisOpts)
		if err := s.rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		rw := risk.NewRedisWindow(s.rdb)
		window = rw
		s.healthz.Register("redis", health.Pinger("redis", rw.Ping))
		s.logger.Info("using Redis recent-activity window")
	} else {
		window = risk.NewMemoryWindow()
		s.logger.Info("REDIS_URL not set, using in-memory recent-activity window")
	}

	blacklist := risk.NewStaticBlacklist(cfg.MerchantBlacklist)
	s.logger.Info("merchant blacklist loaded", "merchants", blacklist.Size())

	s.hub = realtime.NewHub(s.logger)

	serviceOpts := []risk.Option{
		risk.WithLogger(s.logger),
		risk.WithFlagThreshold(cfg.FlagThreshold),
		risk.WithBroadcaster(s.hub),
	}
	if cfg.AlertWebhookURL != "" {
		serviceOpts = append(serviceOpts, risk.WithNotifier(alerts.NewNotifier(cfg.AlertWebhookURL, s.logger)))
		s.logger.Info("alert webhook enabled")
	}
	s.service = risk.NewService(store, window, blacklist, serviceOpts...)

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitRPM / 6,
		CleanupInterval:   time.Minute,
	})

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestContext())
	router.Use(metrics.Middleware())
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/v1")
	v1.Use(s.limiter.Middleware())
	risk.NewHandler(s.service).RegisterRoutes(v1)
	v1.GET("/stream", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router = router
}

// requestContext attaches a request ID and the server logger to each
// request's context.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = idgen.WithPrefix("req_")
		}
		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.healthz.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"subsystems": statuses,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	go s.hub.Run(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.ready.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	s.ready.Store(false)
	cancel() // stop hub and collectors

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("graceful shutdown failed", "error", err)
	}
	if err := shutdownTraces(shutdownCtx); err != nil {
		s.logger.Warn("trace shutdown failed", "error", err)
	}

	s.limiter.Stop()
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}

	s.logger.Info("server stopped")
	return nil
}
