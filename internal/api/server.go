package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpuburst/gpuburst/internal/logging"
	"github.com/gpuburst/gpuburst/internal/metrics"
	"github.com/gpuburst/gpuburst/internal/pricing"
	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/internal/service/billing"
	"github.com/gpuburst/gpuburst/internal/service/orchestrator"
	"github.com/gpuburst/gpuburst/internal/service/reaper"
	"github.com/gpuburst/gpuburst/internal/storage"
)

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// Services
	orchestrator *orchestrator.Service
	meter        *billing.Meter
	reaper       *reaper.Reaper
	providers    *provider.Registry
	catalog      *pricing.Catalog
	credits      *storage.CreditStore
	events       *storage.BillingEventStore

	// Configuration
	host string
	port int

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithMeter sets the billing meter for health reporting
func WithMeter(meter *billing.Meter) Option {
	return func(s *Server) {
		s.meter = meter
	}
}

// WithReaper sets the zombie reaper for health reporting
func WithReaper(r *reaper.Reaper) Option {
	return func(s *Server) {
		s.reaper = r
	}
}

// New creates a new API server
func New(
	orch *orchestrator.Service,
	providers *provider.Registry,
	catalog *pricing.Catalog,
	credits *storage.CreditStore,
	events *storage.BillingEventStore,
	opts ...Option,
) *Server {
	s := &Server{
		logger:       slog.Default(),
		orchestrator: orch,
		providers:    providers,
		catalog:      catalog,
		credits:      credits,
		events:       events,
		host:         "0.0.0.0",
		port:         8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add middleware
	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	// Health and readiness endpoints
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Sessions
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/count", s.handleSessionCount)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/events", s.handleSessionEvents)
		v1.POST("/sessions/:id/start", s.handleStartSession)
		v1.POST("/sessions/:id/pause", s.handlePauseSession)
		v1.POST("/sessions/:id/stop", s.handleStopSession)

		// Providers
		v1.GET("/providers/health", s.handleProviderHealth)
		v1.GET("/providers/availability", s.handleProviderAvailability)

		// Tiers
		v1.GET("/tiers", s.handleListTiers)

		// Credits
		v1.GET("/credits/:user_id", s.handleGetCredits)
		v1.POST("/credits/:user_id", s.handleAddCredits)

		// Admin
		v1.POST("/admin/cleanup-zombies", s.handleCleanupZombies)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		// Propagate into the request context so audit records and
		// context-aware logs downstream carry the request ID
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern for consistent path labels
		// This prevents high cardinality from path parameters like /sessions/:id
		path := c.FullPath()
		if path == "" {
			// Fallback for unmatched routes (404s)
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		metrics.RecordHTTPRequest(method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", stack),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
