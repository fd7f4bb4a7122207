// Package api exposes the operator HTTP surface: risk status, wallet
// lookups, the manual breaker override, trade ingestion, the event
// websocket and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/auth"
	"wallet-copy-trader/internal/paper"
	"wallet-copy-trader/internal/pipeline"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowedOrigins []string
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     zerolog.Logger
	startedAt  time.Time

	pipeline  *pipeline.Pipeline
	hub       *WSHub
	jwt       *auth.JWTManager
	gatherer  prometheus.Gatherer
	snapshots SnapshotSink
	operators *auth.Operators
	limiter   *RateLimiter
}

// SnapshotSink accepts wallet snapshots pushed by an upstream poller.
type SnapshotSink interface {
	Put(s paper.Snapshot) error
}

// Deps are the collaborators behind the routes. Only Pipeline is required;
// a nil JWT closes the operator routes.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Hub       *WSHub
	JWT       *auth.JWTManager
	Gatherer  prometheus.Gatherer
	Snapshots SnapshotSink
	Operators *auth.Operators
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		config:    config,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
		pipeline:  deps.Pipeline,
		hub:       deps.Hub,
		jwt:       deps.JWT,
		gatherer:  deps.Gatherer,
		snapshots: deps.Snapshots,
		operators: deps.Operators,
		limiter:   NewRateLimiter(10, time.Minute),
	}
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.hub != nil {
		s.router.GET("/ws/events", s.hub.ServeWS)
	}

	api := s.router.Group("/api")
	if s.jwt != nil && s.operators != nil && s.operators.Len() > 0 {
		api.POST("/auth/token", s.limiter.Middleware(), s.handleIssueToken)
	}
	{
		api.GET("/status", s.handleStatus)
		api.GET("/breaker", s.handleGetBreaker)
		api.GET("/wallets/:address", s.handleGetWallet)
		api.GET("/positions", s.handleGetPositions)
	}

	operator := api.Group("")
	operator.Use(auth.Middleware(s.jwt))
	{
		operator.POST("/breaker/close", s.handleCloseBreaker)
		operator.POST("/observations", s.handleObservation)
		operator.POST("/positions/:id/outcome", s.handleOutcome)
		if s.snapshots != nil {
			operator.POST("/snapshots", s.handlePutSnapshot)
		}
	}
}

// Handler exposes the router (tests and embedding).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = s.logger.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
