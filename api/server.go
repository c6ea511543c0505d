package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/config"
	"example.com/backstage/cqrs/engine"
)

// Server is the HTTP server for the API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	engine     *engine.Engine
	newRelic   *newrelic.Application
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithNewRelic records every request as a New Relic web transaction. A nil
// application is ignored.
func WithNewRelic(app *newrelic.Application) ServerOption {
	return func(s *Server) {
		s.newRelic = app
	}
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, e *engine.Engine, opts ...ServerOption) *Server {
	server := &Server{
		cfg:    cfg,
		router: gin.New(),
		engine: e,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:    cfg.Address,
		Handler: server.router,
	}

	return server
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	if s.newRelic != nil {
		s.router.Use(nrgin.Middleware(s.newRelic))
	}
	if s.cfg.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	}
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	v1 := s.router.Group("/api/v1")

	v1.POST("/commands", s.dispatchCommand)
	v1.POST("/queries", s.runQuery)

	aggregateRoutes := v1.Group("/aggregates")
	{
		aggregateRoutes.GET("/:type/:id", s.getAggregate)
		aggregateRoutes.GET("/:type/:id/events", s.getAggregateEvents)
	}

	dlqRoutes := v1.Group("/dlq")
	{
		dlqRoutes.GET("", s.listDeadLetters)
		dlqRoutes.POST("/retry", s.retryDeadLetters)
		dlqRoutes.POST("/:id/resolve", s.resolveDeadLetter)
	}

	sagaRoutes := v1.Group("/sagas")
	{
		sagaRoutes.GET("", s.listSagas)
		sagaRoutes.GET("/active", s.listActiveSagas)
		sagaRoutes.GET("/instances/:id", s.getSagaInstance)
		sagaRoutes.POST("/:sagaId/start", s.startSaga)
	}

	projectionRoutes := v1.Group("/projections")
	{
		projectionRoutes.GET("", s.listProjections)
		projectionRoutes.GET("/:name", s.getProjection)
		projectionRoutes.POST("/:name/rebuild", s.rebuildProjection)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Msgf("HTTP server starting on %s", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.cfg.Timeout)
}
