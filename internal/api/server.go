// Package api exposes the orchestrator over HTTP and a websocket event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"portfolio-orchestrator/internal/config"
	"portfolio-orchestrator/internal/orchestrator"
	"portfolio-orchestrator/internal/resilience"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RatePerSecond and Burst bound requests per client IP.
	RatePerSecond float64
	Burst         int
	// ReplayLimit caps the events returned by one replay query.
	ReplayLimit int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		RatePerSecond: 20,
		Burst:         40,
		ReplayLimit:   1000,
	}
}

// ConfigFrom maps the application configuration onto server settings.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg.Server.Addr != "" {
		c.Addr = cfg.Server.Addr
	}
	if cfg.Server.ReadTimeout > 0 {
		c.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		c.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Stream.ReplayCapacity > 0 {
		c.ReplayLimit = cfg.Stream.ReplayCapacity
	}
	return c
}

// Server wires HTTP endpoints around the orchestrator.
type Server struct {
	Router *gin.Engine
	orch   *orchestrator.Orchestrator
	health *resilience.HealthMonitor
	cfg    Config
	log    zerolog.Logger
	limits *ipLimiters
	http   *http.Server
}

// NewServer builds the router. health may be nil.
func NewServer(orch *orchestrator.Orchestrator, health *resilience.HealthMonitor, cfg Config, log zerolog.Logger) *Server {
	r := gin.New()
	s := &Server{
		Router: r,
		orch:   orch,
		health: health,
		cfg:    cfg,
		log:    log.With().Str("component", "api").Logger(),
		limits: newIPLimiters(cfg.RatePerSecond, cfg.Burst),
	}

	// Middleware order matters: request id must exist before the logger runs.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.log))
	r.Use(s.RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.healthz)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/portfolios", s.listPortfolios)
		api.POST("/portfolios", s.createPortfolio)
		api.GET("/portfolios/:id", s.getPortfolio)
		api.GET("/portfolios/:id/summary", s.getSummary)
		api.GET("/portfolios/:id/bots", s.listBots)
		api.POST("/portfolios/:id/bots", s.createBot)
		api.GET("/portfolios/:id/events", s.listEvents)

		api.GET("/bots/:id", s.getBot)
		api.PATCH("/bots/:id", s.updateBot)
		api.DELETE("/bots/:id", s.deleteBot)
		api.PUT("/bots/:id/allocation", s.updateAllocation)
		api.POST("/bots/:id/start", s.botCommand(s.orch.StartBot))
		api.POST("/bots/:id/resume", s.botCommand(s.orch.ResumeBot))
		api.POST("/bots/:id/pause", s.botCommand(s.orch.PauseBot))
		api.POST("/bots/:id/stop", s.botCommand(s.orch.StopBot))
		api.POST("/bots/:id/divest", s.botCommand(s.orch.DivestBot))
		api.GET("/bots/:id/holdings", s.getHoldings)
		api.GET("/bots/:id/performance", s.getBotPerformance)
		api.GET("/bots/:id/series", s.getValueSeries)
		api.GET("/bots/:id/executions", s.listExecutions)
		api.POST("/bots/:id/executions", s.recordExecution)
		api.GET("/bots/:id/algorithms", s.listAlgorithms)
		api.POST("/bots/:id/algorithms", s.createAlgorithm)

		api.GET("/executions/:id", s.getExecution)
		api.POST("/executions/:id/settle", s.settleExecution)

		api.GET("/algorithms/:id", s.getAlgorithm)
		api.DELETE("/algorithms/:id", s.deleteAlgorithm)
		api.PATCH("/algorithms/:id/parameters", s.updateParameters)
		api.POST("/algorithms/:id/toggle", s.toggleAlgorithm)
		api.PUT("/algorithms/:id/enabled", s.setEnabled)
		api.GET("/algorithms/:id/schema", s.getSchema)
		api.GET("/algorithms/:id/performance", s.getAlgorithmPerformance)

		api.GET("/templates", s.listTemplates)
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	h := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if h.Status == resilience.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
