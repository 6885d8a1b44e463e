// Package api exposes the HTTP surface: the SSE adapter mount, the
// recurring-job admin endpoints, health, and metrics.
package api

import (
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nekro-agent/relay/pkg/config"
	"github.com/nekro-agent/relay/pkg/database"
	"github.com/nekro-agent/relay/pkg/metrics"
	"github.com/nekro-agent/relay/pkg/scheduler"
	"github.com/nekro-agent/relay/pkg/sse"
	"github.com/nekro-agent/relay/pkg/timer"
)

// Server bundles the handlers and their collaborators.
type Server struct {
	registry   *sse.Registry
	router     *sse.Router
	streamer   *sse.Streamer
	dispatcher *sse.Dispatcher
	engine     *scheduler.Engine
	timers     *timer.Service
	dbClient   *database.Client
	dynamic    *config.Dynamic
	metrics    *metrics.Metrics
}

// NewServer creates the API server. dbClient may be nil when the process
// runs against the in-memory job store.
func NewServer(
	registry *sse.Registry,
	router *sse.Router,
	streamer *sse.Streamer,
	dispatcher *sse.Dispatcher,
	engine *scheduler.Engine,
	timers *timer.Service,
	dbClient *database.Client,
	dynamic *config.Dynamic,
	m *metrics.Metrics,
) *Server {
	return &Server{
		registry:   registry,
		router:     router,
		streamer:   streamer,
		dispatcher: dispatcher,
		engine:     engine,
		timers:     timers,
		dbClient:   dbClient,
		dynamic:    dynamic,
		metrics:    m,
	}
}

// Handler builds the echo application with all routes mounted.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
			s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	gated := accessKey(s.dynamic)

	adapter := e.Group("/api/v1/sse", gated)
	adapter.GET("/connect", s.streamHandler)
	adapter.POST("/connect", s.commandHandler)

	dispatch := e.Group("/api/v1/dispatch", gated)
	dispatch.POST("/message", s.dispatchMessageHandler)
	dispatch.POST("/reaction", s.dispatchReactionHandler)
	dispatch.GET("/users/:id", s.dispatchUserInfoHandler)
	dispatch.GET("/channels/:id", s.dispatchChannelInfoHandler)
	dispatch.GET("/self", s.dispatchSelfInfoHandler)

	jobs := e.Group("/api/v1/jobs", gated)
	jobs.GET("", s.listJobsHandler)
	jobs.GET("/summary", s.jobSummaryHandler)
	jobs.POST("", s.upsertJobHandler)
	jobs.GET("/:id", s.getJobHandler)
	jobs.DELETE("/:id", s.deleteJobHandler)
	jobs.POST("/:id/pause", s.pauseJobHandler)
	jobs.POST("/:id/resume", s.resumeJobHandler)
	jobs.POST("/:id/run", s.runJobHandler)

	timers := e.Group("/api/v1/timers", gated)
	timers.POST("", s.setTimerHandler)

	return e
}
