package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nekro-agent/relay/pkg/database"
	"github.com/nekro-agent/relay/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health.
type HealthCheck struct {
	Status  string               `json:"status"`
	Message string               `json:"message,omitempty"`
	Pool    *database.PoolHealth `json:"pool,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Clients int                    `json:"clients"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /healthz. Only the relay's own components
// are checked; the agent core is external and must not flap this probe.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		pool, err := database.Health(reqCtx, s.dbClient.DB())
		if err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error(), Pool: &pool}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy, Pool: &pool}
		}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy, Message: "in-memory store"}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Clients: s.registry.Count(),
		Checks:  checks,
	})
}
