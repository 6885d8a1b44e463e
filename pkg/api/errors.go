package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nekro-agent/relay/pkg/scheduler"
	"github.com/nekro-agent/relay/pkg/sse"
	"github.com/nekro-agent/relay/pkg/timer"
)

// mapBridgeError maps bridge-layer errors to HTTP error responses.
func mapBridgeError(err error) *echo.HTTPError {
	var validErr *sse.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, sse.ErrUnknownCommand) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, sse.ErrClientNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "client not found")
	}
	if errors.Is(err, sse.ErrNoSubscribers) {
		return echo.NewHTTPError(http.StatusNotFound, "no clients subscribed to channel")
	}
	if errors.Is(err, sse.ErrRequestTimeout) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "client did not respond in time")
	}

	slog.Error("Unexpected bridge error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapSchedulerError maps recurring-job errors to HTTP error responses.
func mapSchedulerError(err error) *echo.HTTPError {
	var validErr *scheduler.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	slog.Error("Unexpected scheduler error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapTimerError maps one-shot timer errors to HTTP error responses.
func mapTimerError(err error) *echo.HTTPError {
	if errors.Is(err, timer.ErrPastTrigger) {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger_time is in the past")
	}

	slog.Error("Unexpected timer error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
