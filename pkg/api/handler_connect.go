package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nekro-agent/relay/pkg/sse"
)

// streamHandler handles GET /api/v1/sse/connect.
//
// Reconnect semantics: a client_id matching a live client reuses it,
// keeping subscriptions and bumping the heartbeat. Anything else
// registers a fresh client. A missing client_name gets an auto-assigned
// one.
func (s *Server) streamHandler(c *echo.Context) error {
	clientID := c.QueryParam("client_id")
	name := c.QueryParam("client_name")
	platform := c.QueryParam("platform")
	if name == "" {
		name = sse.GenerateClientName()
	}

	var client *sse.Client
	if clientID != "" {
		if existing, ok := s.registry.Get(clientID); ok {
			// The stream itself only bumps the heartbeat on emission,
			// so touch now or a client reconnecting near the TTL can be
			// swept mid-stream.
			existing.Touch(time.Now())
			client = existing
		}
	}
	if client == nil {
		client = s.registry.Register(name, platform, c.QueryParam("client_version"))
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	return s.streamer.Serve(c.Request().Context(), c.Response(), client)
}

// commandHandler handles POST /api/v1/sse/connect.
func (s *Server) commandHandler(c *echo.Context) error {
	var cmd sse.Command
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if cmd.Cmd == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cmd is required")
	}

	clientID := c.Request().Header.Get("X-Client-ID")
	reply, err := s.router.Handle(c.Request().Context(), clientID, cmd)
	if err != nil {
		return mapBridgeError(err)
	}
	return c.JSON(http.StatusOK, reply)
}
