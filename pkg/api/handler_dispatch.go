package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nekro-agent/relay/pkg/sse"
)

// DispatchMessageRequest is the body of POST /api/v1/dispatch/message.
// Segments arrive in wire form so the agent core speaks the same segment
// dialect as the adapters.
type DispatchMessageRequest struct {
	ChannelID string           `json:"channel_id"`
	Message   *sse.WireMessage `json:"message"`
}

func (s *Server) dispatchMessageHandler(c *echo.Context) error {
	var req DispatchMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id is required")
	}
	if req.Message == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	msg, err := sse.FromWireMessage(req.Message)
	if err != nil {
		return mapBridgeError(err)
	}
	ok, err := s.dispatcher.SendMessage(c.Request().Context(), req.ChannelID, msg)
	if err != nil {
		return mapBridgeError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": ok})
}

func (s *Server) dispatchUserInfoHandler(c *echo.Context) error {
	channelID := c.QueryParam("channel_id")
	if channelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id is required")
	}
	info, err := s.dispatcher.GetUserInfo(c.Request().Context(), channelID, c.Param("id"))
	if err != nil {
		return mapBridgeError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) dispatchChannelInfoHandler(c *echo.Context) error {
	info, err := s.dispatcher.GetChannelInfo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapBridgeError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) dispatchSelfInfoHandler(c *echo.Context) error {
	platform := c.QueryParam("platform")
	if platform == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "platform is required")
	}
	info, err := s.dispatcher.GetSelfInfo(c.Request().Context(), platform)
	if err != nil {
		return mapBridgeError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// DispatchReactionRequest is the body of POST /api/v1/dispatch/reaction.
type DispatchReactionRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Set       bool   `json:"set"`
}

func (s *Server) dispatchReactionHandler(c *echo.Context) error {
	var req DispatchReactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChannelID == "" || req.MessageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id and message_id are required")
	}
	ok, err := s.dispatcher.SetMessageReaction(c.Request().Context(),
		req.ChannelID, req.MessageID, req.Emoji, req.Set)
	if err != nil {
		return mapBridgeError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": ok})
}
