package sse

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/nekro-agent/relay/pkg/metrics"
	"github.com/nekro-agent/relay/pkg/models"
	"github.com/nekro-agent/relay/pkg/services"
)

// AdapterName prefixes channel ids to form the internal chat key.
const AdapterName = "sse"

// Router validates and dispatches inbound commands from clients.
type Router struct {
	registry   *Registry
	correlator *Correlator
	collector  services.MessageCollector
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewRouter creates a command router.
func NewRouter(registry *Registry, correlator *Correlator, collector services.MessageCollector, m *metrics.Metrics) *Router {
	return &Router{
		registry:   registry,
		correlator: correlator,
		collector:  collector,
		metrics:    m,
		now:        time.Now,
	}
}

// Handle processes one command. clientID comes from the X-Client-ID
// header; only register may omit it. The returned value is the JSON
// reply body.
func (r *Router) Handle(ctx context.Context, clientID string, cmd Command) (any, error) {
	reply, err := r.dispatch(ctx, clientID, cmd)
	if r.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.metrics.CommandsHandled.WithLabelValues(cmd.Cmd, outcome).Inc()
	}
	return reply, err
}

func (r *Router) dispatch(ctx context.Context, clientID string, cmd Command) (any, error) {
	if cmd.Cmd == CmdRegister {
		return r.handleRegister(cmd)
	}

	if clientID == "" {
		return nil, NewValidationError("X-Client-ID", "header required for "+cmd.Cmd)
	}
	client, ok := r.registry.Get(clientID)
	if !ok {
		return nil, ErrClientNotFound
	}
	// Any command from a known client counts as a liveness signal.
	client.Touch(r.now())

	switch cmd.Cmd {
	case CmdSubscribe:
		return r.handleSubscribe(client, cmd)
	case CmdUnsubscribe:
		return r.handleUnsubscribe(client, cmd)
	case CmdMessage:
		return r.handleMessage(ctx, client, cmd)
	case CmdResponse:
		return r.handleResponse(client, cmd)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Cmd)
	}
}

func (r *Router) handleRegister(cmd Command) (any, error) {
	if cmd.Platform == "" {
		return nil, NewValidationError("platform", "required")
	}
	name := cmd.ClientName
	if name == "" {
		name = GenerateClientName()
	}
	client := r.registry.Register(name, cmd.Platform, cmd.ClientVersion)
	return map[string]any{
		"client_id": client.ID,
		"message":   fmt.Sprintf("registered as %s", name),
	}, nil
}

func (r *Router) handleSubscribe(client *Client, cmd Command) (any, error) {
	if len(cmd.ChannelIDs) == 0 {
		return nil, NewValidationError("channel_ids", "must not be empty")
	}
	if err := r.registry.Subscribe(client.ID, cmd.ChannelIDs); err != nil {
		return nil, err
	}
	slog.Info("Client subscribed",
		"client_id", client.ID, "channels", cmd.ChannelIDs)
	return map[string]any{
		"message": fmt.Sprintf("subscribed to %d channels", len(cmd.ChannelIDs)),
	}, nil
}

func (r *Router) handleUnsubscribe(client *Client, cmd Command) (any, error) {
	if len(cmd.ChannelIDs) == 0 {
		return nil, NewValidationError("channel_ids", "must not be empty")
	}
	if err := r.registry.Unsubscribe(client.ID, cmd.ChannelIDs); err != nil {
		return nil, err
	}
	slog.Info("Client unsubscribed",
		"client_id", client.ID, "channels", cmd.ChannelIDs)
	return map[string]any{
		"message": fmt.Sprintf("unsubscribed from %d channels", len(cmd.ChannelIDs)),
	}, nil
}

func (r *Router) handleMessage(ctx context.Context, client *Client, cmd Command) (any, error) {
	if cmd.ChannelID == "" {
		return nil, NewValidationError("channel_id", "required")
	}
	if cmd.Message == nil {
		return nil, NewValidationError("message", "required")
	}
	msg, err := FromWireMessage(cmd.Message)
	if err != nil {
		return nil, err
	}
	sender := models.UserInfo{UserID: msg.SenderID, Nickname: msg.SenderName}
	if err := r.collector.CollectMessage(ctx, AdapterName, cmd.ChannelID, sender, msg); err != nil {
		return nil, fmt.Errorf("failed to collect inbound message: %w", err)
	}
	return map[string]any{"message": "collected"}, nil
}

func (r *Router) handleResponse(client *Client, cmd Command) (any, error) {
	if cmd.RequestID == "" {
		return nil, NewValidationError("request_id", "required")
	}
	resolved := r.correlator.Resolve(client, Response{
		RequestID: cmd.RequestID,
		Success:   cmd.Success,
		Data:      cmd.Data,
	})
	return map[string]any{"success": resolved}, nil
}

// GenerateClientName builds an auto-assigned client name.
func GenerateClientName() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "sse-client-" + hex.EncodeToString(b)
}
