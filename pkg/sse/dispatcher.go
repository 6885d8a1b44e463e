package sse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nekro-agent/relay/pkg/config"
	"github.com/nekro-agent/relay/pkg/metrics"
	"github.com/nekro-agent/relay/pkg/models"
)

// Dispatcher drives outbound delivery: it selects the subscribed clients
// for a channel, routes oversize attachments through the chunk emitter,
// and sends the remaining message with ack or fire-and-forget per the
// live configuration.
type Dispatcher struct {
	registry   *Registry
	correlator *Correlator
	emitter    *Emitter
	dynamic    *config.Dynamic
	metrics    *metrics.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, correlator *Correlator, emitter *Emitter, dynamic *config.Dynamic, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		correlator: correlator,
		emitter:    emitter,
		dynamic:    dynamic,
		metrics:    m,
	}
}

// SendMessage delivers the message to the channel's subscribed clients.
// Returns true when the message is considered delivered.
func (d *Dispatcher) SendMessage(ctx context.Context, channelID string, msg models.ChatMessage) (bool, error) {
	clients := d.registry.ByChannel(channelID)
	if len(clients) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoSubscribers, channelID)
	}

	remaining, chunked, chunkOK := d.transferLargeAttachments(ctx, clients, msg.Segments)

	// A message whose only payloads were oversize attachments is
	// delivered by the chunk stream itself.
	if len(remaining) == 0 && chunked {
		return chunkOK, nil
	}

	payload := SendMessagePayload{
		ChannelID: channelID,
		Segments:  ToWireSegments(remaining),
	}

	if chunked {
		// The chunk stream is the delivery; the logical message rides
		// along without waiting for an ack.
		enqueued := d.sendFireAndForget(clients, payload)
		return chunkOK || enqueued, nil
	}
	if d.dynamic != nil && d.dynamic.IgnoreResponse() {
		return d.sendFireAndForget(clients, payload), nil
	}
	return d.sendWithAck(ctx, clients, payload), nil
}

// transferLargeAttachments chunks every oversize image/file segment to
// all selected clients and returns the remaining segments. chunkOK is
// true once every chunked attachment reached at least one client.
func (d *Dispatcher) transferLargeAttachments(ctx context.Context, clients []*Client, segs []models.Segment) (remaining []models.Segment, chunked, chunkOK bool) {
	chunkOK = true
	for _, seg := range segs {
		isAttachment := seg.Type == models.SegmentTypeImage || seg.Type == models.SegmentTypeFile
		if !isAttachment || len(seg.Data) <= ChunkThreshold {
			remaining = append(remaining, seg)
			continue
		}

		chunked = true
		file := ChunkFile{
			Base64:      base64.StdEncoding.EncodeToString(seg.Data),
			DecodedSize: int64(len(seg.Data)),
			MimeType:    seg.MimeType,
			Filename:    seg.FileName,
			FileType:    string(seg.Type),
		}
		delivered := 0
		for _, c := range clients {
			if err := d.emitter.Emit(ctx, c, file); err != nil {
				slog.Warn("Chunk transfer to client failed",
					"client_id", c.ID, "filename", seg.FileName, "error", err)
				continue
			}
			delivered++
		}
		if delivered == 0 {
			chunkOK = false
		}
	}
	return remaining, chunked, chunkOK
}

// sendWithAck tries each client sequentially and returns true on the
// first ack with success=true.
func (d *Dispatcher) sendWithAck(ctx context.Context, clients []*Client, payload SendMessagePayload) bool {
	for _, c := range clients {
		resp, err := d.correlator.Send(ctx, c, EventSendMessage, payload, d.responseTimeout())
		if err != nil {
			slog.Warn("Send attempt failed, trying next client",
				"client_id", c.ID, "error", err)
			continue
		}
		if resp.Success {
			return true
		}
		slog.Warn("Client rejected message", "client_id", c.ID, "data", string(resp.Data))
	}
	return false
}

// sendFireAndForget enqueues to every client; true once one enqueue
// succeeded.
func (d *Dispatcher) sendFireAndForget(clients []*Client, payload SendMessagePayload) bool {
	sent := false
	for _, c := range clients {
		ev := Event{Type: EventSendMessage, Data: Request{Data: payload}}
		if err := c.Enqueue(ev); err == nil {
			sent = true
		}
	}
	return sent
}

// GetUserInfo asks a subscribed client for a user's profile.
func (d *Dispatcher) GetUserInfo(ctx context.Context, channelID, userID string) (*models.UserInfo, error) {
	payload := map[string]string{"channel_id": channelID, "user_id": userID}
	var info models.UserInfo
	if err := d.query(ctx, channelID, EventGetUserInfo, payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetChannelInfo asks a subscribed client to describe the channel.
func (d *Dispatcher) GetChannelInfo(ctx context.Context, channelID string) (*models.ChannelInfo, error) {
	payload := map[string]string{"channel_id": channelID}
	var info models.ChannelInfo
	if err := d.query(ctx, channelID, EventGetChannelInfo, payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSelfInfo asks a platform's clients for the bot's own identity.
func (d *Dispatcher) GetSelfInfo(ctx context.Context, platform string) (*models.UserInfo, error) {
	clients := d.registry.ByPlatform(platform)
	if len(clients) == 0 {
		return nil, fmt.Errorf("%w: platform %s", ErrNoSubscribers, platform)
	}
	var info models.UserInfo
	if err := d.queryClients(ctx, clients, EventGetSelfInfo, map[string]string{"platform": platform}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetMessageReaction asks a subscribed client to toggle a reaction.
func (d *Dispatcher) SetMessageReaction(ctx context.Context, channelID, messageID, emoji string, set bool) (bool, error) {
	clients := d.registry.ByChannel(channelID)
	if len(clients) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoSubscribers, channelID)
	}
	payload := map[string]any{
		"channel_id": channelID,
		"message_id": messageID,
		"emoji":      emoji,
		"set":        set,
	}
	for _, c := range clients {
		resp, err := d.correlator.Send(ctx, c, EventSetMessageReaction, payload, d.responseTimeout())
		if err != nil {
			continue
		}
		return resp.Success, nil
	}
	return false, ErrRequestTimeout
}

// query sends a correlated request to the channel's clients and decodes
// the first successful response into out.
func (d *Dispatcher) query(ctx context.Context, channelID, eventType string, payload any, out any) error {
	clients := d.registry.ByChannel(channelID)
	if len(clients) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, channelID)
	}
	return d.queryClients(ctx, clients, eventType, payload, out)
}

func (d *Dispatcher) queryClients(ctx context.Context, clients []*Client, eventType string, payload any, out any) error {
	var lastErr error = ErrRequestTimeout
	for _, c := range clients {
		resp, err := d.correlator.Send(ctx, c, eventType, payload, d.responseTimeout())
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.Success {
			lastErr = fmt.Errorf("client %s rejected %s request", c.ID, eventType)
			continue
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", eventType, err)
		}
		return nil
	}
	return lastErr
}

func (d *Dispatcher) responseTimeout() time.Duration {
	if d.dynamic != nil {
		return d.dynamic.ResponseTimeout()
	}
	return 30 * time.Second
}
