// Package sseclient is the Go SDK for the relay bridge: it maintains the
// event stream, answers correlated requests, reassembles chunked files,
// and retries failed response deliveries so server-side timeouts stay an
// exceptional path.
package sseclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nekro-agent/relay/pkg/sse"
)

// RequestHandler answers one correlated request from the server. The
// returned success flag and payload form the response body.
type RequestHandler func(ctx context.Context, eventType string, data json.RawMessage) (bool, any)

// Options configures the client.
type Options struct {
	// BaseURL is the adapter mount, e.g. http://host:8021/api/v1/sse.
	BaseURL   string
	AccessKey string

	Platform      string
	ClientName    string
	ClientVersion string

	// OnRequest handles server-issued requests (send_message,
	// get_user_info, ...). Nil means every request is answered with
	// success=false.
	OnRequest RequestHandler
	// OnFileReady receives each reassembled chunked file.
	OnFileReady sse.FileReadyFunc

	// ResponseRetryInterval is the wait between response redelivery
	// attempts.
	ResponseRetryInterval time.Duration
	// MaxResponseRetries bounds redelivery attempts per response.
	MaxResponseRetries int
	// RetryQueueSize bounds the redelivery backlog.
	RetryQueueSize int

	HTTPClient *http.Client
}

// Client is one bridge connection.
type Client struct {
	opts      Options
	http      *http.Client
	assembler *sse.Assembler
	retry     *retryQueue

	clientID string
}

// New creates a client. Call Register then Listen.
func New(opts Options) *Client {
	if opts.ResponseRetryInterval <= 0 {
		opts.ResponseRetryInterval = 2 * time.Second
	}
	if opts.MaxResponseRetries <= 0 {
		opts.MaxResponseRetries = 5
	}
	if opts.RetryQueueSize <= 0 {
		opts.RetryQueueSize = 256
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ClientName == "" {
		opts.ClientName = sse.GenerateClientName()
	}

	c := &Client{
		opts:      opts,
		http:      opts.HTTPClient,
		assembler: sse.NewAssembler(opts.OnFileReady),
	}
	c.retry = newRetryQueue(c, opts.ResponseRetryInterval, opts.MaxResponseRetries, opts.RetryQueueSize)
	return c
}

// ClientID returns the id assigned at registration.
func (c *Client) ClientID() string { return c.clientID }

// Register obtains a client id from the server.
func (c *Client) Register(ctx context.Context) error {
	var reply struct {
		ClientID string `json:"client_id"`
		Message  string `json:"message"`
	}
	err := c.post(ctx, sse.Command{
		Cmd:           sse.CmdRegister,
		Platform:      c.opts.Platform,
		ClientName:    c.opts.ClientName,
		ClientVersion: c.opts.ClientVersion,
	}, &reply)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	c.clientID = reply.ClientID
	slog.Info("Registered with relay", "client_id", c.clientID, "name", c.opts.ClientName)
	return nil
}

// Subscribe joins the given channels.
func (c *Client) Subscribe(ctx context.Context, channelIDs ...string) error {
	return c.post(ctx, sse.Command{Cmd: sse.CmdSubscribe, ChannelIDs: channelIDs}, nil)
}

// Unsubscribe leaves the given channels.
func (c *Client) Unsubscribe(ctx context.Context, channelIDs ...string) error {
	return c.post(ctx, sse.Command{Cmd: sse.CmdUnsubscribe, ChannelIDs: channelIDs}, nil)
}

// SendMessage pushes an inbound platform message to the server.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg *sse.WireMessage) error {
	return c.post(ctx, sse.Command{Cmd: sse.CmdMessage, ChannelID: channelID, Message: msg}, nil)
}

// Listen consumes the event stream until ctx is cancelled or the
// connection drops. Callers reconnect by calling Listen again.
func (c *Client) Listen(ctx context.Context) error {
	if c.clientID == "" {
		return fmt.Errorf("client is not registered")
	}
	c.retry.start()

	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("client_name", c.opts.ClientName)
	q.Set("platform", c.opts.Platform)
	if c.opts.AccessKey != "" {
		q.Set("access_key", c.opts.AccessKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.opts.BaseURL+"/connect?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream rejected: %s", resp.Status)
	}

	return c.readStream(ctx, resp.Body)
}

// Stats returns the response delivery counters.
func (c *Client) Stats() Stats { return c.retry.stats() }

// Close stops the retry worker and the chunk sweeper.
func (c *Client) Close() {
	c.retry.stop()
	c.assembler.Stop()
}

// readStream parses "event:"/"data:" frames.
func (c *Client) readStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" {
				c.handleEvent(ctx, eventType, json.RawMessage(data.String()))
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream closed: %w", err)
	}
	return ctx.Err()
}

func (c *Client) handleEvent(ctx context.Context, eventType string, data json.RawMessage) {
	switch eventType {
	case sse.EventConnected:
		var body struct {
			ClientID string `json:"client_id"`
		}
		if err := json.Unmarshal(data, &body); err == nil && body.ClientID != "" {
			c.clientID = body.ClientID
		}
		slog.Info("Event stream connected", "client_id", c.clientID)
	case sse.EventHeartbeat:
		// Liveness only.
	case sse.EventFileChunk:
		var chunk sse.FileChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			slog.Warn("Malformed file_chunk event", "error", err)
			return
		}
		if err := c.assembler.HandleChunk(chunk); err != nil {
			slog.Warn("Failed to assemble chunk", "chunk_id", chunk.ChunkID, "error", err)
		}
	case sse.EventFileChunkComplete:
		var marker sse.FileChunkComplete
		if err := json.Unmarshal(data, &marker); err != nil {
			slog.Warn("Malformed file_chunk_complete event", "error", err)
			return
		}
		c.assembler.HandleComplete(marker)
	default:
		c.handleRequest(ctx, eventType, data)
	}
}

// handleRequest answers a correlated request and queues the response for
// redelivery if the POST fails.
func (c *Client) handleRequest(ctx context.Context, eventType string, data json.RawMessage) {
	var req struct {
		RequestID string          `json:"request_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("Malformed request event", "event_type", eventType, "error", err)
		return
	}
	if req.RequestID == "" {
		// Fire-and-forget delivery, no response expected.
		if c.opts.OnRequest != nil {
			c.opts.OnRequest(ctx, eventType, req.Data)
		}
		return
	}

	success := false
	var payload any
	if c.opts.OnRequest != nil {
		success, payload = c.opts.OnRequest(ctx, eventType, req.Data)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode response payload", "request_id", req.RequestID, "error", err)
		body = nil
	}

	cmd := sse.Command{
		Cmd:       sse.CmdResponse,
		RequestID: req.RequestID,
		Success:   success,
		Data:      body,
	}
	if err := c.post(ctx, cmd, nil); err != nil {
		slog.Warn("Response delivery failed, queueing for retry",
			"request_id", req.RequestID, "error", err)
		c.retry.push(cmd)
		return
	}
	c.retry.countSent()
}

// post delivers one command to the command endpoint and decodes the
// reply into out when non-nil.
func (c *Client) post(ctx context.Context, cmd sse.Command, out any) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", cmd.Cmd, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/connect", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	if c.opts.AccessKey != "" {
		req.Header.Set("X-Access-Key", c.opts.AccessKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s command: %w", cmd.Cmd, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s command rejected: %s: %s", cmd.Cmd, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", cmd.Cmd, err)
	}
	return nil
}
