package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nekro-agent/relay/pkg/metrics"
)

// StreamOptions configures the per-client stream loop.
type StreamOptions struct {
	// HeartbeatInterval is the maximum gap between heartbeat events.
	HeartbeatInterval time.Duration
	// QueueWait bounds each wait for the next queued event, so the loop
	// re-checks heartbeat deadlines and disconnects at this cadence.
	QueueWait time.Duration
}

// Streamer runs SSE stream loops over registered clients.
type Streamer struct {
	metrics *metrics.Metrics
	opts    StreamOptions
	now     func() time.Time
}

// NewStreamer creates a streamer.
func NewStreamer(m *metrics.Metrics, opts StreamOptions) *Streamer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = time.Second
	}
	return &Streamer{metrics: m, opts: opts, now: time.Now}
}

// Serve writes the client's event stream to w until the peer disconnects
// or the client is removed from the registry. The caller sets the
// text/event-stream headers before calling.
func (s *Streamer) Serve(ctx context.Context, w http.ResponseWriter, c *Client) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	if err := s.writeEvent(w, flusher, Event{
		Type: EventConnected,
		Data: map[string]any{"client_id": c.ID, "timestamp": s.now().Unix()},
	}); err != nil {
		return err
	}

	lastBeat := s.now()
	for {
		select {
		case <-ctx.Done():
			// Peer disconnect.
			return nil
		default:
		}
		if !c.Alive() {
			return nil
		}

		if s.now().Sub(lastBeat) >= s.opts.HeartbeatInterval {
			beat := s.now()
			if err := s.writeEvent(w, flusher, Event{
				Type: EventHeartbeat,
				Data: map[string]any{"timestamp": beat.Unix()},
			}); err != nil {
				return nil
			}
			c.Touch(beat)
			lastBeat = beat
		}

		if ev, ok := c.WaitEvent(s.opts.QueueWait); ok {
			if err := s.writeEvent(w, flusher, ev); err != nil {
				return nil
			}
		}
	}
}

// writeEvent emits one frame in the "event: T\ndata: JSON\n\n" framing
// and flushes it through to the peer.
func (s *Streamer) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	flusher.Flush()
	if s.metrics != nil {
		s.metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
	}
	return nil
}
