package sse

import (
	"log/slog"
	"sync"
	"time"
)

// Client is one live SSE consumer. The registry is the sole creator and
// remover of clients; the stream generator, the command router, and the
// dispatcher all reach a client through the registry by id.
type Client struct {
	ID          string
	Name        string
	Platform    string
	Version     string
	ConnectedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	channels      map[string]struct{}
	queue         []Event
	notify        chan struct{}
	pending       map[string]chan Response
	alive         bool
}

func newClient(id, name, platform, version string, now time.Time) *Client {
	return &Client{
		ID:            id,
		Name:          name,
		Platform:      platform,
		Version:       version,
		ConnectedAt:   now,
		lastHeartbeat: now,
		channels:      make(map[string]struct{}),
		notify:        make(chan struct{}, 1),
		pending:       make(map[string]chan Response),
		alive:         true,
	}
}

// Alive reports whether the client is still registered.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Touch records a liveness signal: a heartbeat emission or any inbound
// command carrying the client id.
func (c *Client) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastHeartbeat) {
		c.lastHeartbeat = now
	}
}

// LastHeartbeat returns the last liveness signal.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Channels returns a snapshot of the subscribed channel ids.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Subscribed reports whether the client is subscribed to channelID.
func (c *Client) Subscribed(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// Enqueue appends an event to the client's FIFO queue and wakes a
// waiting stream generator. Fails once the client is dead.
func (c *Client) Enqueue(ev Event) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return ErrClientGone
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// WaitEvent pops the next queued event, waiting up to timeout for one to
// arrive. Returns false on timeout or client death; the caller checks
// Alive to tell the two apart.
func (c *Client) WaitEvent(timeout time.Duration) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if !c.alive {
			c.mu.Unlock()
			return Event{}, false
		}
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, true
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-deadline.C:
			return Event{}, false
		}
	}
}

// registerPending installs a one-shot correlation slot for requestID.
func (c *Client) registerPending(requestID string) (chan Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return nil, ErrClientGone
	}
	slot := make(chan Response, 1)
	c.pending[requestID] = slot
	return slot, nil
}

// popPending removes and returns the slot for requestID. The slot is
// removed exactly once; the second caller gets ok=false.
func (c *Client) popPending(requestID string) (chan Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	return slot, ok
}

// subscribe and unsubscribe are called by the registry under its own
// index bookkeeping; they only touch client-local state.
func (c *Client) subscribe(channelIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channelIDs {
		c.channels[ch] = struct{}{}
	}
}

func (c *Client) unsubscribe(channelIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channelIDs {
		delete(c.channels, ch)
	}
}

// kill marks the client dead, cancels every pending correlation slot,
// and wakes the stream generator so it exits on its next check.
func (c *Client) kill() {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.alive = false
	pending := c.pending
	c.pending = make(map[string]chan Response)
	c.mu.Unlock()

	for id, slot := range pending {
		close(slot)
		slog.Debug("Cancelled pending request on dead client",
			"client_id", c.ID, "request_id", id)
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
