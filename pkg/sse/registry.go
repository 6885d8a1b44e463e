package sse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nekro-agent/relay/pkg/metrics"
)

// RegistryOptions configures the expiry sweep.
type RegistryOptions struct {
	// ClientTTL is the idle time after which a client is expired.
	ClientTTL time.Duration
	// SweepInterval is how often the sweeper scans for stale clients.
	SweepInterval time.Duration
}

// Registry owns the set of live clients and their channel and platform
// indexes. It is the only component that creates or removes clients.
type Registry struct {
	metrics *metrics.Metrics
	opts    RegistryOptions
	now     func() time.Time

	mu         sync.RWMutex
	clients    map[string]*Client
	byName     map[string]*Client
	byChannel  map[string]map[string]*Client
	byPlatform map[string]map[string]*Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry. Call StartSweeper to begin expiring
// idle clients.
func NewRegistry(m *metrics.Metrics, opts RegistryOptions) *Registry {
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Registry{
		metrics:    m,
		opts:       opts,
		now:        time.Now,
		clients:    make(map[string]*Client),
		byName:     make(map[string]*Client),
		byChannel:  make(map[string]map[string]*Client),
		byPlatform: make(map[string]map[string]*Client),
		stopCh:     make(chan struct{}),
	}
}

// Register creates a new client and inserts it into all indexes.
func (r *Registry) Register(name, platform, version string) *Client {
	c := newClient(uuid.NewString(), name, platform, version, r.now())

	r.mu.Lock()
	r.clients[c.ID] = c
	if name != "" {
		r.byName[name] = c
	}
	if platform != "" {
		byID := r.byPlatform[platform]
		if byID == nil {
			byID = make(map[string]*Client)
			r.byPlatform[platform] = byID
		}
		byID[c.ID] = c
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ClientsConnected.Inc()
	}
	slog.Info("Client registered",
		"client_id", c.ID, "name", name, "platform", platform, "version", version)
	return c
}

// Unregister removes the client and cancels its pending requests. The
// stream generator exits on its next check.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		r.removeLocked(c)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.kill()
	if r.metrics != nil {
		r.metrics.ClientsConnected.Dec()
	}
	slog.Info("Client unregistered", "client_id", clientID, "name", c.Name)
}

// removeLocked drops the client from every index. Caller holds r.mu.
func (r *Registry) removeLocked(c *Client) {
	delete(r.clients, c.ID)
	if r.byName[c.Name] == c {
		delete(r.byName, c.Name)
	}
	if byID := r.byPlatform[c.Platform]; byID != nil {
		delete(byID, c.ID)
		if len(byID) == 0 {
			delete(r.byPlatform, c.Platform)
		}
	}
	for _, ch := range c.Channels() {
		if byID := r.byChannel[ch]; byID != nil {
			delete(byID, c.ID)
			if len(byID) == 0 {
				delete(r.byChannel, ch)
			}
		}
	}
}

// Get returns the client by id.
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// GetByName returns the client by advisory name.
func (r *Registry) GetByName(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// ByChannel returns the clients subscribed to channelID.
func (r *Registry) ByChannel(channelID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byChannel[channelID]))
	for _, c := range r.byChannel[channelID] {
		out = append(out, c)
	}
	return out
}

// ByPlatform returns the clients registered for platform.
func (r *Registry) ByPlatform(platform string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byPlatform[platform]))
	for _, c := range r.byPlatform[platform] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscribe adds the client to the given channels.
func (r *Registry) Subscribe(clientID string, channelIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.subscribe(channelIDs)
	for _, ch := range channelIDs {
		byID := r.byChannel[ch]
		if byID == nil {
			byID = make(map[string]*Client)
			r.byChannel[ch] = byID
		}
		byID[c.ID] = c
	}
	return nil
}

// Unsubscribe removes the client from the given channels.
func (r *Registry) Unsubscribe(clientID string, channelIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.unsubscribe(channelIDs)
	for _, ch := range channelIDs {
		if byID := r.byChannel[ch]; byID != nil {
			delete(byID, c.ID)
			if len(byID) == 0 {
				delete(r.byChannel, ch)
			}
		}
	}
	return nil
}

// Broadcast enqueues the event to every client subscribed to channelID.
// Returns the number of successful enqueues.
func (r *Registry) Broadcast(channelID string, ev Event) int {
	sent := 0
	for _, c := range r.ByChannel(channelID) {
		if err := c.Enqueue(ev); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastAll enqueues the event to every live client.
func (r *Registry) BroadcastAll(ev Event) int {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.Enqueue(ev); err == nil {
			sent++
		}
	}
	return sent
}

// StartSweeper begins the periodic expiry scan.
func (r *Registry) StartSweeper(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// sweep removes every client idle longer than the TTL.
func (r *Registry) sweep() {
	now := r.now()

	r.mu.Lock()
	var expired []*Client
	for _, c := range r.clients {
		if now.Sub(c.LastHeartbeat()) > r.opts.ClientTTL {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	for _, c := range expired {
		c.kill()
		if r.metrics != nil {
			r.metrics.ClientsConnected.Dec()
			r.metrics.ClientsExpired.Inc()
		}
		slog.Warn("Client expired by heartbeat sweep",
			"client_id", c.ID, "name", c.Name,
			"idle", now.Sub(c.LastHeartbeat()).Round(time.Second).String())
	}
}
