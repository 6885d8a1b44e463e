package api

import (
	"context"
	"testing"
	"time"

	"github.com/nekro-agent/relay/pkg/config"
	"github.com/nekro-agent/relay/pkg/scheduler"
	"github.com/nekro-agent/relay/pkg/services"
	"github.com/nekro-agent/relay/pkg/sse"
	"github.com/nekro-agent/relay/pkg/timer"
)

// newTestServer wires a server against in-memory collaborators. The
// scheduler engine and timer service are constructed but not started,
// which is enough for the HTTP surface.
func newTestServer(t *testing.T, bridge config.BridgeConfig) *Server {
	t.Helper()

	if bridge.ResponseTimeout <= 0 {
		bridge.ResponseTimeout = 2 * time.Second
	}
	dynamic := config.NewDynamic(bridge)
	registry := sse.NewRegistry(nil, sse.RegistryOptions{
		ClientTTL:     time.Minute,
		SweepInterval: time.Minute,
	})
	t.Cleanup(registry.Stop)

	correlator := sse.NewCorrelator(nil)
	emitter := sse.NewEmitter(nil)
	router := sse.NewRouter(registry, correlator, services.LogMessageCollector{}, nil)
	streamer := sse.NewStreamer(nil, sse.StreamOptions{
		HeartbeatInterval: 5 * time.Second,
		QueueWait:         10 * time.Millisecond,
	})
	dispatcher := sse.NewDispatcher(registry, correlator, emitter, dynamic, nil)

	engine := scheduler.NewEngine(scheduler.NewMemoryStore(), services.LogMessageService{}, nil, nil, scheduler.Options{})
	timers := timer.NewService(services.LogMessageService{}, nil, timer.Options{})

	return NewServer(registry, router, streamer, dispatcher, engine, timers, nil, dynamic, nil)
}

// testContext returns a cancellable context that is cleaned up with the
// test, for driving stream requests to completion.
func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx, cancel
}
