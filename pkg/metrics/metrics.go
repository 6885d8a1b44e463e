// Package metrics holds the Prometheus instrumentation for the bridge and
// the timer engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors. A single instance is created at startup and
// shared by the components that record into it. The zero value is unusable;
// construct with New.
type Metrics struct {
	registry *prometheus.Registry

	ClientsConnected prometheus.Gauge
	EventsEmitted    *prometheus.CounterVec
	CommandsHandled  *prometheus.CounterVec
	RequestTimeouts  prometheus.Counter
	ChunksEmitted    prometheus.Counter
	ChunkTransfers   *prometheus.CounterVec
	JobFires         *prometheus.CounterVec
	OneShotFires     prometheus.Counter
	ClientsExpired   prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sse_clients_connected",
			Help: "Number of live SSE clients in the registry.",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sse_events_emitted_total",
			Help: "SSE events written to client streams, by event type.",
		}, []string{"event_type"}),
		CommandsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_handled_total",
			Help: "Inbound HTTP commands processed, by command and outcome.",
		}, []string{"cmd", "outcome"}),
		RequestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_request_timeouts_total",
			Help: "Correlated requests that expired before a client response.",
		}),
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_file_chunks_emitted_total",
			Help: "file_chunk events emitted across all transfers.",
		}),
		ChunkTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_file_chunk_transfers_total",
			Help: "Completed chunk transfers, by outcome.",
		}, []string{"outcome"}),
		JobFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_recurring_job_fires_total",
			Help: "Recurring job firings, by outcome.",
		}, []string{"outcome"}),
		OneShotFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_oneshot_timer_fires_total",
			Help: "One-shot timer firings.",
		}),
		ClientsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sse_clients_expired_total",
			Help: "Clients removed by the heartbeat expiry sweep.",
		}),
	}
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
