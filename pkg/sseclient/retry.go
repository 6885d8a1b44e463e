package sseclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nekro-agent/relay/pkg/sse"
)

// Stats are the response delivery counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Abandoned uint64 `json:"abandoned"`
}

type retryEntry struct {
	cmd      sse.Command
	attempts int
}

// retryQueue redelivers failed response commands. The server times out
// pending requests, so a lost response poisons the correlation layer on
// the server side; redelivery keeps that the exceptional path.
type retryQueue struct {
	client     *Client
	interval   time.Duration
	maxRetries int

	entries chan retryEntry

	sent      atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	abandoned atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func newRetryQueue(client *Client, interval time.Duration, maxRetries, size int) *retryQueue {
	return &retryQueue{
		client:     client,
		interval:   interval,
		maxRetries: maxRetries,
		entries:    make(chan retryEntry, size),
		stopCh:     make(chan struct{}),
	}
}

func (q *retryQueue) start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.run()
	})
}

func (q *retryQueue) stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// push enqueues a failed response for redelivery. A full queue abandons
// the entry rather than blocking the stream reader.
func (q *retryQueue) push(cmd sse.Command) {
	q.failed.Add(1)
	select {
	case q.entries <- retryEntry{cmd: cmd, attempts: 1}:
	default:
		q.abandoned.Add(1)
		slog.Error("Retry queue full, abandoning response", "request_id", cmd.RequestID)
	}
}

func (q *retryQueue) countSent() { q.sent.Add(1) }

func (q *retryQueue) stats() Stats {
	return Stats{
		Sent:      q.sent.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
		Abandoned: q.abandoned.Load(),
	}
}

func (q *retryQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case entry := <-q.entries:
			select {
			case <-q.stopCh:
				return
			case <-time.After(q.interval):
			}
			q.attempt(entry)
		}
	}
}

func (q *retryQueue) attempt(entry retryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := q.client.post(ctx, entry.cmd, nil)
	cancel()

	if err == nil {
		q.sent.Add(1)
		q.retried.Add(1)
		slog.Info("Response redelivered",
			"request_id", entry.cmd.RequestID, "attempts", entry.attempts+1)
		return
	}

	entry.attempts++
	if entry.attempts > q.maxRetries {
		q.abandoned.Add(1)
		slog.Error("Abandoning response after max retries",
			"request_id", entry.cmd.RequestID, "attempts", entry.attempts, "error", err)
		return
	}
	select {
	case q.entries <- entry:
	default:
		q.abandoned.Add(1)
	}
}
