package sse

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nekro-agent/relay/pkg/metrics"
)

// Correlator pairs outbound request events with their client responses.
// Each request gets a fresh UUID; the pending slot lives on the target
// client and resolves exactly once, by the matching response or by the
// timeout.
type Correlator struct {
	metrics *metrics.Metrics
}

// NewCorrelator creates a correlator.
func NewCorrelator(m *metrics.Metrics) *Correlator {
	return &Correlator{metrics: m}
}

// Send enqueues a correlated request on the client and waits up to
// timeout for the matching response.
func (co *Correlator) Send(ctx context.Context, c *Client, eventType string, payload any, timeout time.Duration) (*Response, error) {
	requestID := uuid.NewString()

	slot, err := c.registerPending(requestID)
	if err != nil {
		return nil, err
	}
	if err := c.Enqueue(Event{Type: eventType, Data: Request{RequestID: requestID, Data: payload}}); err != nil {
		c.popPending(requestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-slot:
		if !ok {
			// Slot closed by client teardown.
			return nil, ErrClientGone
		}
		return &resp, nil
	case <-timer.C:
		if _, ok := c.popPending(requestID); !ok {
			// The response landed between the timer firing and the pop.
			select {
			case resp, ok := <-slot:
				if ok {
					return &resp, nil
				}
			default:
			}
		}
		if co.metrics != nil {
			co.metrics.RequestTimeouts.Inc()
		}
		slog.Warn("Request timed out",
			"client_id", c.ID, "request_id", requestID, "event_type", eventType)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.popPending(requestID)
		return nil, ctx.Err()
	}
}

// Resolve delivers a client response to its waiting slot. A response
// with no matching slot (already timed out or resolved) is dropped with
// a warning.
func (co *Correlator) Resolve(c *Client, resp Response) bool {
	slot, ok := c.popPending(resp.RequestID)
	if !ok {
		slog.Warn("Dropping response with no pending request",
			"client_id", c.ID, "request_id", resp.RequestID)
		return false
	}
	slot <- resp
	return true
}
