package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// respond pops the next queued request event off the client and answers
// it like a well-behaved peer would.
func respond(t *testing.T, co *Correlator, c *Client, success bool, data string) {
	t.Helper()
	ev, ok := c.WaitEvent(time.Second)
	require.True(t, ok, "expected a queued request event")
	req, ok := ev.Data.(Request)
	require.True(t, ok)
	co.Resolve(c, Response{RequestID: req.RequestID, Success: success, Data: json.RawMessage(data)})
}

func TestSendResolvedByResponse(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("a", "p", "1")
	co := NewCorrelator(nil)

	go respond(t, co, c, true, `{"message_id":"m1"}`)

	resp, err := co.Send(context.Background(), c, EventSendMessage, "payload", time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"message_id":"m1"}`, string(resp.Data))
}

func TestSendTimesOutAndDropsLateResponse(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("a", "p", "1")
	co := NewCorrelator(nil)

	ev := make(chan Request, 1)
	go func() {
		queued, ok := c.WaitEvent(time.Second)
		if ok {
			ev <- queued.Data.(Request)
		}
	}()

	_, err := co.Send(context.Background(), c, EventSendMessage, "payload", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	// The slot is gone; a late response is rejected silently.
	req := <-ev
	assert.False(t, co.Resolve(c, Response{RequestID: req.RequestID, Success: true}))
}

func TestResolveUnknownRequestDropped(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("a", "p", "1")
	co := NewCorrelator(nil)

	assert.False(t, co.Resolve(c, Response{RequestID: "never-issued", Success: true}))
}

func TestResolveIsOnce(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("a", "p", "1")
	co := NewCorrelator(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := co.Send(context.Background(), c, EventGetUserInfo, nil, time.Second)
		assert.NoError(t, err)
		assert.True(t, resp.Success)
	}()

	ev, ok := c.WaitEvent(time.Second)
	require.True(t, ok)
	req := ev.Data.(Request)

	assert.True(t, co.Resolve(c, Response{RequestID: req.RequestID, Success: true}))
	assert.False(t, co.Resolve(c, Response{RequestID: req.RequestID, Success: false}),
		"second resolution of the same request must be rejected")
	<-done
}

func TestSendFailsOnDeadClient(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("a", "p", "1")
	co := NewCorrelator(nil)
	r.Unregister(c.ID)

	_, err := co.Send(context.Background(), c, EventSendMessage, nil, time.Second)
	assert.ErrorIs(t, err, ErrClientGone)
}

func TestSendCancelledByContext(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("a", "p", "1")
	co := NewCorrelator(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := co.Send(ctx, c, EventSendMessage, nil, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
