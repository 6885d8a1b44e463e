package sseclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekro-agent/relay/pkg/sse"
)

// bridgeStub fakes the server side of the command endpoint.
type bridgeStub struct {
	mu        sync.Mutex
	commands  []sse.Command
	failPosts atomic.Int32
}

func newBridgeStub() *bridgeStub {
	return &bridgeStub{}
}

func (b *bridgeStub) record(cmd sse.Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
}

func (b *bridgeStub) recorded() []sse.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sse.Command(nil), b.commands...)
}

func (b *bridgeStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "stream not stubbed", http.StatusNotFound)
			return
		}
		var cmd sse.Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		if b.failPosts.Load() > 0 && cmd.Cmd == sse.CmdResponse {
			b.failPosts.Add(-1)
			http.Error(w, "transient failure", http.StatusInternalServerError)
			return
		}
		b.record(cmd)
		switch cmd.Cmd {
		case sse.CmdRegister:
			fmt.Fprint(w, `{"client_id":"c-1","message":"registered"}`)
		default:
			fmt.Fprint(w, `{"message":"ok"}`)
		}
	}
}

func TestRegisterAndSubscribe(t *testing.T) {
	stub := newBridgeStub()
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Platform: "onebot_v11", ClientName: "bot-a", AccessKey: "secret"})
	defer c.Close()

	require.NoError(t, c.Register(context.Background()))
	assert.Equal(t, "c-1", c.ClientID())

	require.NoError(t, c.Subscribe(context.Background(), "g1", "g2"))

	cmds := stub.recorded()
	require.Len(t, cmds, 2)
	assert.Equal(t, sse.CmdRegister, cmds[0].Cmd)
	assert.Equal(t, []string{"g1", "g2"}, cmds[1].ChannelIDs)
}

func TestListenAnswersRequests(t *testing.T) {
	stub := newBridgeStub()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", stub.handler(t))
	mux.HandleFunc("GET /connect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"client_id\":\"c-1\"}\n\n")
		fmt.Fprint(w, "event: send_message\ndata: {\"request_id\":\"r-1\",\"data\":{\"channel_id\":\"g1\"}}\n\n")
		w.(http.Flusher).Flush()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	handled := make(chan string, 1)
	c := New(Options{
		BaseURL:  srv.URL,
		Platform: "p",
		OnRequest: func(_ context.Context, eventType string, _ json.RawMessage) (bool, any) {
			handled <- eventType
			return true, map[string]string{"message_id": "m1"}
		},
	})
	defer c.Close()
	c.clientID = "c-1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = c.Listen(ctx) }()

	select {
	case eventType := <-handled:
		assert.Equal(t, sse.EventSendMessage, eventType)
	case <-ctx.Done():
		t.Fatal("request handler never ran")
	}

	require.Eventually(t, func() bool {
		for _, cmd := range stub.recorded() {
			if cmd.Cmd == sse.CmdResponse && cmd.RequestID == "r-1" && cmd.Success {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Sent)
}

func TestResponseRetryAfterTransientFailure(t *testing.T) {
	stub := newBridgeStub()
	stub.failPosts.Store(1)
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := New(Options{
		BaseURL:               srv.URL,
		Platform:              "p",
		ResponseRetryInterval: 10 * time.Millisecond,
	})
	defer c.Close()
	c.clientID = "c-1"
	c.retry.start()

	c.handleRequest(context.Background(), sse.EventSendMessage,
		json.RawMessage(`{"request_id":"r-9","data":{}}`))

	require.Eventually(t, func() bool {
		for _, cmd := range stub.recorded() {
			if cmd.Cmd == sse.CmdResponse && cmd.RequestID == "r-9" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Retried)
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Zero(t, stats.Abandoned)
}

func TestResponseAbandonedAfterMaxRetries(t *testing.T) {
	stub := newBridgeStub()
	stub.failPosts.Store(100)
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := New(Options{
		BaseURL:               srv.URL,
		Platform:              "p",
		ResponseRetryInterval: time.Millisecond,
		MaxResponseRetries:    2,
	})
	defer c.Close()
	c.clientID = "c-1"
	c.retry.start()

	c.handleRequest(context.Background(), sse.EventSendMessage,
		json.RawMessage(`{"request_id":"r-9","data":{}}`))

	require.Eventually(t, func() bool {
		return c.Stats().Abandoned == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Stats().Sent)
}

func TestListenReassemblesChunkedFile(t *testing.T) {
	payload := []byte("chunked payload bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /connect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := sse.FileChunk{
			ChunkID: "t-1", ChunkIndex: 0, TotalChunks: 1,
			ChunkData: "Y2h1bmtlZCBwYXlsb2FkIGJ5dGVz",
			TotalSize: int64(len(payload)), Filename: "a.txt", FileType: "file",
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "event: file_chunk\ndata: %s\n\n", data)
		fmt.Fprint(w, "event: file_chunk_complete\ndata: {\"chunk_id\":\"t-1\",\"success\":true}\n\n")
		w.(http.Flusher).Flush()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ready := make(chan []byte, 1)
	c := New(Options{
		BaseURL:  srv.URL,
		Platform: "p",
		OnFileReady: func(_, filename, _, _ string, data []byte) {
			assert.Equal(t, "a.txt", filename)
			ready <- data
		},
	})
	defer c.Close()
	c.clientID = "c-1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = c.Listen(ctx) }()

	select {
	case data := <-ready:
		assert.Equal(t, payload, data)
	case <-ctx.Done():
		t.Fatal("file was never delivered")
	}
}
