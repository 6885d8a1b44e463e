package sse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekro-agent/relay/pkg/models"
)

type recordingCollector struct {
	mu       sync.Mutex
	adapter  string
	channel  string
	sender   models.UserInfo
	messages []models.ChatMessage
}

func (c *recordingCollector) CollectMessage(_ context.Context, adapter, channelID string, sender models.UserInfo, msg models.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter = adapter
	c.channel = channelID
	c.sender = sender
	c.messages = append(c.messages, msg)
	return nil
}

func newTestRouter() (*Router, *Registry, *recordingCollector) {
	registry := newTestRegistry()
	collector := &recordingCollector{}
	router := NewRouter(registry, NewCorrelator(nil), collector, nil)
	return router, registry, collector
}

func TestHandleRegister(t *testing.T) {
	router, registry, _ := newTestRouter()

	reply, err := router.Handle(context.Background(), "", Command{
		Cmd: CmdRegister, Platform: "onebot_v11", ClientName: "bot-a", ClientVersion: "1.2.0",
	})
	require.NoError(t, err)

	body := reply.(map[string]any)
	clientID := body["client_id"].(string)
	c, ok := registry.Get(clientID)
	require.True(t, ok)
	assert.Equal(t, "bot-a", c.Name)
	assert.Equal(t, "onebot_v11", c.Platform)
}

func TestHandleRegisterAutoName(t *testing.T) {
	router, registry, _ := newTestRouter()

	reply, err := router.Handle(context.Background(), "", Command{Cmd: CmdRegister, Platform: "p"})
	require.NoError(t, err)

	clientID := reply.(map[string]any)["client_id"].(string)
	c, _ := registry.Get(clientID)
	assert.Regexp(t, `^sse-client-[0-9a-f]{8}$`, c.Name)
}

func TestHandleRegisterRequiresPlatform(t *testing.T) {
	router, _, _ := newTestRouter()

	_, err := router.Handle(context.Background(), "", Command{Cmd: CmdRegister})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "platform", verr.Field)
}

func TestHandleRequiresClientHeader(t *testing.T) {
	router, _, _ := newTestRouter()

	_, err := router.Handle(context.Background(), "", Command{Cmd: CmdSubscribe, ChannelIDs: []string{"g1"}})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHandleUnknownClient(t *testing.T) {
	router, _, _ := newTestRouter()

	_, err := router.Handle(context.Background(), "missing", Command{Cmd: CmdSubscribe, ChannelIDs: []string{"g1"}})
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestHandleUnknownCommand(t *testing.T) {
	router, registry, _ := newTestRouter()
	c := registry.Register("a", "p", "1")

	_, err := router.Handle(context.Background(), c.ID, Command{Cmd: "reboot"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestHandleSubscribeAndUnsubscribe(t *testing.T) {
	router, registry, _ := newTestRouter()
	c := registry.Register("a", "p", "1")

	_, err := router.Handle(context.Background(), c.ID, Command{Cmd: CmdSubscribe, ChannelIDs: []string{"g1", "g2"}})
	require.NoError(t, err)
	assert.True(t, c.Subscribed("g1"))

	_, err = router.Handle(context.Background(), c.ID, Command{Cmd: CmdUnsubscribe, ChannelIDs: []string{"g1"}})
	require.NoError(t, err)
	assert.False(t, c.Subscribed("g1"))
	assert.True(t, c.Subscribed("g2"))

	_, err = router.Handle(context.Background(), c.ID, Command{Cmd: CmdSubscribe})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHandleCommandBumpsHeartbeat(t *testing.T) {
	router, registry, _ := newTestRouter()
	c := registry.Register("a", "p", "1")

	later := time.Now().Add(30 * time.Second)
	router.now = func() time.Time { return later }

	_, err := router.Handle(context.Background(), c.ID, Command{Cmd: CmdSubscribe, ChannelIDs: []string{"g1"}})
	require.NoError(t, err)
	assert.Equal(t, later, c.LastHeartbeat())
}

func TestHandleMessageCollectsInbound(t *testing.T) {
	router, registry, collector := newTestRouter()
	c := registry.Register("a", "onebot_v11", "1")

	_, err := router.Handle(context.Background(), c.ID, Command{
		Cmd:       CmdMessage,
		ChannelID: "group_12345",
		Message: &WireMessage{
			SenderID:   "u1",
			SenderName: "alice",
			Segments: []WireSegment{
				{Type: "text", Content: "hello"},
				{Type: "at", UserID: "u2", Nickname: "bob"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, AdapterName, collector.adapter)
	assert.Equal(t, "group_12345", collector.channel)
	assert.Equal(t, "u1", collector.sender.UserID)
	require.Len(t, collector.messages, 1)
	assert.Equal(t, "hello@bob", collector.messages[0].PlainText())
}

func TestHandleMessageValidation(t *testing.T) {
	router, registry, _ := newTestRouter()
	c := registry.Register("a", "p", "1")

	var verr *ValidationError
	_, err := router.Handle(context.Background(), c.ID, Command{Cmd: CmdMessage})
	assert.ErrorAs(t, err, &verr)

	_, err = router.Handle(context.Background(), c.ID, Command{Cmd: CmdMessage, ChannelID: "g1"})
	assert.ErrorAs(t, err, &verr)
}

func TestHandleResponseResolvesPending(t *testing.T) {
	router, registry, _ := newTestRouter()
	c := registry.Register("a", "p", "1")

	done := make(chan *Response, 1)
	go func() {
		resp, err := router.correlator.Send(context.Background(), c, EventSendMessage, nil, time.Second)
		assert.NoError(t, err)
		done <- resp
	}()

	ev, ok := c.WaitEvent(time.Second)
	require.True(t, ok)
	req := ev.Data.(Request)

	reply, err := router.Handle(context.Background(), c.ID, Command{
		Cmd: CmdResponse, RequestID: req.RequestID, Success: true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true}, reply)

	resp := <-done
	assert.True(t, resp.Success)
}
