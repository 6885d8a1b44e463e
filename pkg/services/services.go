// Package services defines the interfaces of the external collaborators the
// bridge and the timer engines call out to. The agent execution core, the
// message persistence layer, and the inbound message pipeline all live
// outside this repository; they attach here at construction time.
package services

import (
	"context"
	"log/slog"

	"github.com/nekro-agent/relay/pkg/models"
)

// MessageService is the outbound seam to the chat-message persistence layer
// and the agent core. Timer firings and auto-pause notices go through it.
type MessageService interface {
	// PushSystemMessage records a system message on the channel. When
	// triggerAgent is true the agent core is scheduled to react to it.
	PushSystemMessage(ctx context.Context, chatKey, content string, triggerAgent bool) error

	// ScheduleAgentTask triggers an agent run on the channel without
	// recording a message.
	ScheduleAgentTask(ctx context.Context, chatKey string) error
}

// MessageCollector is the inbound pipeline entry. The command router hands
// every client-originated message to it.
type MessageCollector interface {
	CollectMessage(ctx context.Context, adapter, channelID string, sender models.UserInfo, msg models.ChatMessage) error
}

// LogMessageService is a MessageService that only logs. Used in tests and
// when the process runs without the agent core attached.
type LogMessageService struct{}

func (LogMessageService) PushSystemMessage(_ context.Context, chatKey, content string, triggerAgent bool) error {
	slog.Info("System message (no core attached)",
		"chat_key", chatKey, "content", content, "trigger_agent", triggerAgent)
	return nil
}

func (LogMessageService) ScheduleAgentTask(_ context.Context, chatKey string) error {
	slog.Info("Agent task scheduled (no core attached)", "chat_key", chatKey)
	return nil
}

// LogMessageCollector is a MessageCollector that only logs.
type LogMessageCollector struct{}

func (LogMessageCollector) CollectMessage(_ context.Context, adapter, channelID string, sender models.UserInfo, msg models.ChatMessage) error {
	slog.Info("Inbound message (no core attached)",
		"adapter", adapter, "channel_id", channelID,
		"sender_id", sender.UserID, "text", msg.PlainText())
	return nil
}
