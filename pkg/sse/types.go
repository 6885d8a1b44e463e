// Package sse implements the SSE bridge: the client registry, the event
// stream, request/response correlation, the command router, and chunked
// transfer of large payloads.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types emitted to client streams.
const (
	EventConnected          = "connected"
	EventHeartbeat          = "heartbeat"
	EventSendMessage        = "send_message"
	EventGetUserInfo        = "get_user_info"
	EventGetChannelInfo     = "get_channel_info"
	EventGetSelfInfo        = "get_self_info"
	EventSetMessageReaction = "set_message_reaction"
	EventFileChunk          = "file_chunk"
	EventFileChunkComplete  = "file_chunk_complete"
)

// Event is one outbound stream frame before text framing.
type Event struct {
	Type string
	Data any
}

// Request is the envelope carried as the data of events that require a
// client reply.
type Request struct {
	RequestID string `json:"request_id"`
	Data      any    `json:"data"`
}

// Response is the client's reply to a correlated request, delivered via
// the command endpoint rather than the stream.
type Response struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Command names accepted by the command endpoint.
const (
	CmdRegister    = "register"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdMessage     = "message"
	CmdResponse    = "response"
)

// Command is the inbound POST body. Cmd selects which of the remaining
// fields are meaningful.
type Command struct {
	Cmd string `json:"cmd"`

	// register
	Platform      string `json:"platform,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`

	// subscribe / unsubscribe
	ChannelIDs []string `json:"channel_ids,omitempty"`

	// message
	ChannelID string       `json:"channel_id,omitempty"`
	Message   *WireMessage `json:"message,omitempty"`

	// response
	RequestID string          `json:"request_id,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WireMessage is a chat message in wire form.
type WireMessage struct {
	SenderID   string        `json:"sender_id,omitempty"`
	SenderName string        `json:"sender_name,omitempty"`
	Segments   []WireSegment `json:"segments"`
}

// WireSegment is one message segment in wire form. Type selects the
// payload shape:
//
//	text:  {type, content}
//	image: {type, base64_url|url, name, mime_type, suffix}
//	file:  {type, base64_url|url, name, size, mime_type, suffix}
//	at:    {type, user_id, nickname}
type WireSegment struct {
	Type string `json:"type"`

	Content string `json:"content,omitempty"`

	Base64URL string `json:"base64_url,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Suffix    string `json:"suffix,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// SendMessagePayload is the data of a send_message request.
type SendMessagePayload struct {
	ChannelID string        `json:"channel_id"`
	Segments  []WireSegment `json:"segments"`
}

// FileChunk is the payload of one file_chunk event.
type FileChunk struct {
	ChunkID     string `json:"chunk_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	ChunkData   string `json:"chunk_data"`
	ChunkSize   int    `json:"chunk_size"`
	TotalSize   int64  `json:"total_size"`
	MimeType    string `json:"mime_type"`
	Filename    string `json:"filename"`
	FileType    string `json:"file_type"`
}

// FileChunkComplete marks the end of a chunk transfer.
type FileChunkComplete struct {
	ChunkID string `json:"chunk_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Sentinel errors surfaced by the bridge. The API layer maps them to
// HTTP statuses.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrUnknownCommand = errors.New("unknown command")
	ErrClientGone     = errors.New("client is no longer alive")
	ErrRequestTimeout = errors.New("request timed out waiting for client response")
	ErrNoSubscribers  = errors.New("no clients subscribed to channel")
)

// ValidationError reports a malformed command field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
