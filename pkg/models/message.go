// Package models contains the platform-neutral chat message model shared by
// the bridge, the schedulers, and the external agent core.
package models

import (
	"fmt"
	"strings"
)

// SegmentType discriminates the payload shape of a message segment.
type SegmentType string

const (
	SegmentTypeText  SegmentType = "text"
	SegmentTypeImage SegmentType = "image"
	SegmentTypeFile  SegmentType = "file"
	SegmentTypeAt    SegmentType = "at"
)

// Segment is one element of a chat message. The Type field selects which of
// the remaining fields are meaningful:
//
//	text:  Text
//	image: Data or URL, plus FileName/MimeType
//	file:  Data or URL, plus FileName/MimeType/Size
//	at:    TargetID, TargetName
type Segment struct {
	Type SegmentType `json:"type"`

	// Text content (text segments).
	Text string `json:"text,omitempty"`

	// Raw binary content for image/file segments that carry their bytes
	// inline. Mutually exclusive with URL.
	Data []byte `json:"-"`

	// Remote location for image/file segments that are fetched by the
	// receiving side.
	URL string `json:"url,omitempty"`

	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// Mention target (at segments).
	TargetID   string `json:"target_id,omitempty"`
	TargetName string `json:"target_name,omitempty"`
}

// NewTextSegment builds a text segment.
func NewTextSegment(text string) Segment {
	return Segment{Type: SegmentTypeText, Text: text}
}

// NewAtSegment builds a mention segment.
func NewAtSegment(targetID, targetName string) Segment {
	return Segment{Type: SegmentTypeAt, TargetID: targetID, TargetName: targetName}
}

// ChatMessage is a platform-neutral message flowing between the agent core
// and a platform adapter, in either direction.
type ChatMessage struct {
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Segments   []Segment `json:"segments"`
}

// PlainText flattens the message to text for logging and system notices.
// Non-text segments are rendered as short placeholders.
func (m *ChatMessage) PlainText() string {
	var b strings.Builder
	for _, seg := range m.Segments {
		switch seg.Type {
		case SegmentTypeText:
			b.WriteString(seg.Text)
		case SegmentTypeAt:
			fmt.Fprintf(&b, "@%s", seg.TargetName)
		case SegmentTypeImage:
			b.WriteString("[image]")
		case SegmentTypeFile:
			fmt.Fprintf(&b, "[file %s]", seg.FileName)
		}
	}
	return b.String()
}

// UserInfo describes a platform user, as reported by a connected client.
type UserInfo struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ChannelInfo describes a channel, as reported by a connected client.
type ChannelInfo struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	MemberCount int    `json:"member_count,omitempty"`
}
