package sse

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/nekro-agent/relay/pkg/models"
)

// ToWireSegments converts platform-neutral segments to wire form.
// Inline binary content is carried as a base64 data URL.
func ToWireSegments(segs []models.Segment) []WireSegment {
	out := make([]WireSegment, 0, len(segs))
	for _, seg := range segs {
		switch seg.Type {
		case models.SegmentTypeText:
			out = append(out, WireSegment{Type: "text", Content: seg.Text})
		case models.SegmentTypeImage, models.SegmentTypeFile:
			w := WireSegment{
				Type:     string(seg.Type),
				URL:      seg.URL,
				Name:     seg.FileName,
				MimeType: seg.MimeType,
				Suffix:   suffixOf(seg.FileName),
			}
			if seg.Type == models.SegmentTypeFile {
				w.Size = seg.Size
			}
			if len(seg.Data) > 0 {
				w.Base64URL = EncodeDataURL(seg.MimeType, seg.Data)
				w.URL = ""
			}
			out = append(out, w)
		case models.SegmentTypeAt:
			out = append(out, WireSegment{Type: "at", UserID: seg.TargetID, Nickname: seg.TargetName})
		}
	}
	return out
}

// FromWireSegments converts wire segments to the platform-neutral model,
// decoding inline base64 content.
func FromWireSegments(segs []WireSegment) ([]models.Segment, error) {
	out := make([]models.Segment, 0, len(segs))
	for i, w := range segs {
		switch w.Type {
		case "text":
			out = append(out, models.NewTextSegment(w.Content))
		case "image", "file":
			seg := models.Segment{
				Type:     models.SegmentType(w.Type),
				URL:      w.URL,
				FileName: w.Name,
				MimeType: w.MimeType,
				Size:     w.Size,
			}
			if w.Base64URL != "" {
				mime, data, err := DecodeDataURL(w.Base64URL)
				if err != nil {
					return nil, NewValidationError(
						fmt.Sprintf("segments[%d].base64_url", i), err.Error())
				}
				seg.Data = data
				if seg.MimeType == "" {
					seg.MimeType = mime
				}
				seg.URL = ""
			}
			out = append(out, seg)
		case "at":
			out = append(out, models.NewAtSegment(w.UserID, w.Nickname))
		default:
			return nil, NewValidationError(
				fmt.Sprintf("segments[%d].type", i), "unknown segment type: "+w.Type)
		}
	}
	return out, nil
}

// FromWireMessage converts a full wire message.
func FromWireMessage(msg *WireMessage) (models.ChatMessage, error) {
	segs, err := FromWireSegments(msg.Segments)
	if err != nil {
		return models.ChatMessage{}, err
	}
	return models.ChatMessage{
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Segments:   segs,
	}, nil
}

// EncodeDataURL builds a data:<mime>;base64,<payload> URL.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a base64 data URL into its media type and bytes.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL: no payload separator")
	}
	mime, _ := strings.CutSuffix(meta, ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return mime, data, nil
}

// suffixOf returns the lowercased filename extension without the dot.
func suffixOf(filename string) string {
	ext := path.Ext(filename)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
