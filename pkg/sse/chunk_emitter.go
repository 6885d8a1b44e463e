package sse

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nekro-agent/relay/pkg/metrics"
)

// ChunkThreshold is the decoded size above which a payload is chunked
// instead of being embedded in a single event.
const ChunkThreshold = 1 << 20

// chunkFrameSize is the base64 text carried per file_chunk event.
const chunkFrameSize = 64 << 10

// interFrameInterval paces chunk emission so a burst of frames does not
// overrun slow consumers.
const interFrameInterval = 10 * time.Millisecond

// ChunkFile describes one large payload to transfer.
type ChunkFile struct {
	// Base64 is the full base64 text of the payload, without a data URL
	// prefix.
	Base64 string
	// DecodedSize is the payload size in bytes.
	DecodedSize int64
	MimeType    string
	Filename    string
	// FileType is "image" or "file".
	FileType string
}

// Emitter slices large base64 payloads into bounded file_chunk frames
// followed by a file_chunk_complete marker.
type Emitter struct {
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// NewEmitter creates an emitter with the standard frame pacing.
func NewEmitter(m *metrics.Metrics) *Emitter {
	return &Emitter{
		metrics: m,
		limiter: rate.NewLimiter(rate.Every(interFrameInterval), 1),
	}
}

// Emit streams the file to the client as a sequence of file_chunk events
// and one completion marker. On an emission error a success=false
// completion is enqueued best-effort so the receiver can free its state.
func (e *Emitter) Emit(ctx context.Context, c *Client, f ChunkFile) error {
	chunkID := uuid.NewString()
	total := (len(f.Base64) + chunkFrameSize - 1) / chunkFrameSize
	if total == 0 {
		total = 1
	}

	slog.Info("Starting chunk transfer",
		"chunk_id", chunkID, "client_id", c.ID,
		"filename", f.Filename, "total_chunks", total, "total_size", f.DecodedSize)

	for i := 0; i < total; i++ {
		if err := e.limiter.Wait(ctx); err != nil {
			e.abort(c, chunkID, err)
			return err
		}
		start := i * chunkFrameSize
		end := min(start+chunkFrameSize, len(f.Base64))
		frame := f.Base64[start:end]

		err := c.Enqueue(Event{Type: EventFileChunk, Data: FileChunk{
			ChunkID:     chunkID,
			ChunkIndex:  i,
			TotalChunks: total,
			ChunkData:   frame,
			ChunkSize:   len(frame),
			TotalSize:   f.DecodedSize,
			MimeType:    f.MimeType,
			Filename:    f.Filename,
			FileType:    f.FileType,
		}})
		if err != nil {
			e.abort(c, chunkID, err)
			return err
		}
		if e.metrics != nil {
			e.metrics.ChunksEmitted.Inc()
		}
	}

	err := c.Enqueue(Event{Type: EventFileChunkComplete, Data: FileChunkComplete{
		ChunkID: chunkID,
		Success: true,
		Message: "transfer complete",
	}})
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ChunkTransfers.WithLabelValues("success").Inc()
	}
	return nil
}

// abort tells the receiver to drop the partial transfer.
func (e *Emitter) abort(c *Client, chunkID string, cause error) {
	slog.Warn("Chunk transfer aborted",
		"chunk_id", chunkID, "client_id", c.ID, "error", cause)
	_ = c.Enqueue(Event{Type: EventFileChunkComplete, Data: FileChunkComplete{
		ChunkID: chunkID,
		Success: false,
		Message: cause.Error(),
	}})
	if e.metrics != nil {
		e.metrics.ChunkTransfers.WithLabelValues("aborted").Inc()
	}
}
