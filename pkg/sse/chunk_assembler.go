package sse

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// assemblyDeadline bounds how long a partial transfer may wait for its
// remaining chunks.
const assemblyDeadline = 300 * time.Second

// assemblySweepInterval is how often expired partial transfers are
// dropped.
const assemblySweepInterval = 60 * time.Second

// FileReadyFunc receives each fully reassembled file exactly once.
type FileReadyFunc func(chunkID, filename, mimeType, fileType string, data []byte)

type assembly struct {
	slots    []string
	received int
	filename string
	mimeType string
	fileType string
	deadline time.Time
}

// Assembler reassembles file_chunk streams back into whole files.
type Assembler struct {
	onReady FileReadyFunc
	now     func() time.Time

	mu        sync.Mutex
	transfers map[string]*assembly

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAssembler creates an assembler delivering completed files to
// onReady. Call StartSweeper to reclaim abandoned transfers.
func NewAssembler(onReady FileReadyFunc) *Assembler {
	return &Assembler{
		onReady:   onReady,
		now:       time.Now,
		transfers: make(map[string]*assembly),
		stopCh:    make(chan struct{}),
	}
}

// HandleChunk stores one inbound chunk. Duplicate indexes are ignored.
// When the last chunk arrives the joined payload is decoded, delivered
// through the callback, and the transfer state is freed.
func (a *Assembler) HandleChunk(chunk FileChunk) error {
	if chunk.TotalChunks <= 0 {
		return NewValidationError("total_chunks", "must be positive")
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= chunk.TotalChunks {
		return NewValidationError("chunk_index",
			fmt.Sprintf("%d out of range [0,%d)", chunk.ChunkIndex, chunk.TotalChunks))
	}

	a.mu.Lock()
	tr, ok := a.transfers[chunk.ChunkID]
	if !ok {
		tr = &assembly{
			slots:    make([]string, chunk.TotalChunks),
			filename: chunk.Filename,
			mimeType: chunk.MimeType,
			fileType: chunk.FileType,
			deadline: a.now().Add(assemblyDeadline),
		}
		a.transfers[chunk.ChunkID] = tr
	}
	if len(tr.slots) != chunk.TotalChunks {
		a.mu.Unlock()
		return NewValidationError("total_chunks",
			fmt.Sprintf("changed mid-transfer: %d vs %d", chunk.TotalChunks, len(tr.slots)))
	}
	if tr.slots[chunk.ChunkIndex] != "" {
		a.mu.Unlock()
		slog.Debug("Ignoring duplicate chunk",
			"chunk_id", chunk.ChunkID, "chunk_index", chunk.ChunkIndex)
		return nil
	}
	tr.slots[chunk.ChunkIndex] = chunk.ChunkData
	tr.received++
	done := tr.received == len(tr.slots)
	if done {
		delete(a.transfers, chunk.ChunkID)
	}
	a.mu.Unlock()

	if !done {
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.Join(tr.slots, ""))
	if err != nil {
		return fmt.Errorf("failed to decode reassembled payload %s: %w", chunk.ChunkID, err)
	}
	slog.Info("Chunk transfer reassembled",
		"chunk_id", chunk.ChunkID, "filename", tr.filename, "size", len(data))
	if a.onReady != nil {
		a.onReady(chunk.ChunkID, tr.filename, tr.mimeType, tr.fileType, data)
	}
	return nil
}

// HandleComplete processes the transfer-complete marker. A failed
// transfer frees its partial state immediately.
func (a *Assembler) HandleComplete(marker FileChunkComplete) {
	if marker.Success {
		return
	}
	a.mu.Lock()
	_, ok := a.transfers[marker.ChunkID]
	delete(a.transfers, marker.ChunkID)
	a.mu.Unlock()
	if ok {
		slog.Warn("Dropped failed chunk transfer",
			"chunk_id", marker.ChunkID, "message", marker.Message)
	}
}

// PendingTransfers returns the number of incomplete transfers.
func (a *Assembler) PendingTransfers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

// StartSweeper begins dropping transfers whose deadline passed.
func (a *Assembler) StartSweeper(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(assemblySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sweep()
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call more than once.
func (a *Assembler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Assembler) sweep() {
	now := a.now()
	a.mu.Lock()
	for id, tr := range a.transfers {
		if now.After(tr.deadline) {
			delete(a.transfers, id)
			slog.Warn("Expired incomplete chunk transfer",
				"chunk_id", id, "received", tr.received, "total", len(tr.slots))
		}
	}
	a.mu.Unlock()
}
