package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// storeVersion tags the on-disk format so future layouts can migrate.
const storeVersion = 1

type storeFile struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// persistLocked writes all callback-less timers to the store file.
// Caller holds s.mu. The write goes through a temp file plus rename so a
// crash mid-write never truncates the store.
func (s *Service) persistLocked() error {
	if s.opts.StorePath == "" {
		return nil
	}

	out := storeFile{Version: storeVersion}
	for _, pending := range s.tasks {
		for _, t := range pending {
			if t.callback != nil {
				continue
			}
			out.Tasks = append(out.Tasks, t.Task)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode timer store: %w", err)
	}

	dir := filepath.Dir(s.opts.StorePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create timer store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".timers-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.opts.StorePath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace timer store: %w", err)
	}
	return nil
}

// recover loads the store file and reconciles it against the clock:
// future timers are re-armed, timers past due within the restart grace
// fire once with a make-up marker, older ones are dropped.
func (s *Service) recover(ctx context.Context) error {
	if s.opts.StorePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.opts.StorePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read timer store: %w", err)
	}

	var in storeFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode timer store: %w", err)
	}
	if in.Version != storeVersion {
		slog.Warn("Ignoring timer store with unknown version", "version", in.Version)
		return nil
	}

	nowUnix := s.now().Unix()
	graceSeconds := int64(s.opts.RestartGrace.Seconds())
	var makeup []*pendingTask
	dropped := 0

	s.mu.Lock()
	for _, t := range in.Tasks {
		switch {
		case t.TriggerTime > nowUnix:
			s.tasks[t.ChatKey] = append(s.tasks[t.ChatKey], &pendingTask{Task: t})
		case nowUnix-t.TriggerTime <= graceSeconds:
			makeup = append(makeup, &pendingTask{Task: t})
		default:
			dropped++
		}
	}
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, t := range makeup {
		s.fire(ctx, t, "（补发）")
	}
	if len(in.Tasks) > 0 {
		slog.Info("Recovered persisted timers",
			"loaded", len(in.Tasks),
			"made_up", len(makeup),
			"dropped", dropped)
	}
	return nil
}
