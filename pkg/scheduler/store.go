package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// JobStore persists recurring jobs. Implementations must be safe for
// concurrent use; the engine and the admin API share one store.
type JobStore interface {
	// Upsert inserts or fully replaces the job row.
	Upsert(ctx context.Context, job *Job) error

	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Delete removes the job. Deleting an unknown id returns ErrJobNotFound.
	Delete(ctx context.Context, id string) error

	// List returns all jobs ordered by job id.
	List(ctx context.Context) ([]*Job, error)

	// ListByStatus returns jobs with the given status ordered by next_run_at.
	ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error)
}

// MemoryStore is an in-memory JobStore for tests and for running without a
// database.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Upsert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	now := time.Now()
	if existing, ok := s.jobs[job.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status JobStatus) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].NextRunAt, out[j].NextRunAt
		switch {
		case ti == nil && tj == nil:
			return out[i].ID < out[j].ID
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})
	return out, nil
}
