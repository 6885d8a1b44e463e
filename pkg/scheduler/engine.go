package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nekro-agent/relay/pkg/metrics"
	"github.com/nekro-agent/relay/pkg/services"
)

// entry is one scheduled occurrence in the heap. A version mismatch against
// the engine's version map marks the entry stale; the loop discards it
// lazily instead of searching the heap on every mutation.
type entry struct {
	at      time.Time
	jobID   string
	version uint64
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Options configures engine thresholds.
type Options struct {
	// MaxConsecutiveFailures is the auto-pause threshold.
	MaxConsecutiveFailures int

	// DefaultMisfireGrace applies to jobs upserted without an explicit
	// grace window. Zero keeps the built-in 300 second default.
	DefaultMisfireGrace time.Duration
}

// Engine drives recurring jobs. It owns the scheduling heap; callers mutate
// scheduling state only through its public API.
type Engine struct {
	store   JobStore
	msgs    services.MessageService
	oracle  WorkdayOracle
	metrics *metrics.Metrics
	opts    Options

	// now is the clock; overridden in tests.
	now func() time.Time

	mu       sync.Mutex
	heap     entryHeap
	versions map[string]uint64
	started  bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an Engine. oracle may be nil, in which case the Chinese
// workday modes fall back to plain weekday rules. m may be nil in tests.
func NewEngine(store JobStore, msgs services.MessageService, oracle WorkdayOracle, m *metrics.Metrics, opts Options) *Engine {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	return &Engine{
		store:    store,
		msgs:     msgs,
		oracle:   oracle,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		versions: make(map[string]uint64),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start loads active jobs from the store, schedules them, and starts the run
// loop. Safe to call once; subsequent calls are no-ops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		slog.Warn("Recurring engine already started, ignoring duplicate Start call")
		return nil
	}
	e.started = true
	e.mu.Unlock()

	jobs, err := e.store.ListByStatus(ctx, StatusActive)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	for _, job := range jobs {
		if job.NextRunAt == nil {
			next, err := NextRun(ctx, job, e.now(), e.oracle)
			if err != nil {
				slog.Error("Skipping job with uncomputable schedule",
					"job_id", job.ID, "error", err)
				continue
			}
			job.NextRunAt = &next
			if err := e.store.Upsert(ctx, job); err != nil {
				slog.Error("Failed to persist recovered next_run_at",
					"job_id", job.ID, "error", err)
			}
		}
		e.schedule(job.ID, *job.NextRunAt)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()

	slog.Info("Recurring engine started", "jobs", len(jobs))
	return nil
}

// Stop terminates the run loop and waits for it. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// run is the event-driven main loop: sleep until the earliest live entry is
// due (or a wakeup arrives), then fire it.
func (e *Engine) run(ctx context.Context) {
	for {
		e.mu.Lock()
		e.dropStaleLocked()
		var delay time.Duration
		hasNext := len(e.heap) > 0
		if hasNext {
			delay = e.heap[0].at.Sub(e.now())
		}
		e.mu.Unlock()

		if !hasNext {
			select {
			case <-e.stopCh:
				return
			case <-e.wake:
				continue
			}
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-e.stopCh:
				timer.Stop()
				return
			case <-e.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		e.mu.Lock()
		e.dropStaleLocked()
		if len(e.heap) == 0 || e.heap[0].at.After(e.now()) {
			e.mu.Unlock()
			continue
		}
		due := heap.Pop(&e.heap).(entry)
		e.mu.Unlock()

		e.fire(ctx, due)
	}
}

// fire executes one due occurrence.
func (e *Engine) fire(ctx context.Context, due entry) {
	job, err := e.store.Get(ctx, due.jobID)
	if err != nil {
		slog.Warn("Due job no longer in store", "job_id", due.jobID, "error", err)
		return
	}
	if job.Status != StatusActive {
		return
	}

	firedAt := e.now().In(job.Location())
	late := firedAt.Sub(due.at)
	isMisfire := late > time.Second

	shouldFire := true
	if isMisfire {
		switch job.MisfirePolicy {
		case MisfireSkip:
			shouldFire = false
		case MisfireFireOnce:
			shouldFire = late <= job.grace()
		}
		if !shouldFire {
			slog.Warn("Dropping missed occurrence",
				"job_id", job.ID, "scheduled", due.at, "late", late,
				"policy", job.MisfirePolicy)
			e.countFire("skipped_misfire")
		}
	}

	if !shouldFire {
		e.reschedule(ctx, job)
		return
	}

	if err := e.msgs.PushSystemMessage(ctx, job.ChatKey,
		fmt.Sprintf("⏰ 定时任务 [%s] 触发", job.ID), true); err != nil {
		e.handleFireError(ctx, job, err)
		return
	}

	e.countFire("success")
	job.ConsecutiveFailures = 0
	job.LastError = ""
	job.LastRunAt = &firedAt
	e.reschedule(ctx, job)
}

// reschedule computes and persists the next occurrence, then reinserts the
// job into the heap with a fresh version.
func (e *Engine) reschedule(ctx context.Context, job *Job) {
	next, err := NextRun(ctx, job, e.now(), e.oracle)
	if err != nil {
		slog.Error("Failed to compute next run, job left unscheduled",
			"job_id", job.ID, "error", err)
		job.NextRunAt = nil
		job.LastError = err.Error()
		if perr := e.store.Upsert(ctx, job); perr != nil {
			slog.Error("Failed to persist job", "job_id", job.ID, "error", perr)
		}
		e.invalidate(job.ID)
		return
	}
	job.NextRunAt = &next
	if err := e.store.Upsert(ctx, job); err != nil {
		slog.Error("Failed to persist job", "job_id", job.ID, "error", err)
	}
	e.schedule(job.ID, next)
}

// handleFireError records a failed firing and auto-pauses the job once it
// reaches the consecutive-failure threshold.
func (e *Engine) handleFireError(ctx context.Context, job *Job, fireErr error) {
	job.ConsecutiveFailures++
	job.LastError = fireErr.Error()
	slog.Error("Recurring job firing failed",
		"job_id", job.ID, "chat_key", job.ChatKey,
		"consecutive_failures", job.ConsecutiveFailures, "error", fireErr)

	if job.ConsecutiveFailures >= e.opts.MaxConsecutiveFailures {
		now := e.now()
		job.Status = StatusPaused
		job.PausedNoticeSentAt = &now
		if err := e.store.Upsert(ctx, job); err != nil {
			slog.Error("Failed to persist auto-paused job", "job_id", job.ID, "error", err)
		}
		e.invalidate(job.ID)
		e.countFire("autopause")

		// One-shot user-visible notice; best effort since delivery to the
		// same channel just failed.
		notice := fmt.Sprintf(
			"⚠️ 定时任务 [%s] 连续失败 %d 次，已自动暂停。最后错误：%s。恢复后将重新计算下次执行时间。",
			job.ID, job.ConsecutiveFailures, job.LastError)
		if err := e.msgs.PushSystemMessage(ctx, job.ChatKey, notice, false); err != nil {
			slog.Warn("Failed to deliver auto-pause notice", "job_id", job.ID, "error", err)
		}
		return
	}

	e.countFire("failure")
	e.reschedule(ctx, job)
}

// --- Public operations ---

// Upsert validates the job, computes its next occurrence, persists it, and
// (when active) schedules it.
func (e *Engine) Upsert(ctx context.Context, job *Job) (*Job, error) {
	if job.MisfireGraceSeconds == 0 && e.opts.DefaultMisfireGrace > 0 {
		job.MisfireGraceSeconds = int(e.opts.DefaultMisfireGrace / time.Second)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if job.Status == StatusActive {
		next, err := NextRun(ctx, job, e.now(), e.oracle)
		if err != nil {
			return nil, NewValidationError("cron_expr", err.Error())
		}
		job.NextRunAt = &next
	} else {
		job.NextRunAt = nil
	}

	if err := e.store.Upsert(ctx, job); err != nil {
		return nil, err
	}

	if job.Status == StatusActive {
		e.schedule(job.ID, *job.NextRunAt)
	} else {
		e.invalidate(job.ID)
	}
	return job, nil
}

// Pause stops future firings without deleting the job.
func (e *Engine) Pause(ctx context.Context, id string) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = StatusPaused
	job.NextRunAt = nil
	if err := e.store.Upsert(ctx, job); err != nil {
		return nil, err
	}
	e.invalidate(id)
	return job, nil
}

// Resume reactivates a paused job with cleared failure state and a freshly
// computed next occurrence.
func (e *Engine) Resume(ctx context.Context, id string) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = StatusActive
	job.ConsecutiveFailures = 0
	job.LastError = ""
	job.PausedNoticeSentAt = nil

	next, err := NextRun(ctx, job, e.now(), e.oracle)
	if err != nil {
		return nil, NewValidationError("cron_expr", err.Error())
	}
	job.NextRunAt = &next

	if err := e.store.Upsert(ctx, job); err != nil {
		return nil, err
	}
	e.schedule(id, next)
	return job, nil
}

// Delete removes the job and invalidates any pending heap entry.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.invalidate(id)
	return nil
}

// RunNow fires the job immediately without shifting its schedule.
func (e *Engine) RunNow(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.msgs.PushSystemMessage(ctx, job.ChatKey,
		fmt.Sprintf("⏰ 定时任务 [%s] 触发", job.ID), true); err != nil {
		return fmt.Errorf("run job %s now: %w", id, err)
	}
	e.countFire("manual")
	return nil
}

// Get returns one job.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.store.Get(ctx, id)
}

// List returns all jobs.
func (e *Engine) List(ctx context.Context) ([]*Job, error) {
	return e.store.List(ctx)
}

// Summarize reports active/paused counts plus the next and most recent
// occurrences, capped at limit entries each.
func (e *Engine) Summarize(ctx context.Context, limit int) (*Summary, error) {
	if limit <= 0 {
		limit = 5
	}
	jobs, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{}
	var upcoming, recent []*Job
	for _, job := range jobs {
		switch job.Status {
		case StatusActive:
			s.ActiveJobs++
			if job.NextRunAt != nil {
				upcoming = append(upcoming, job)
			}
		case StatusPaused:
			s.PausedJobs++
		}
		if job.LastRunAt != nil {
			recent = append(recent, job)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].NextRunAt.Before(*upcoming[j].NextRunAt) })
	sort.Slice(recent, func(i, j int) bool { return recent[i].LastRunAt.After(*recent[j].LastRunAt) })
	if len(upcoming) > limit {
		upcoming = upcoming[:limit]
	}
	if len(recent) > limit {
		recent = recent[:limit]
	}
	s.Upcoming = upcoming
	s.Recent = recent

	e.mu.Lock()
	e.dropStaleLocked()
	if len(e.heap) > 0 {
		t := e.heap[0].at
		s.NextWakeup = &t
	}
	e.mu.Unlock()
	return s, nil
}

// --- Heap/version bookkeeping ---

// schedule inserts a fresh heap entry for the job and signals the loop.
func (e *Engine) schedule(jobID string, at time.Time) {
	e.mu.Lock()
	e.versions[jobID]++
	heap.Push(&e.heap, entry{at: at, jobID: jobID, version: e.versions[jobID]})
	e.mu.Unlock()
	e.signalWake()
}

// invalidate marks any pending entry for the job stale and signals the loop.
func (e *Engine) invalidate(jobID string) {
	e.mu.Lock()
	e.versions[jobID]++
	e.mu.Unlock()
	e.signalWake()
}

// dropStaleLocked pops version-mismatched entries off the heap top.
// Caller holds e.mu.
func (e *Engine) dropStaleLocked() {
	for len(e.heap) > 0 && e.heap[0].version != e.versions[e.heap[0].jobID] {
		heap.Pop(&e.heap)
	}
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) countFire(outcome string) {
	if e.metrics != nil {
		e.metrics.JobFires.WithLabelValues(outcome).Inc()
	}
}
