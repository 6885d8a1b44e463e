// Package timer implements the one-shot timer service: ad-hoc delayed
// triggers keyed by chat channel, with JSON persistence for timers that
// survive a process restart.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nekro-agent/relay/pkg/metrics"
	"github.com/nekro-agent/relay/pkg/services"
)

// ErrPastTrigger is returned when a requested trigger time is already in
// the past. Callers that treat this as benign can match on it.
var ErrPastTrigger = errors.New("trigger time is in the past")

// Callback runs in-process when its timer fires. Timers carrying a
// callback are never persisted.
type Callback func(ctx context.Context) error

// Task is the persisted form of a pending timer.
type Task struct {
	ChatKey     string `json:"chat_key"`
	TriggerTime int64  `json:"trigger_time"`
	EventDesc   string `json:"event_desc"`
	Temporary   bool   `json:"temporary"`
}

type pendingTask struct {
	Task
	callback Callback
}

// SetOptions carries the optional SetTimer parameters.
type SetOptions struct {
	// Silent suppresses the warning log on a past trigger time.
	Silent bool
	// Override removes the channel's prior temporary timers and marks
	// the new one temporary.
	Override bool
	// Temporary marks the timer as replaceable by a later Override. On a
	// negative trigger time it instead selects which timers to clear:
	// nil clears all, otherwise only timers whose flag matches.
	Temporary *bool
	// Callback runs instead of the default reminder push. Callback
	// timers do not survive restarts.
	Callback Callback
}

// Options configures the service.
type Options struct {
	// StorePath is the JSON file holding persisted timers. Empty
	// disables persistence.
	StorePath string
	// RestartGrace is how far past due a persisted timer may be at
	// startup and still fire as a make-up reminder.
	RestartGrace time.Duration
	// TickInterval overrides the one second firing cadence in tests.
	TickInterval time.Duration
}

// Service owns the pending timer map and the tick loop.
type Service struct {
	msgs    services.MessageService
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time

	mu    sync.Mutex
	tasks map[string][]*pendingTask

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewService creates a stopped service. Call Start to load persisted
// timers and begin ticking.
func NewService(msgs services.MessageService, m *metrics.Metrics, opts Options) *Service {
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = 300 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Service{
		msgs:    msgs,
		metrics: m,
		opts:    opts,
		now:     time.Now,
		tasks:   make(map[string][]*pendingTask),
		stopCh:  make(chan struct{}),
	}
}

// Start loads persisted timers, fires or drops the ones that came due
// while the process was down, and starts the tick loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("timer service already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("failed to recover persisted timers: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("One-shot timer service started", "store", s.opts.StorePath)
	return nil
}

// Stop halts the tick loop. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SetTimer schedules a delayed trigger for chatKey.
//
//   - triggerTime < 0 clears the channel's timers, with opts.Temporary
//     selecting which ones.
//   - triggerTime == 0 schedules an immediate agent trigger.
//   - triggerTime not after now is rejected with ErrPastTrigger.
func (s *Service) SetTimer(ctx context.Context, chatKey string, triggerTime int64, eventDesc string, opts SetOptions) error {
	if triggerTime < 0 {
		s.Clear(chatKey, opts.Temporary)
		return nil
	}
	if triggerTime == 0 {
		return s.msgs.ScheduleAgentTask(ctx, chatKey)
	}
	if triggerTime <= s.now().Unix() {
		if !opts.Silent {
			slog.Warn("Rejected past trigger time",
				"chat_key", chatKey, "trigger_time", triggerTime)
		}
		return ErrPastTrigger
	}

	temporary := opts.Temporary != nil && *opts.Temporary
	if opts.Override {
		t := true
		s.Clear(chatKey, &t)
		temporary = true
	}

	s.mu.Lock()
	s.tasks[chatKey] = append(s.tasks[chatKey], &pendingTask{
		Task: Task{
			ChatKey:     chatKey,
			TriggerTime: triggerTime,
			EventDesc:   eventDesc,
			Temporary:   temporary,
		},
		callback: opts.Callback,
	})
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	slog.Debug("Timer set",
		"chat_key", chatKey,
		"trigger_time", time.Unix(triggerTime, 0).Format(time.RFC3339),
		"temporary", temporary)
	return nil
}

// Clear removes pending timers for chatKey. temporary nil removes all,
// otherwise only timers whose Temporary flag matches. Returns the number
// removed.
func (s *Service) Clear(chatKey string, temporary *bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.tasks[chatKey]
	if len(pending) == 0 {
		return 0
	}
	if temporary == nil {
		delete(s.tasks, chatKey)
		_ = s.persistLocked()
		return len(pending)
	}

	kept := pending[:0]
	removed := 0
	for _, t := range pending {
		if t.Temporary == *temporary {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		delete(s.tasks, chatKey)
	} else {
		s.tasks[chatKey] = kept
	}
	if removed > 0 {
		_ = s.persistLocked()
	}
	return removed
}

// Pending returns the number of timers waiting for chatKey.
func (s *Service) Pending(chatKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[chatKey])
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Service) fireDue(ctx context.Context) {
	nowUnix := s.now().Unix()

	s.mu.Lock()
	var due []*pendingTask
	for chatKey, pending := range s.tasks {
		kept := pending[:0]
		for _, t := range pending {
			if t.TriggerTime <= nowUnix {
				due = append(due, t)
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(s.tasks, chatKey)
		} else {
			s.tasks[chatKey] = kept
		}
	}
	if len(due) > 0 {
		_ = s.persistLocked()
	}
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t, "")
	}
}

// fire delivers one due timer. suffix is appended to the reminder text
// for make-up deliveries after a restart.
func (s *Service) fire(ctx context.Context, t *pendingTask, suffix string) {
	var err error
	switch {
	case t.callback != nil:
		err = t.callback(ctx)
	case t.EventDesc == "":
		err = s.msgs.ScheduleAgentTask(ctx, t.ChatKey)
	default:
		content := fmt.Sprintf("⏰ 定时提醒：%s%s", t.EventDesc, suffix)
		err = s.msgs.PushSystemMessage(ctx, t.ChatKey, content, true)
	}
	if err != nil {
		slog.Error("Failed to deliver timer",
			"chat_key", t.ChatKey, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.OneShotFires.Inc()
	}
	slog.Info("Timer fired", "chat_key", t.ChatKey, "event_desc", t.EventDesc)
}
