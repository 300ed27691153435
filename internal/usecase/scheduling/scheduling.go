// Package scheduling runs named tasks on cron expressions or fixed intervals.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTaskTimeout bounds a single task invocation.
const DefaultTaskTimeout = 5 * time.Minute

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Scheduler fires tasks on a recurring schedule.
type Scheduler struct {
	cron        *cron.Cron
	entries     map[string]cron.EntryID
	taskTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler creates a scheduler. taskTimeout <= 0 uses DefaultTaskTimeout.
func NewScheduler(logger *slog.Logger, taskTimeout time.Duration) *Scheduler {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Scheduler{
		cron:        cron.New(),
		entries:     make(map[string]cron.EntryID),
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// AddTask schedules fn under id. A one-shot task removes itself after its first run.
func (s *Scheduler) AddTask(id string, schedule cron.Schedule, fn TaskFunc, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}

	logger := s.logger
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "task", id)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed", "task", id, "error", err, "duration", time.Since(start))
		} else {
			logger.Debug("scheduled task completed", "task", id, "duration", time.Since(start))
		}

		if oneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		}
	}))

	s.entries[id] = entryID
	logger.Info("task scheduled", "task", id)
	return nil
}

// AddTaskSpec parses spec with ParseSchedule and schedules fn under id.
func (s *Scheduler) AddTaskSpec(id, spec string, fn TaskFunc) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", spec, id, err)
	}
	return s.AddTask(id, schedule, fn, false)
}

// RemoveTask removes a task by id.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	s.logger.Info("task removed", "task", id)
	return nil
}

// NextRun returns the next fire time of a task, or nil if it is unknown or
// the scheduler has not started.
func (s *Scheduler) NextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu to read the context, so wait outside the lock.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a five-field cron expression, a descriptor such as
// "@daily", or a positive Go duration like "15m".
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return NewConstantDelay(dur), nil
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
// Unlike cron.Every it keeps sub-second precision.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
