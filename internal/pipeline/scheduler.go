package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often the background worker checks for due
// tasks.
const DefaultPollInterval = 1 * time.Second

// TaskFunc is one unit of schedulable work.
type TaskFunc func(ctx context.Context) error

// ScheduleConfig controls time-based triggering. A zero Interval means the
// task only runs when executed explicitly.
type ScheduleConfig struct {
	Interval time.Duration
}

// RetryConfig bounds retry behavior for one task. Nil means a single
// attempt with the failure propagated directly.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

type scheduledTask struct {
	id       string
	fn       TaskFunc
	schedule ScheduleConfig
	retry    *RetryConfig
	nextRun  time.Time
}

// Scheduler runs tasks on one dedicated background polling loop. Task
// functions execute synchronously on that loop; there is no task-level
// parallelism unless a task parallelizes internally.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*scheduledTask
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	// onResult, when set, observes every timer-triggered execution.
	onResult func(id string, err error, start, end time.Time)

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewScheduler(pollInterval time.Duration, log *zap.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		tasks:    make(map[string]*scheduledTask),
		interval: pollInterval,
		log:      log,
		now:      time.Now,
	}
}

// SetOnResult installs an observer for timer-triggered executions. The
// runner uses this to append execution records.
func (s *Scheduler) SetOnResult(fn func(id string, err error, start, end time.Time)) {
	s.mu.Lock()
	s.onResult = fn
	s.mu.Unlock()
}

// ScheduleTask registers a task function with its trigger and retry policy.
func (s *Scheduler) ScheduleTask(id string, fn TaskFunc, schedule ScheduleConfig, retry *RetryConfig) error {
	if fn == nil {
		return fmt.Errorf("task %s has no function", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("task %s already scheduled", id)
	}
	t := &scheduledTask{id: id, fn: fn, schedule: schedule, retry: retry}
	if schedule.Interval > 0 {
		t.nextRun = s.now()
	}
	s.tasks[id] = t
	return nil
}

// ExecuteTask runs one task now, applying its retry policy. With no retry
// config there is exactly one attempt. Otherwise the task is retried up to
// MaxAttempts with a sleep of min(delay, MaxDelay) between attempts, the
// delay multiplying by BackoffFactor after each failure; the final failing
// attempt's error is surfaced.
func (s *Scheduler) ExecuteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not scheduled", id)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t *scheduledTask) error {
	if t.retry == nil || t.retry.MaxAttempts <= 1 {
		return t.fn(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.retry.InitialDelay
	policy.MaxInterval = t.retry.MaxDelay
	policy.Multiplier = t.retry.BackoffFactor
	// No jitter: the delay contract is exactly min(initial*factor^n, max).
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := t.fn(ctx)
		if err != nil && attempt < t.retry.MaxAttempts {
			s.log.Warn("task attempt failed, will retry",
				zap.String("task", t.id),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", t.retry.MaxAttempts),
				zap.Error(err))
		}
		return err
	}
	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.retry.MaxAttempts-1)), ctx))
}

// Start launches the polling loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
	s.log.Info("scheduler started", zap.Duration("poll_interval", s.interval))
}

// Stop signals the worker and waits for it to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*scheduledTask
	for _, t := range s.tasks {
		if t.schedule.Interval > 0 && !t.nextRun.IsZero() && !now.Before(t.nextRun) {
			due = append(due, t)
			t.nextRun = now.Add(t.schedule.Interval)
		}
	}
	onResult := s.onResult
	s.mu.Unlock()

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		start := s.now()
		err := s.run(ctx, t)
		end := s.now()
		if err != nil {
			s.log.Error("scheduled task failed",
				zap.String("task", t.id),
				zap.Duration("duration", end.Sub(start)),
				zap.Error(err))
		} else {
			s.log.Info("scheduled task completed",
				zap.String("task", t.id),
				zap.Duration("duration", end.Sub(start)))
		}
		if onResult != nil {
			onResult(t.id, err, start, end)
		}
	}
}
