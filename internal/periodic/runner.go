// Package periodic runs a task on a fixed interval in the background.
package periodic

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned by TriggerNow while a run is already in progress.
var ErrBusy = errors.New("task is already running")

// Task is one unit of periodic work. now is the scheduled time of the run.
type Task func(ctx context.Context, now time.Time) error

// Runner calls a Task every interval until stopped. Runs never overlap.
type Runner struct {
	name     string
	task     Task
	interval time.Duration
	logger   *slog.Logger

	runAtStart bool
	nowFunc    func() time.Time

	// runMu serializes task executions between the loop and TriggerNow.
	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New creates a runner. A nil logger disables logging.
func New(name string, interval time.Duration, task Task, logger *slog.Logger) *Runner {
	return &Runner{
		name:     name,
		task:     task,
		interval: interval,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// SetRunAtStart makes Start execute the task once immediately. Must be called before Start.
func (r *Runner) SetRunAtStart(v bool) {
	r.runAtStart = v
}

// SetNowFunc overrides the clock passed to the task. Must be called before Start.
func (r *Runner) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// Start begins the loop in a background goroutine and returns immediately.
// The task context is cancelled by Stop or when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	if r.interval <= 0 {
		if r.logger != nil {
			r.logger.Warn("periodic_runner_disabled", "task", r.name, "interval", r.interval)
		}
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.doneCh = make(chan struct{})

	go r.loop(loopCtx, r.doneCh)

	if r.logger != nil {
		r.logger.Debug("periodic_runner_started", "task", r.name, "interval", r.interval)
	}
}

// Stop cancels the loop and waits for any in-flight run to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh

	if r.logger != nil {
		r.logger.Debug("periodic_runner_stopped", "task", r.name)
	}
}

// IsRunning reports whether the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// TriggerNow runs the task synchronously outside the schedule.
// It returns ErrBusy if a scheduled run is in progress.
func (r *Runner) TriggerNow(ctx context.Context) error {
	if !r.runMu.TryLock() {
		return ErrBusy
	}
	defer r.runMu.Unlock()
	return r.task(ctx, r.nowFunc())
}

func (r *Runner) loop(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	if r.runAtStart {
		r.runOnce(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	if !r.runMu.TryLock() {
		if r.logger != nil {
			r.logger.Debug("periodic_run_skipped", "task", r.name, "reason", "busy")
		}
		return
	}
	defer r.runMu.Unlock()

	start := time.Now()
	err := r.task(ctx, r.nowFunc())
	if r.logger == nil {
		return
	}
	if err != nil {
		r.logger.Warn("periodic_run_failed", "task", r.name, "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("periodic_run_completed", "task", r.name, "duration", time.Since(start))
}
