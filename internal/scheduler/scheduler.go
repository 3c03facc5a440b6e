// Package scheduler runs the daemon's recurring tasks: telemetry flushes and
// remote config refreshes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Task is one unit of recurring work.
type Task func(ctx context.Context) error

// Scheduler fires registered tasks at fixed intervals. A task that is still
// running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	cron   *rcron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]rcron.EntryID
}

// New creates an idle Scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron:    rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger))),
		logger:  slog.Default(),
		ctx:     context.Background(),
		entries: make(map[string]rcron.EntryID),
	}
}

// Every registers fn to run every interval. Intervals are rounded down to
// whole seconds with a one second minimum. Registering a name twice replaces
// the earlier task.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	id := s.cron.Schedule(rcron.Every(interval), rcron.FuncJob(func() {
		s.execute(name, fn)
	}))
	s.entries[name] = id
	return nil
}

func (s *Scheduler) execute(name string, fn Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Warn("scheduled task failed", "task", name, "error", err)
		return
	}
	s.logger.Debug("scheduled task done", "task", name, "took", time.Since(start))
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits up to
// five seconds for running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", n)

	<-ctx.Done()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler stop timed out waiting for running tasks")
	}
	s.logger.Info("scheduler stopped")
}
