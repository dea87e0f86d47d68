// Package worker runs the periodic background tasks of the truth layer:
// draining the upload retry queue, timing out interpretations whose
// heartbeat lapsed, and pruning old quota counters.
//
// Each task exposes a single-pass method (ProcessOnce, ReapOnce, RollOnce)
// that tests call directly. Runner drives them on tickers.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner runs Tasks until its context is cancelled.
//
// A task error is logged and the task runs again on its next tick; one
// failing task never stops the others.
type Runner struct {
	tasks  []Task
	logger *slog.Logger
}

// NewRunner creates a Runner. Tasks with a non-positive interval are skipped.
func NewRunner(logger *slog.Logger, tasks ...Task) *Runner {
	r := &Runner{logger: logger}
	for _, t := range tasks {
		if t.Interval > 0 {
			r.tasks = append(r.tasks, t)
		}
	}
	return r
}

// Tasks returns the scheduled tasks.
func (r *Runner) Tasks() []Task { return r.tasks }

// Run starts every task, once immediately and then on each tick, and blocks
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		g.Go(func() error {
			r.loop(ctx, t)
			return nil
		})
	}
	r.logger.Info("workers started", "tasks", len(r.tasks))
	err := g.Wait()
	r.logger.Info("workers stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		r.once(ctx, t)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) once(ctx context.Context, t Task) {
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("worker task failed", "task", t.Name, "error", err)
	}
}
