// Package runner schedules the background email tasks on cron expressions.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner manages and executes scheduled background tasks.
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewRunner creates a runner. Schedules use the six-field form with seconds.
// A run that is still going when its next tick fires makes that tick skip.
func NewRunner(registry *TaskRegistry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner")
	cl := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		registry: registry,
		logger:   logger,
	}
}

// Start schedules every registered task and blocks until ctx is done, then
// waits for running tasks to finish.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.schedule(ctx); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("task runner started", "tasks", len(r.registry.All()))

	<-ctx.Done()
	r.Stop()
	return nil
}

func (r *Runner) schedule(ctx context.Context) error {
	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		if task.Schedule() == "" {
			continue
		}
		r.logger.Info("registering task", "task", name, "schedule", task.Schedule())
		if _, err := r.cron.AddFunc(task.Schedule(), func() { r.executeTask(ctx, task) }); err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}
	return nil
}

// RunOnce executes a registered task immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with its timeout.
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	start := time.Now()
	err := task.Run(taskCtx)
	took := time.Since(start)
	if err != nil {
		r.logger.Error("task failed", "task", task.Name(), "duration", took, "error", err)
		return err
	}
	r.logger.Debug("task completed", "task", task.Name(), "duration", took)
	return nil
}

// Stop stops the scheduler and waits for running tasks.
func (r *Runner) Stop() {
	done := r.cron.Stop()
	r.wg.Wait()
	<-done.Done()
	r.logger.Info("task runner stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
