// Package tasks holds the scheduled email jobs.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Arcneell/Inframate/internal/email/inbound/postmaster"
	"github.com/Arcneell/Inframate/internal/email/outbound"
	"github.com/Arcneell/Inframate/internal/runner"
)

const (
	// PollTaskName is the registry name of the inbound poll job.
	PollTaskName = "email-poll"
	// RetryTaskName is the registry name of the outbound retry job.
	RetryTaskName = "email-retry"

	DefaultPollSchedule  = "0 */2 * * * *"
	DefaultRetrySchedule = "0 */5 * * * *"
)

// Poller polls every inbound mailbox.
type Poller interface {
	PollAll(ctx context.Context) (postmaster.Summary, error)
}

// RetryRunner resends failed outbound messages.
type RetryRunner interface {
	RetryFailed(ctx context.Context) (outbound.RetryStats, error)
}

// PollTask runs the postmaster on a schedule.
type PollTask struct {
	poller   Poller
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPollTask builds the poll job. An empty schedule uses DefaultPollSchedule.
func NewPollTask(p Poller, schedule string, timeout time.Duration, logger *slog.Logger) runner.Task {
	if schedule == "" {
		schedule = DefaultPollSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollTask{poller: p, schedule: schedule, timeout: timeout, logger: logger.With("task", PollTaskName)}
}

func (t *PollTask) Name() string           { return PollTaskName }
func (t *PollTask) Schedule() string       { return t.schedule }
func (t *PollTask) Timeout() time.Duration { return t.timeout }

// Run polls all mailboxes once. Individual mailbox failures are counted in
// the summary; only a failure to list the mailboxes fails the run.
func (t *PollTask) Run(ctx context.Context) error {
	sum, err := t.poller.PollAll(ctx)
	if err != nil {
		return fmt.Errorf("poll mailboxes: %w", err)
	}
	if sum.Fetched > 0 || sum.Failed > 0 {
		t.logger.Info("mailboxes polled",
			"mailboxes", sum.Mailboxes,
			"fetched", sum.Fetched,
			"stored", sum.Stored,
			"duplicates", sum.Duplicates,
			"replies", sum.Replies,
			"new_tickets", sum.NewTickets,
			"failed", sum.Failed,
		)
	}
	return nil
}

// RetryTask resends failed outbound messages on a schedule.
type RetryTask struct {
	retrier  RetryRunner
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRetryTask builds the retry job. An empty schedule uses
// DefaultRetrySchedule.
func NewRetryTask(r RetryRunner, schedule string, timeout time.Duration, logger *slog.Logger) runner.Task {
	if schedule == "" {
		schedule = DefaultRetrySchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryTask{retrier: r, schedule: schedule, timeout: timeout, logger: logger.With("task", RetryTaskName)}
}

func (t *RetryTask) Name() string           { return RetryTaskName }
func (t *RetryTask) Schedule() string       { return t.schedule }
func (t *RetryTask) Timeout() time.Duration { return t.timeout }

// Run performs one retry pass.
func (t *RetryTask) Run(ctx context.Context) error {
	stats, err := t.retrier.RetryFailed(ctx)
	if err != nil {
		return fmt.Errorf("retry failed emails: %w", err)
	}
	if stats.Attempted > 0 {
		t.logger.Info("failed emails retried",
			"attempted", stats.Attempted, "sent", stats.Sent, "failed", stats.Failed, "skipped", stats.Skipped)
	}
	return nil
}
