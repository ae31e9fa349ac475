package outbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/Arcneell/Inframate/internal/mailstore"
	"github.com/Arcneell/Inframate/internal/metrics"
)

const (
	// MaxRetries is the number of resend attempts after the first failure.
	MaxRetries = 5
	// RetryDelayBase is the first backoff step.
	RetryDelayBase = 5 * time.Minute
)

// Backoff returns the delay before the nth retry: 5m, 25m, 125m and so on.
func Backoff(attempt int) time.Duration {
	delay := RetryDelayBase
	for i := 1; i < attempt; i++ {
		delay *= 5
	}
	return delay
}

// RetryLog is the part of the send log used by Retrier.
type RetryLog interface {
	RetryCandidates(ctx context.Context, maxRetries int, backoff func(int) time.Duration, limit int) ([]*mailstore.SentEmail, error)
	BeginRetry(ctx context.Context, id int64) (bool, error)
}

// Resender delivers a recorded message again.
type Resender interface {
	Resend(ctx context.Context, rec *mailstore.SentEmail) error
}

// RetryStats summarises one retry pass.
type RetryStats struct {
	Attempted int
	Sent      int
	Failed    int
	Skipped   int
}

// Retrier resends failed messages whose backoff has elapsed.
type Retrier struct {
	log        RetryLog
	sender     Resender
	maxRetries int
	batch      int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRetrier builds a retrier. maxRetries <= 0 uses MaxRetries.
func NewRetrier(log RetryLog, sender Resender, maxRetries, batch int, logger *slog.Logger, m *metrics.Metrics) *Retrier {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{log: log, sender: sender, maxRetries: maxRetries, batch: batch, logger: logger, metrics: m}
}

// RetryFailed runs one pass. A record claimed by another worker is skipped.
func (r *Retrier) RetryFailed(ctx context.Context) (RetryStats, error) {
	var stats RetryStats
	candidates, err := r.log.RetryCandidates(ctx, r.maxRetries, Backoff, r.batch)
	if err != nil {
		return stats, err
	}
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		claimed, err := r.log.BeginRetry(ctx, rec.ID)
		if err != nil {
			return stats, err
		}
		if !claimed {
			stats.Skipped++
			continue
		}
		stats.Attempted++
		if err := r.sender.Resend(ctx, rec); err != nil {
			stats.Failed++
			r.metrics.ObserveRetry("failed")
			r.logger.Warn("email retry failed",
				"message_id", rec.MessageID, "attempt", rec.RetryCount+1, "max", r.maxRetries, "error", err)
			continue
		}
		stats.Sent++
		r.metrics.ObserveRetry("sent")
	}
	return stats, nil
}
