package ticketnumber

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSequenceExhausted is returned once a day has used all 9999 numbers.
var ErrSequenceExhausted = errors.New("ticket number sequence exhausted for day")

// Generator assigns TKT-YYYYMMDD-NNNN identifiers inside the caller's transaction.
type Generator struct {
	lock   DayLock
	store  SequenceStore
	now    func() time.Time
	logger *slog.Logger
	onWait func(lock string, waited time.Duration, err error)
}

// Option customizes a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger overrides the logger used for lock diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithLockObserver receives how long each lock acquisition took.
func WithLockObserver(fn func(lock string, waited time.Duration, err error)) Option {
	return func(g *Generator) {
		g.onWait = fn
	}
}

// New builds a generator over the given lock and sequence store.
func New(lock DayLock, store SequenceStore, opts ...Option) *Generator {
	g := &Generator{
		lock:   lock,
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// LockName reports the configured lock backend.
func (g *Generator) LockName() string { return g.lock.Name() }

// Next assigns the next identifier for the current UTC day.
func (g *Generator) Next(ctx context.Context, tx Execer) (string, error) {
	return g.NextFor(ctx, tx, g.now())
}

// NextFor assigns the next identifier for the UTC day of today. It must run in
// the transaction that inserts the ticket row; the day lock is released when
// that transaction ends.
func (g *Generator) NextFor(ctx context.Context, tx Execer, today time.Time) (string, error) {
	if tx == nil {
		return "", errors.New("ticket number requires a transaction")
	}
	day := today.UTC()
	key := DayKey(day)

	start := time.Now()
	err := g.lock.Acquire(ctx, tx, key)
	if g.onWait != nil {
		g.onWait(g.lock.Name(), time.Since(start), err)
	}
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			g.logger.Warn("ticket number lock timeout", "day", key, "lock", g.lock.Name())
		}
		return "", err
	}

	max, err := g.store.MaxSequence(ctx, tx, DayPrefix(day))
	if err != nil {
		return "", err
	}
	if max >= MaxSequence {
		return "", fmt.Errorf("%w: %d", ErrSequenceExhausted, key)
	}
	return Format(day, max+1), nil
}

// InsertFunc writes the ticket row using the assigned number.
type InsertFunc func(ctx context.Context, tx *sql.Tx, number string) error

// Assign runs Next and insert in one transaction and commits. Any error rolls
// back, so no number is ever half-assigned. ErrLockTimeout is returned as-is
// for the caller to retry.
func (g *Generator) Assign(ctx context.Context, db TxBeginner, insert InsertFunc) (number string, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin ticket transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	number, err = g.Next(ctx, tx)
	if err != nil {
		return "", err
	}
	if err = insert(ctx, tx, number); err != nil {
		return "", fmt.Errorf("insert ticket %s: %w", number, err)
	}
	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit ticket %s: %w", number, err)
	}
	return number, nil
}
