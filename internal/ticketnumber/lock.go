package ticketnumber

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Arcneell/Inframate/internal/database"
)

var (
	// ErrLockTimeout means the per-day lock could not be taken in time. The
	// enclosing transaction is unusable and the caller should retry it.
	ErrLockTimeout = errors.New("ticket number lock timeout")
	// ErrUnsafeBackend means the database offers no transaction-scoped lock and
	// ticket creation must not run against it.
	ErrUnsafeBackend = errors.New("database backend cannot serialize ticket numbering")
)

// Execer is the subset of *sql.Tx / *sqlx.Tx the generator needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner opens transactions; *sql.DB satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DayLock serializes sequence computation for one calendar day. The lock is
// held until the transaction passed to Acquire ends.
type DayLock interface {
	Name() string
	Acquire(ctx context.Context, tx Execer, day int64) error
	// CheckCapability proves at startup that Acquire works against db.
	CheckCapability(ctx context.Context, db TxBeginner) error
}

// AdvisoryLock uses pg_advisory_xact_lock keyed by YYYYMMDD.
type AdvisoryLock struct {
	Timeout time.Duration
}

func (AdvisoryLock) Name() string { return "postgres-advisory" }

func (l AdvisoryLock) Acquire(ctx context.Context, tx Execer, day int64) error {
	if l.Timeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.Timeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, day); err != nil {
		return classifyLockErr(err)
	}
	return nil
}

func (l AdvisoryLock) CheckCapability(ctx context.Context, db TxBeginner) error {
	return tryInTx(ctx, db, func(tx *sql.Tx) error {
		return l.Acquire(ctx, tx, 0)
	})
}

// RowLock locks a per-day row in ticket_sequence_locks with SELECT ... FOR UPDATE.
// It works on any engine with row-level locking (MySQL/InnoDB, PostgreSQL).
type RowLock struct {
	Dialect database.Dialect
	Timeout time.Duration
}

func (l RowLock) Name() string { return "counter-row" }

func (l RowLock) Acquire(ctx context.Context, tx Execer, day int64) (err error) {
	if l.Timeout > 0 {
		if l.Dialect == database.MySQL {
			restore, serr := l.setMySQLLockWait(ctx, tx)
			if serr != nil {
				return serr
			}
			defer func() {
				if rerr := restore(); rerr != nil && err == nil {
					err = rerr
				}
			}()
		} else if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.Timeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}
	insert := `INSERT INTO ticket_sequence_locks (day) VALUES ($1) ON CONFLICT (day) DO NOTHING`
	if l.Dialect == database.MySQL {
		insert = `INSERT IGNORE INTO ticket_sequence_locks (day) VALUES ($1)`
	}
	if _, err := tx.ExecContext(ctx, l.Dialect.ConvertPlaceholders(insert), day); err != nil {
		return classifyLockErr(err)
	}
	var locked int64
	row := tx.QueryRowContext(ctx, l.Dialect.ConvertPlaceholders(`SELECT day FROM ticket_sequence_locks WHERE day = $1 FOR UPDATE`), day)
	if err := row.Scan(&locked); err != nil {
		return classifyLockErr(err)
	}
	return nil
}

// setMySQLLockWait applies Timeout to innodb_lock_wait_timeout and returns
// a func that puts the previous value back. The variable is session scoped
// and would otherwise stay on the pooled connection after the transaction.
func (l RowLock) setMySQLLockWait(ctx context.Context, tx Execer) (func() error, error) {
	var prev int64
	if err := tx.QueryRowContext(ctx, `SELECT @@SESSION.innodb_lock_wait_timeout`).Scan(&prev); err != nil {
		return nil, fmt.Errorf("read lock timeout: %w", err)
	}
	secs := int64(l.Timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	return func() error {
		if _, err := tx.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", prev)); err != nil {
			return fmt.Errorf("restore lock timeout: %w", err)
		}
		return nil
	}, nil
}

func (l RowLock) CheckCapability(ctx context.Context, db TxBeginner) error {
	return tryInTx(ctx, db, func(tx *sql.Tx) error {
		var locked int64
		err := tx.QueryRowContext(ctx, l.Dialect.ConvertPlaceholders(`SELECT day FROM ticket_sequence_locks WHERE day = $1 FOR UPDATE`), int64(0)).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
}

// ResolveLock picks the lock for a dialect. backend may force "advisory" or "row";
// empty selects the dialect default. SQLite and unknown engines are refused.
func ResolveLock(dialect database.Dialect, backend string, timeout time.Duration) (DayLock, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "auto":
	case "advisory":
		if dialect != database.Postgres {
			return nil, fmt.Errorf("%w: advisory locks require postgres, got %s", ErrUnsafeBackend, dialect)
		}
		return AdvisoryLock{Timeout: timeout}, nil
	case "row":
		if dialect == database.SQLite {
			return nil, fmt.Errorf("%w: %s has no row locks", ErrUnsafeBackend, dialect)
		}
		return RowLock{Dialect: dialect, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown ticket lock backend %q", backend)
	}
	switch dialect {
	case database.Postgres:
		return AdvisoryLock{Timeout: timeout}, nil
	case database.MySQL:
		return RowLock{Dialect: dialect, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsafeBackend, dialect)
	}
}

func tryInTx(ctx context.Context, db TxBeginner, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("capability check begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeBackend, err)
	}
	return nil
}

func classifyLockErr(err error) error {
	if database.IsLockTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return fmt.Errorf("acquire day lock: %w", err)
}
