package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DB bundles a pooled connection with the dialect it speaks.
type DB struct {
	*sqlx.DB
	Dialect Dialect
}

// Wrap attaches a dialect to an existing sqlx handle. Tests use it with sqlmock.
func Wrap(db *sqlx.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Q converts a PostgreSQL-style query for the handle's dialect.
func (db *DB) Q(query string) string {
	return db.Dialect.ConvertPlaceholders(query)
}

// Open connects to the database and verifies it answers a ping.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*DB, error) {
	if dialect == SQLite {
		return nil, fmt.Errorf("open %s: driver not compiled in", dialect)
	}
	conn, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{DB: conn, Dialect: dialect}, nil
}
