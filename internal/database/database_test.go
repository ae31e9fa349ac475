package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		" mysql ":    MySQL,
		"mariadb":    MySQL,
		"sqlite3":    SQLite,
	}
	for in, want := range cases {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("oracle")
	require.Error(t, err)
}

func TestConvertPlaceholders(t *testing.T) {
	q := "SELECT id FROM tickets WHERE ticket_number = $1 AND subject ILIKE $2"
	assert.Equal(t, q, Postgres.ConvertPlaceholders(q))
	assert.Equal(t, "SELECT id FROM tickets WHERE ticket_number = ? AND subject LIKE ?", MySQL.ConvertPlaceholders(q))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"references"`, Postgres.QuoteIdentifier("references"))
	assert.Equal(t, "`references`", MySQL.QuoteIdentifier("references"))
}

func TestDriverErrorClassification(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})))
	assert.False(t, IsUniqueViolation(errors.New("boom")))

	assert.True(t, IsLockTimeout(&pq.Error{Code: "55P03"}))
	assert.True(t, IsLockTimeout(&mysql.MySQLError{Number: 1205}))
	assert.False(t, IsLockTimeout(&pq.Error{Code: "23505"}))
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(context.DeadlineExceeded))
	assert.True(t, IsConnectionError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsConnectionError(errors.New("syntax error")))
}
