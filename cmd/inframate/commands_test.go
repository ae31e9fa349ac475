package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arcneell/Inframate/internal/config"
	"github.com/Arcneell/Inframate/internal/email/inbound/postmaster"
	"github.com/Arcneell/Inframate/internal/metrics"
	"github.com/Arcneell/Inframate/internal/ticketnumber"
)

type noopLock struct{}

func (noopLock) Name() string                                                   { return "noop" }
func (noopLock) Acquire(context.Context, ticketnumber.Execer, int64) error      { return nil }
func (noopLock) CheckCapability(context.Context, ticketnumber.TxBeginner) error { return nil }

type sequenceAt int

func (s sequenceAt) MaxSequence(context.Context, ticketnumber.Execer, string) (int, error) {
	return int(s), nil
}

func TestPeekNumberRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	gen := ticketnumber.New(noopLock{}, sequenceAt(11))
	number, err := peekNumber(context.Background(), db, gen, time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "TKT-20261016-0012", number)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type countingPoller struct{ calls int }

func (p *countingPoller) PollAll(context.Context) (postmaster.Summary, error) {
	p.calls++
	return postmaster.Summary{Mailboxes: 1, Fetched: 2}, nil
}

func TestPollOnceChecksSequenceLockFirst(t *testing.T) {
	p := &countingPoller{}
	var out bytes.Buffer
	unsafe := func(context.Context) error { return ticketnumber.ErrUnsafeBackend }

	err := pollOnce(context.Background(), unsafe, p, &out)
	require.ErrorIs(t, err, ticketnumber.ErrUnsafeBackend)
	assert.Zero(t, p.calls)
	assert.Empty(t, out.String())

	ok := func(context.Context) error { return nil }
	require.NoError(t, pollOnce(context.Background(), ok, p, &out))
	assert.Equal(t, 1, p.calls)
	assert.Contains(t, out.String(), `"fetched": 2`)
}

func TestPrintJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"fetched": 2}))
	assert.Equal(t, "{\n  \"fetched\": 2\n}\n", buf.String())
}

func TestMetricsForRespectsConfig(t *testing.T) {
	a := &app{metrics: &metrics.Metrics{}}

	cfg = &config.Config{}
	assert.Nil(t, metricsFor(a))

	cfg.Metrics.Enabled = true
	assert.Same(t, a.metrics, metricsFor(a))
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "poll", "retry", "test-config", "check-db", "next-number", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestVersionSkipsSetup(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "inframate dev")
}
