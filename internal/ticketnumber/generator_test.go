package ticketnumber

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx stands in for a transaction; ending it releases the locks taken through it.
type fakeTx struct {
	onEnd []func()
}

func (t *fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, nil }
func (t *fakeTx) QueryRowContext(context.Context, string, ...any) *sql.Row        { return nil }
func (t *fakeTx) finish() {
	for i := len(t.onEnd) - 1; i >= 0; i-- {
		t.onEnd[i]()
	}
	t.onEnd = nil
}

// memLock holds a mutex per day until the owning fakeTx finishes.
type memLock struct {
	mu   sync.Mutex
	days map[int64]*sync.Mutex
	err  error
}

func (l *memLock) Name() string { return "mem" }
func (l *memLock) Acquire(_ context.Context, tx Execer, day int64) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	if l.days == nil {
		l.days = make(map[int64]*sync.Mutex)
	}
	m, ok := l.days[day]
	if !ok {
		m = &sync.Mutex{}
		l.days[day] = m
	}
	l.mu.Unlock()
	m.Lock()
	ft := tx.(*fakeTx)
	ft.onEnd = append(ft.onEnd, m.Unlock)
	return nil
}
func (l *memLock) CheckCapability(context.Context, TxBeginner) error { return nil }

// memSequence plays the tickets table: insert records the number, MaxSequence scans by prefix.
type memSequence struct {
	mu      sync.Mutex
	numbers []string
	forced  int
}

func (s *memSequence) MaxSequence(_ context.Context, _ Execer, prefix string) (int, error) {
	if s.forced > 0 {
		return s.forced, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, n := range s.numbers {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		id, err := Parse(n)
		if err != nil {
			return 0, err
		}
		if id.Sequence > max {
			max = id.Sequence
		}
	}
	return max, nil
}

func (s *memSequence) insert(n string) {
	s.mu.Lock()
	s.numbers = append(s.numbers, n)
	s.mu.Unlock()
}

func fixedDay(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 15, 4, 5, 0, time.UTC) }
}

func createTicket(t *testing.T, g *Generator, seq *memSequence) string {
	t.Helper()
	tx := &fakeTx{}
	defer tx.finish()
	n, err := g.Next(context.Background(), tx)
	require.NoError(t, err)
	seq.insert(n)
	return n
}

func TestGeneratorSequentialNumbers(t *testing.T) {
	seq := &memSequence{}
	g := New(&memLock{}, seq, WithClock(fixedDay(2026, 2, 4)))

	assert.Equal(t, "TKT-20260204-0001", createTicket(t, g, seq))
	assert.Equal(t, "TKT-20260204-0002", createTicket(t, g, seq))
	assert.Equal(t, "TKT-20260204-0003", createTicket(t, g, seq))
}

func TestGeneratorResetsPerDay(t *testing.T) {
	seq := &memSequence{}
	now := fixedDay(2026, 2, 4)
	g := New(&memLock{}, seq, WithClock(func() time.Time { return now() }))
	for i := 0; i < 5; i++ {
		createTicket(t, g, seq)
	}
	now = fixedDay(2026, 2, 5)
	assert.Equal(t, "TKT-20260205-0001", createTicket(t, g, seq))
}

func TestGeneratorUsesUTCDay(t *testing.T) {
	seq := &memSequence{}
	loc := time.FixedZone("UTC+10", 10*3600)
	// 2026-02-05 08:00 at UTC+10 is still 2026-02-04 in UTC.
	g := New(&memLock{}, seq, WithClock(func() time.Time { return time.Date(2026, 2, 5, 8, 0, 0, 0, loc) }))
	assert.Equal(t, "TKT-20260204-0001", createTicket(t, g, seq))
}

func TestGeneratorConcurrentCreationIsContiguous(t *testing.T) {
	seq := &memSequence{}
	g := New(&memLock{}, seq, WithClock(fixedDay(2026, 2, 4)))

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := &fakeTx{}
			defer tx.finish()
			num, err := g.Next(context.Background(), tx)
			if err != nil {
				errs <- err
				return
			}
			seq.insert(num)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("next failed: %v", err)
	}

	got := make(map[string]struct{}, n)
	for _, num := range seq.numbers {
		_, dup := got[num]
		require.False(t, dup, "duplicate %s", num)
		got[num] = struct{}{}
	}
	for i := 1; i <= n; i++ {
		want := fmt.Sprintf("TKT-20260204-%04d", i)
		_, ok := got[want]
		assert.True(t, ok, "missing %s", want)
	}
}

func TestGeneratorLockTimeoutAssignsNothing(t *testing.T) {
	seq := &memSequence{}
	var observed error
	g := New(&memLock{err: fmt.Errorf("%w: waited 5s", ErrLockTimeout)}, seq,
		WithClock(fixedDay(2026, 2, 4)),
		WithLockObserver(func(_ string, _ time.Duration, err error) { observed = err }),
	)
	num, err := g.Next(context.Background(), &fakeTx{})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Empty(t, num)
	assert.ErrorIs(t, observed, ErrLockTimeout)
}

func TestGeneratorSequenceExhausted(t *testing.T) {
	g := New(&memLock{}, &memSequence{forced: MaxSequence}, WithClock(fixedDay(2026, 2, 4)))
	_, err := g.Next(context.Background(), &fakeTx{})
	require.ErrorIs(t, err, ErrSequenceExhausted)
}

func TestGeneratorRequiresTransaction(t *testing.T) {
	g := New(&memLock{}, &memSequence{})
	_, err := g.NextFor(context.Background(), nil, time.Now())
	require.Error(t, err)
}

func TestFormatAndParse(t *testing.T) {
	day := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "TKT-20260204-0007", Format(day, 7))
	assert.Equal(t, int64(20260204), DayKey(day))
	assert.Equal(t, "TKT-20260204-", DayPrefix(day))

	id, err := Parse("TKT-20260204-0007")
	require.NoError(t, err)
	assert.Equal(t, 7, id.Sequence)
	assert.True(t, id.Day.Equal(day))
	assert.Equal(t, "TKT-20260204-0007", id.String())

	for _, bad := range []string{"TKT-2026024-0007", "tkt-20260204-0007", "TKT-20260204-0000", "TKT-20261340-0001", "x TKT-20260204-0001"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "TKT-20260204-0007", Pattern.FindString("Re: [TKT-20260204-0007] follow up"))
}
