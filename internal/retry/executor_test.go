package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbank-platform/backend/internal/dberr"
)

func newTestExecutor(p Policy) (*Executor, *test.Hook, *[]time.Duration) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e := NewExecutor(p, logger)
	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, hook, &delays
}

var rc = Context{Operation: "find", Collection: "questions", Backend: "secondary"}

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	e, hook, delays := newTestExecutor(Policy{MaxRetries: 3, BaseDelay: time.Second, Timeout: time.Second})

	var calls int32
	got, err := Do(context.Background(), e, rc, func(ctx context.Context) ([]string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("network error: connection reset by peer")
		}
		return []string{"q1"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, got)
	assert.EqualValues(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Data["attempt"])
		assert.Equal(t, "find", entry.Data["operation"])
		assert.Contains(t, entry.Data, "elapsed_ms")
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	e, _, delays := newTestExecutor(Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, Timeout: time.Second})

	var calls int32
	err := e.Run(context.Background(), rc, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return syscall.ECONNRESET
	})

	var de *dberr.DatabaseError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Retryable)
	assert.Equal(t, 3, de.Attempts)
	assert.Equal(t, "find", de.Operation)
	assert.Equal(t, "questions", de.Collection)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.EqualValues(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestRunDoesNotRetryFatalErrors(t *testing.T) {
	e, _, _ := newTestExecutor(Policy{MaxRetries: 3, Timeout: time.Second})

	var calls int32
	err := e.Run(context.Background(), rc, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("syntax error at or near SELECT")
	})
	var de *dberr.DatabaseError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Retryable)
	assert.EqualValues(t, 1, calls)

	calls = 0
	conflict := &dberr.ConflictError{Operation: "create", Key: "id"}
	err = e.Run(context.Background(), rc, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return conflict
	})
	assert.Same(t, conflict, err)
	assert.EqualValues(t, 1, calls)
}

func TestRunTimesOut(t *testing.T) {
	e, _, _ := newTestExecutor(Policy{MaxRetries: 3, Timeout: 50 * time.Millisecond})

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	start := time.Now()
	err := e.Run(context.Background(), rc, func(ctx context.Context) error {
		<-block
		return nil
	})
	elapsed := time.Since(start)

	var te *dberr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRunRetriesTimeoutsWhenEnabled(t *testing.T) {
	e, _, _ := newTestExecutor(Policy{MaxRetries: 2, Timeout: 20 * time.Millisecond, RetryOnTimeout: true})

	var calls int32
	err := e.Run(context.Background(), rc, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	var te *dberr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, te.Attempts)
	assert.EqualValues(t, 2, calls)
}

func TestRunStopsWhenCallerCancels(t *testing.T) {
	e, _, _ := newTestExecutor(Policy{MaxRetries: 5, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	err := e.Run(ctx, rc, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return syscall.ECONNREFUSED
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, DefaultTimeout, p.Timeout)
	assert.Equal(t, DefaultPolicy().BaseDelay, time.Second)
}
