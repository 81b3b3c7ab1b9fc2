package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbank-platform/backend/internal/backend/memstore"
	"github.com/qbank-platform/backend/internal/logging"
	"github.com/qbank-platform/backend/internal/retry"
	"github.com/qbank-platform/backend/internal/storage"
)

type stubProber struct {
	mu    sync.Mutex
	calls int
	h     storage.Health
}

func (s *stubProber) HealthCheck(ctx context.Context) storage.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.h
}

func (s *stubProber) set(h storage.Health) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *stubProber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestLatestBeforeFirstProbe(t *testing.T) {
	m := NewMonitor(&stubProber{}, 0, logging.Discard())
	assert.Equal(t, DefaultInterval, m.interval)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestCheckNowOverwritesSnapshot(t *testing.T) {
	prober := &stubProber{h: storage.Health{PrimaryUp: true, SecondaryUp: true}}
	logger, hook := test.NewNullLogger()
	m := NewMonitor(prober, time.Minute, logger)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	got := m.CheckNow(context.Background())
	assert.True(t, got.PrimaryUp)
	assert.Equal(t, at, got.LastCheckedAt)

	prober.set(storage.Health{PrimaryUp: false, SecondaryUp: true})
	m.CheckNow(context.Background())
	latest, ok := m.Latest()
	require.True(t, ok)
	assert.False(t, latest.PrimaryUp)
	assert.True(t, latest.SecondaryUp)

	// one entry for the first probe, one warning for the transition
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	m.CheckNow(context.Background())
	assert.Len(t, hook.AllEntries(), 2, "unchanged status is not logged again")
}

func TestStartProbesPeriodically(t *testing.T) {
	prober := &stubProber{h: storage.Health{PrimaryUp: true}}
	m := NewMonitor(prober, 20*time.Millisecond, logging.Discard())

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return prober.count() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	after := prober.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, prober.count(), "no probes after Stop")
}

func TestMonitorOverRouter(t *testing.T) {
	primary := memstore.New("primary")
	secondary := memstore.New("secondary")
	secondary.SetFault(func(op string) error {
		if op == "ping" {
			return context.DeadlineExceeded
		}
		return nil
	})
	log := logging.Discard()
	router := storage.NewRouter(primary, secondary, retry.NewExecutor(retry.DefaultPolicy(), log), log, storage.Options{})

	h := NewMonitor(router, time.Minute, log).CheckNow(context.Background())
	assert.True(t, h.PrimaryUp)
	assert.False(t, h.SecondaryUp)
}
