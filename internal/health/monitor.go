// Package health runs the periodic backend probe. Its snapshot is advisory:
// the storage router decides routing per call and never reads it.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qbank-platform/backend/internal/storage"
)

const DefaultInterval = 30 * time.Second

// BackendHealth is the latest composite probe result. Each probe
// overwrites the previous one.
type BackendHealth struct {
	PrimaryUp     bool      `json:"primary_up"`
	SecondaryUp   bool      `json:"secondary_up"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Prober is satisfied by *storage.Router.
type Prober interface {
	HealthCheck(ctx context.Context) storage.Health
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu      sync.RWMutex
	latest  BackendHealth
	checked bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(prober Prober, interval time.Duration, log logrus.FieldLogger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Start probes once immediately, then every interval, in a background
// goroutine until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.log.WithField("interval", m.interval).Info("[health] monitor started")
		m.CheckNow(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckNow(ctx)
			case <-ctx.Done():
				m.log.Info("[health] monitor stopped")
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CheckNow probes both backends and stores the result.
func (m *Monitor) CheckNow(ctx context.Context) BackendHealth {
	h := m.prober.HealthCheck(ctx)
	next := BackendHealth{
		PrimaryUp:     h.PrimaryUp,
		SecondaryUp:   h.SecondaryUp,
		LastCheckedAt: m.now(),
	}

	m.mu.Lock()
	prev, hadPrev := m.latest, m.checked
	m.latest, m.checked = next, true
	m.mu.Unlock()

	if !hadPrev || prev.PrimaryUp != next.PrimaryUp || prev.SecondaryUp != next.SecondaryUp {
		entry := m.log.WithFields(logrus.Fields{
			"primary_up":   next.PrimaryUp,
			"secondary_up": next.SecondaryUp,
		})
		if next.PrimaryUp && next.SecondaryUp {
			entry.Info("[health] backend status changed")
		} else {
			entry.Warn("[health] backend status changed")
		}
	}
	return next
}

// Latest returns the most recent probe, and false before the first one.
func (m *Monitor) Latest() (BackendHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.checked
}
