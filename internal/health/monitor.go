// Package health periodically sweeps the worker fleet and reports
// workers whose heartbeats have gone stale. It observes only; it never
// restarts or stops anything.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"foreman/internal/supervisor"
	"foreman/pkg/models"
)

// defaultInterval is the time between sweeps.
const defaultInterval = 30 * time.Second

// Checker classifies the fleet by liveness. *supervisor.Supervisor
// satisfies it.
type Checker interface {
	HealthCheck() supervisor.HealthReport
}

// Notification describes the outcome of one sweep. NewlyUnhealthy holds
// the keys that were not unhealthy on the previous sweep.
type Notification struct {
	Report         supervisor.HealthReport
	NewlyUnhealthy []models.WorkerKey
	At             time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithNotify registers a callback invoked after every sweep that found
// newly unhealthy workers. The callback runs on the monitor goroutine
// and must not block.
func WithNotify(fn func(Notification)) Option {
	return func(m *Monitor) { m.notify = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor runs periodic health sweeps against a Checker and tracks which
// workers turned unhealthy since the previous sweep.
type Monitor struct {
	checker  Checker
	interval time.Duration
	notify   func(Notification)
	now      func() time.Time

	mu        sync.Mutex
	unhealthy map[models.WorkerKey]bool
	lastSweep time.Time
}

// New creates a Monitor sweeping the given checker.
func New(checker Checker, opts ...Option) *Monitor {
	m := &Monitor{
		checker:   checker,
		interval:  defaultInterval,
		now:       time.Now,
		unhealthy: make(map[models.WorkerKey]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps on a ticker until the context is cancelled. An initial
// sweep happens immediately so a fresh process does not wait a full
// interval before noticing a stale fleet.
func (m *Monitor) Run(ctx context.Context) {
	m.Sweep()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep performs one health check and returns the resulting
// notification. Workers that turned unhealthy since the previous sweep
// are logged and, when a notify callback is registered, reported to it.
func (m *Monitor) Sweep() Notification {
	report := m.checker.HealthCheck()

	m.mu.Lock()
	current := make(map[models.WorkerKey]bool, len(report.Unhealthy))
	var fresh []models.WorkerKey
	for _, key := range report.Unhealthy {
		current[key] = true
		if !m.unhealthy[key] {
			fresh = append(fresh, key)
		}
	}
	m.unhealthy = current
	m.lastSweep = m.now()
	note := Notification{Report: report, NewlyUnhealthy: fresh, At: m.lastSweep}
	m.mu.Unlock()

	for _, key := range fresh {
		log.Printf("[health] worker %s is unhealthy (stale heartbeat)", key)
	}
	if len(fresh) > 0 && m.notify != nil {
		m.notify(note)
	}
	return note
}

// LastSweep returns when the most recent sweep ran. Zero before the
// first sweep.
func (m *Monitor) LastSweep() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSweep
}
