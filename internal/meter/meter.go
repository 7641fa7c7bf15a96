// Package meter tracks message counts and a smoothed arrival rate.
package meter

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot.
type Stats struct {
	Count      uint64    `json:"count"`
	Bytes      uint64    `json:"bytes"`
	RatePerSec float64   `json:"rate_per_sec"`
	StartedAt  time.Time `json:"started_at"`
}

// Meter counts messages and computes an exponentially smoothed rate.
type Meter struct {
	mu        sync.Mutex
	count     uint64
	bytes     uint64
	startedAt time.Time
	lastAt    time.Time
	lastCount uint64
	rate      float64
	alpha     float64
	now       func() time.Time
}

// New returns a meter with a default smoothing factor.
func New() *Meter {
	return NewWithNow(time.Now)
}

// NewWithNow returns a meter with a custom time source (for tests).
func NewWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{alpha: 0.2, now: now}
	m.Reset()
	return m
}

// Reset clears the counters and restarts the clock.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count, m.bytes, m.lastCount, m.rate = 0, 0, 0, 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
}

// Add records one message of size n.
func (m *Meter) Add(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.count++
	if n > 0 {
		m.bytes += uint64(n)
	}
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.count-m.lastCount) / dt
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate = m.alpha*inst + (1-m.alpha)*m.rate
	}
	m.lastAt = now
	m.lastCount = m.count
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Count:      m.count,
		Bytes:      m.bytes,
		RatePerSec: m.rate,
		StartedAt:  m.startedAt,
	}
}
