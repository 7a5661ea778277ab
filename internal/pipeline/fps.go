package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultFPSWindow is the number of inter-frame intervals averaged
const DefaultFPSWindow = 8

// FPSMeter reports a moving average frame rate over the last N
// inter-frame intervals.
type FPSMeter struct {
	clock  clock.Clock
	mu     sync.Mutex
	deltas []time.Duration // Ring of the most recent intervals
	next   int
	filled int
	sum    time.Duration
	last   time.Time
}

// NewFPSMeter creates a meter averaging over window intervals
func NewFPSMeter(clk clock.Clock, window int) *FPSMeter {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultFPSWindow
	}
	return &FPSMeter{
		clock:  clk,
		deltas: make([]time.Duration, window),
	}
}

// Tick records a frame arrival and returns the updated rate
func (m *FPSMeter) Tick() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !m.last.IsZero() {
		d := now.Sub(m.last)
		if d > 0 {
			m.sum -= m.deltas[m.next]
			m.deltas[m.next] = d
			m.sum += d
			m.next = (m.next + 1) % len(m.deltas)
			if m.filled < len(m.deltas) {
				m.filled++
			}
		}
	}
	m.last = now
	return m.rateLocked()
}

// FPS returns the current rate without recording a frame
func (m *FPSMeter) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLocked()
}

// Reset forgets all recorded intervals
func (m *FPSMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deltas {
		m.deltas[i] = 0
	}
	m.next, m.filled, m.sum = 0, 0, 0
	m.last = time.Time{}
}

func (m *FPSMeter) rateLocked() float64 {
	if m.filled == 0 || m.sum <= 0 {
		return 0
	}
	mean := m.sum.Seconds() / float64(m.filled)
	return 1 / mean
}
