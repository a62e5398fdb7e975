// Package adaptive provides throughput estimation used to adjust task
// scheduling under load.
package adaptive

import (
	"sync"
	"time"
)

// BandwidthSource reports the current observed throughput. Implementations
// must be safe for concurrent use.
type BandwidthSource interface {
	// BytesPerSecond returns the current throughput estimate.
	BytesPerSecond() int64
}

// Meter is a BandwidthSource fed by the loader as task payloads arrive.
// It keeps a per-second window plus a smoothed estimate so a quiet
// half-second does not read as zero bandwidth.
type Meter struct {
	mu          sync.Mutex
	windowBytes int64
	windowStart time.Time
	smoothed    float64
	initialized bool
}

// smoothing factor for the exponential moving average
const meterAlpha = 0.3

// NewMeter creates an empty bandwidth meter.
func NewMeter() *Meter {
	return &Meter{windowStart: time.Now()}
}

// Record adds n transferred bytes to the current window.
func (m *Meter) Record(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollLocked(time.Now())
	m.windowBytes += n
}

// BytesPerSecond returns the smoothed throughput estimate.
func (m *Meter) BytesPerSecond() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollLocked(time.Now())

	if !m.initialized {
		// No full window observed yet; report the partial window as-is.
		elapsed := time.Since(m.windowStart).Seconds()
		if elapsed < 0.05 {
			return m.windowBytes
		}
		return int64(float64(m.windowBytes) / elapsed)
	}
	return int64(m.smoothed)
}

// rollLocked folds completed windows into the smoothed estimate.
func (m *Meter) rollLocked(now time.Time) {
	elapsed := now.Sub(m.windowStart)
	if elapsed < time.Second {
		return
	}

	rate := float64(m.windowBytes) / elapsed.Seconds()
	if m.initialized {
		m.smoothed = meterAlpha*rate + (1-meterAlpha)*m.smoothed
	} else {
		m.smoothed = rate
		m.initialized = true
	}

	m.windowBytes = 0
	m.windowStart = now
}

// Static is a fixed-rate BandwidthSource for tests and for hosts that
// measure throughput elsewhere.
type Static struct {
	Rate int64
}

// BytesPerSecond returns the fixed rate.
func (s Static) BytesPerSecond() int64 {
	return s.Rate
}
