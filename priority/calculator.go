package priority

import (
	"github.com/dashkit/smartload/adaptive"
)

const (
	// LowBandwidthThreshold is the throughput below which urgency is
	// dampened (bytes per second).
	LowBandwidthThreshold = 1_000_000

	// MemoryBudgetBytes is the reference memory budget for the pressure
	// ratio (100MB).
	MemoryBudgetBytes = 100 * 1024 * 1024

	memoryPressureThreshold = 0.8
	queuePressureThreshold  = 0.9

	lowBandwidthFactor   = 0.7
	memoryPressureFactor = 0.5
	queuePressureFactor  = 1.5
)

// Signals carries the observed system state a score is computed against.
type Signals struct {
	// QueuedTasks is the total number of tasks waiting across all buckets.
	QueuedTasks int
	// MaxConcurrent is the configured concurrency cap.
	MaxConcurrent int
	// MemoryBytes is the estimated memory held by the cache and pending tasks.
	MemoryBytes int64
}

// Calculator computes adaptive urgency scores. The base score comes from
// the priority tier and is adjusted multiplicatively by bandwidth, memory
// pressure, and queue pressure.
type Calculator struct {
	bandwidth adaptive.BandwidthSource
}

// NewCalculator creates a calculator reading throughput from the given source.
func NewCalculator(bandwidth adaptive.BandwidthSource) *Calculator {
	return &Calculator{bandwidth: bandwidth}
}

// Score returns the adaptive urgency score for a task at priority p under
// the given signals.
func (c *Calculator) Score(p Priority, sig Signals) float64 {
	score := p.BaseScore()

	if c.bandwidth != nil && c.bandwidth.BytesPerSecond() < LowBandwidthThreshold {
		score *= lowBandwidthFactor
	}

	if memoryPressure(sig.MemoryBytes) > memoryPressureThreshold {
		score *= memoryPressureFactor
	}

	if queuePressure(sig.QueuedTasks, sig.MaxConcurrent) > queuePressureThreshold {
		score *= queuePressureFactor
	}

	return score
}

// memoryPressure is the estimated memory ratio against the fixed budget.
func memoryPressure(memoryBytes int64) float64 {
	return float64(memoryBytes) / float64(MemoryBudgetBytes)
}

// queuePressure is the queued-task ratio against five times the cap.
func queuePressure(queued, maxConcurrent int) float64 {
	if maxConcurrent <= 0 {
		return 0
	}
	return float64(queued) / float64(maxConcurrent*5)
}
