// Package priority provides task prioritization for the loader: the four
// priority tiers, the adaptive urgency score, and the bucketed pending
// queue with its admission and drain policies.
package priority

import logging "github.com/ipfs/go-log/v2"

var log = logging.Logger("smartload/priority")

// Priority levels for task classification
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// BaseScore returns the static urgency score for the priority tier,
// before adaptive adjustment.
func (p Priority) BaseScore() float64 {
	switch p {
	case Critical:
		return 1000
	case High:
		return 100
	case Medium:
		return 10
	default:
		return 1
	}
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool {
	return p >= Low && p <= Critical
}
