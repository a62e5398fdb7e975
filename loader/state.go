package loader

import "time"

// Status is the lifecycle phase of a task. Transitions are strictly
// forward: idle -> loading -> one terminal status; no status is ever
// re-entered.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
	StatusCancelled
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// LoadingState is the mutable per-task record. It is mutated only by the
// loader; callers read copies through GetState.
type LoadingState struct {
	Status     Status
	Progress   float64 // 0..100
	Result     interface{}
	Err        error
	StartedAt  time.Time
	EndedAt    time.Time
	RetryCount int
	Cached     bool
}
