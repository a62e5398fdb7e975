package loader

import (
	"fmt"
	"time"
)

// RetryStrategy selects the backoff formula between attempts.
type RetryStrategy int

const (
	// RetryExponential waits initialDelay * multiplier^attempt.
	RetryExponential RetryStrategy = iota
	// RetryLinear waits initialDelay + attempt * multiplier seconds.
	RetryLinear
	// RetryFixed always waits initialDelay.
	RetryFixed
)

func (s RetryStrategy) String() string {
	switch s {
	case RetryExponential:
		return "exponential"
	case RetryLinear:
		return "linear"
	case RetryFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// DependencyPolicy decides what happens to a task whose dependency
// resolved without success.
type DependencyPolicy int

const (
	// DependencyRun executes the dependent anyway.
	DependencyRun DependencyPolicy = iota
	// DependencySkip resolves the dependent as cancelled without running it.
	DependencySkip
	// DependencyFail resolves the dependent as an error without running it.
	DependencyFail
)

func (p DependencyPolicy) String() string {
	switch p {
	case DependencyRun:
		return "run"
	case DependencySkip:
		return "skip"
	case DependencyFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Config holds the loader's tunable parameters.
type Config struct {
	// MaxConcurrentLoaders caps tasks admitted through the queue. Tasks
	// admitted through the immediate path may transiently exceed it.
	MaxConcurrentLoaders int

	// DefaultTimeout applies to tasks that leave Timeout unset. It spans
	// all attempts of a task combined.
	DefaultTimeout time.Duration

	CacheEnabled bool
	CacheTTL     time.Duration

	// AdaptivePriorityEnabled switches between adaptive-score ordering
	// and shortest-first ordering within buckets, and gates the
	// score-threshold immediate admission path.
	AdaptivePriorityEnabled bool

	// CriticalScoreThreshold is the adaptive score above which a
	// medium or low task is admitted immediately.
	CriticalScoreThreshold float64

	RetryStrategy RetryStrategy

	PrefetchEnabled bool

	// OnDependencyFailure is the policy for dependents of failed tasks.
	OnDependencyFailure DependencyPolicy

	// MaxQueueSize bounds each priority bucket.
	MaxQueueSize int
}

// DefaultConfig returns the loader defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentLoaders:    5,
		DefaultTimeout:          30 * time.Second,
		CacheEnabled:            true,
		CacheTTL:                5 * time.Minute,
		AdaptivePriorityEnabled: true,
		CriticalScoreThreshold:  500,
		RetryStrategy:           RetryExponential,
		PrefetchEnabled:         true,
		OnDependencyFailure:     DependencyRun,
		MaxQueueSize:            10000,
	}
}

func (c Config) validate() error {
	if c.MaxConcurrentLoaders <= 0 {
		return fmt.Errorf("invalid config: maxConcurrentLoaders must be positive, got %d", c.MaxConcurrentLoaders)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("invalid config: defaultTimeout must be positive, got %v", c.DefaultTimeout)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("invalid config: cacheTTL must be positive, got %v", c.CacheTTL)
	}
	return nil
}

// Update is a partial configuration patch; nil fields keep their current
// value.
type Update struct {
	MaxConcurrentLoaders    *int
	DefaultTimeout          *time.Duration
	CacheEnabled            *bool
	CacheTTL                *time.Duration
	AdaptivePriorityEnabled *bool
	CriticalScoreThreshold  *float64
	RetryStrategy           *RetryStrategy
	PrefetchEnabled         *bool
	OnDependencyFailure     *DependencyPolicy
}

func (u Update) apply(c Config) Config {
	if u.MaxConcurrentLoaders != nil {
		c.MaxConcurrentLoaders = *u.MaxConcurrentLoaders
	}
	if u.DefaultTimeout != nil {
		c.DefaultTimeout = *u.DefaultTimeout
	}
	if u.CacheEnabled != nil {
		c.CacheEnabled = *u.CacheEnabled
	}
	if u.CacheTTL != nil {
		c.CacheTTL = *u.CacheTTL
	}
	if u.AdaptivePriorityEnabled != nil {
		c.AdaptivePriorityEnabled = *u.AdaptivePriorityEnabled
	}
	if u.CriticalScoreThreshold != nil {
		c.CriticalScoreThreshold = *u.CriticalScoreThreshold
	}
	if u.RetryStrategy != nil {
		c.RetryStrategy = *u.RetryStrategy
	}
	if u.PrefetchEnabled != nil {
		c.PrefetchEnabled = *u.PrefetchEnabled
	}
	if u.OnDependencyFailure != nil {
		c.OnDependencyFailure = *u.OnDependencyFailure
	}
	return c
}
