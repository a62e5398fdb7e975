package loader

import (
	"context"
	"time"

	"github.com/dashkit/smartload/priority"
)

// Loadable is the unit of asynchronous work a task performs. The loader
// treats it as an opaque operation; implementations should honor ctx
// cancellation so timeouts and cancellations can interrupt an attempt
// in flight.
type Loadable interface {
	Execute(ctx context.Context) (interface{}, error)
}

// LoaderFunc adapts a plain function to the Loadable interface.
type LoaderFunc func(ctx context.Context) (interface{}, error)

// Execute calls f.
func (f LoaderFunc) Execute(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// Observer receives per-task lifecycle notifications. All methods may be
// called from loader goroutines and must not block.
type Observer interface {
	OnProgress(taskID string, progress float64)
	OnSuccess(taskID string, value interface{})
	OnError(taskID string, err error)
}

// Callbacks is an Observer built from optional functions; nil fields are
// skipped.
type Callbacks struct {
	Progress func(taskID string, progress float64)
	Success  func(taskID string, value interface{})
	Error    func(taskID string, err error)
}

func (c Callbacks) OnProgress(taskID string, progress float64) {
	if c.Progress != nil {
		c.Progress(taskID, progress)
	}
}

func (c Callbacks) OnSuccess(taskID string, value interface{}) {
	if c.Success != nil {
		c.Success(taskID, value)
	}
}

func (c Callbacks) OnError(taskID string, err error) {
	if c.Error != nil {
		c.Error(taskID, err)
	}
}

// RetryConfig bounds a task's retry loop.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first; total
	// attempts are MaxRetries+1.
	MaxRetries int
	// BackoffMultiplier scales the delay between attempts.
	BackoffMultiplier float64
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
}

// DefaultRetryConfig returns the retry policy applied when a task leaves
// the multiplier or delay unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BackoffMultiplier: 2,
		InitialDelay:      500 * time.Millisecond,
	}
}

// Task is an immutable submission: a named unit of asynchronous work with
// priority, dependencies, retry and timeout policy, and an optional cache
// key.
type Task struct {
	// ID must be unique among non-terminal tasks in the loader.
	ID string

	Priority priority.Priority

	// EstimatedDuration orders queue buckets when adaptive scoring is
	// disabled; shorter tasks dequeue first.
	EstimatedDuration time.Duration

	// Dependencies are ids of tasks that must resolve before this one is
	// dequeued.
	Dependencies []string

	Loader Loadable

	Retry RetryConfig

	// Timeout spans all attempts combined. Zero means the loader's
	// configured default.
	Timeout time.Duration

	// CacheKey enables result caching when non-empty.
	CacheKey string

	// Observer receives lifecycle callbacks; may be nil.
	Observer Observer
}

// Result is the outcome delivered on a submission's result channel.
type Result struct {
	Value interface{}
	Err   error
}

// taskNode adapts a Task to the dependency graph.
type taskNode struct {
	t *Task
}

func (n taskNode) ID() string             { return n.t.ID }
func (n taskNode) Dependencies() []string { return n.t.Dependencies }
