package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when all attempts combined exceed the task timeout
	ErrTimeout = errors.New("task timed out")

	// ErrCancelled is returned when cancellation is observed between attempts
	ErrCancelled = errors.New("task cancelled")

	// ErrClosed is returned when submitting to a stopped loader
	ErrClosed = errors.New("loader is stopped")

	// ErrNilLoader is returned when a task carries no loadable operation
	ErrNilLoader = errors.New("task has no loader")

	// ErrEmptyID is returned when a task id is empty
	ErrEmptyID = errors.New("task id is empty")
)

// DuplicateTaskError reports a submission whose id is already registered
// and still active.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q is already registered and active", e.ID)
}

// TaskNotFoundError reports a lookup for an unknown task id.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.ID)
}

// ExhaustedRetriesError wraps the last attempt's error after all
// configured attempts failed.
type ExhaustedRetriesError struct {
	ID       string
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempts: %v", e.ID, e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}

// DependencyError reports a task resolved without running because one of
// its dependencies failed, under the skip or fail dependency policies.
type DependencyError struct {
	ID           string
	DependencyID string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %q not run: dependency %q failed", e.ID, e.DependencyID)
}
