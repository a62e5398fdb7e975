package priority

import "errors"

var (
	// ErrQueueFull is returned when a priority bucket is at capacity
	ErrQueueFull = errors.New("priority queue is full")

	// ErrInvalidPriority is returned when an invalid priority level is specified
	ErrInvalidPriority = errors.New("invalid priority level")
)
