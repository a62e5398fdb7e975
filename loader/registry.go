package loader

import (
	"sync"
	"time"
)

// Registry owns task definitions and their loading states. A terminal
// task may be re-registered under the same id; an active one may not.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	states map[string]*LoadingState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		states: make(map[string]*LoadingState),
	}
}

// Register stores the task and creates its idle state. Returns
// DuplicateTaskError if the id exists and is not terminal.
func (r *Registry) Register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[t.ID]; ok && !st.Status.Terminal() {
		return &DuplicateTaskError{ID: t.ID}
	}

	r.tasks[t.ID] = t
	r.states[t.ID] = &LoadingState{Status: StatusIdle}
	return nil
}

// State returns a copy of the task's loading state.
func (r *Registry) State(id string) (LoadingState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.states[id]
	if !ok {
		return LoadingState{}, false
	}
	return *st, true
}

// Task returns the registered task definition.
func (r *Registry) Task(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Remove deletes the task and its state. Safe no-op if absent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	delete(r.states, id)
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// MarkLoading transitions the task from idle to loading and records the
// start time. Returns false if the task is absent or not idle.
func (r *Registry) MarkLoading(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok || st.Status != StatusIdle {
		return false
	}
	st.Status = StatusLoading
	st.StartedAt = time.Now()
	return true
}

// MarkTerminal transitions the task from loading to the given terminal
// status and records the outcome. Returns false if the task is absent or
// already terminal, so a terminal status is never overwritten.
func (r *Registry) MarkTerminal(id string, status Status, result interface{}, err error, cached bool) bool {
	if !status.Terminal() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok || st.Status.Terminal() {
		return false
	}

	st.Status = status
	st.Result = result
	st.Err = err
	st.Cached = cached
	st.EndedAt = time.Now()
	if status == StatusSuccess {
		st.Progress = 100
	}
	return true
}

// IncRetry increments the task's retry count and returns the new value.
func (r *Registry) IncRetry(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok || st.Status != StatusLoading {
		return 0
	}
	st.RetryCount++
	return st.RetryCount
}

// SetProgress updates the task's progress while it is loading. The value
// is clamped to [0, 100].
func (r *Registry) SetProgress(id string, progress float64) bool {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok || st.Status != StatusLoading {
		return false
	}
	st.Progress = progress
	return true
}
