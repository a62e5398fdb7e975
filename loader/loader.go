package loader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dashkit/smartload/adaptive"
	"github.com/dashkit/smartload/cache"
	"github.com/dashkit/smartload/graph"
	"github.com/dashkit/smartload/monitoring"
	"github.com/dashkit/smartload/priority"
)

var log = logging.Logger("smartload/loader")

// taskMemoryEstimate is the per-pending-task memory estimate feeding the
// adaptive memory-pressure signal.
const taskMemoryEstimate = 64 * 1024

// pending tracks one submission from registration to resolution.
type pending struct {
	task        *Task
	result      chan Result
	submittedAt time.Time

	// Guarded by the loader mutex
	started       bool
	cancelAttempt context.CancelFunc

	cancelReq int32 // atomic
	done      int32 // atomic; guards single resolution
}

func (p *pending) ID() string                       { return p.task.ID }
func (p *pending) Priority() priority.Priority      { return p.task.Priority }
func (p *pending) EstimatedDuration() time.Duration { return p.task.EstimatedDuration }

func (p *pending) requestCancel() {
	atomic.StoreInt32(&p.cancelReq, 1)
}

func (p *pending) cancelRequested() bool {
	return atomic.LoadInt32(&p.cancelReq) == 1
}

// SmartLoader schedules heterogeneous async tasks under priority,
// dependency, concurrency, retry, timeout, and caching constraints,
// adapting admission to observed load. All scheduling mutations are
// serialized behind one mutex; only the task loaders themselves run
// concurrently.
type SmartLoader struct {
	mu       sync.Mutex
	cfg      Config
	active   int
	pendings map[string]*pending

	registry *Registry
	buckets  *priority.Buckets
	calc     *priority.Calculator
	cache    *cache.Store
	stats    *monitoring.Collector

	bandwidth adaptive.BandwidthSource
	meter     *adaptive.Meter // non-nil when the loader owns its meter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// Option configures a SmartLoader.
type Option func(*SmartLoader)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(l *SmartLoader) { l.cfg = cfg }
}

// WithBandwidthSource injects a throughput source. Without it the loader
// meters its own result payloads.
func WithBandwidthSource(src adaptive.BandwidthSource) Option {
	return func(l *SmartLoader) { l.bandwidth = src }
}

// WithCacheStore injects a cache store, e.g. one with a custom size
// budget or sweep interval.
func WithCacheStore(store *cache.Store) Option {
	return func(l *SmartLoader) { l.cache = store }
}

// New creates a SmartLoader. The context bounds the loader's lifetime;
// cancelling it has the same effect as Stop.
func New(ctx context.Context, opts ...Option) (*SmartLoader, error) {
	ctx, cancel := context.WithCancel(ctx)

	l := &SmartLoader{
		cfg:      DefaultConfig(),
		pendings: make(map[string]*pending),
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(l)
	}

	if err := l.cfg.validate(); err != nil {
		cancel()
		return nil, err
	}

	if l.bandwidth == nil {
		l.meter = adaptive.NewMeter()
		l.bandwidth = l.meter
	}
	l.calc = priority.NewCalculator(l.bandwidth)
	l.buckets = priority.NewBuckets(l.cfg.MaxQueueSize)
	if l.cache == nil {
		l.cache = cache.NewStore(ctx)
	}
	l.stats = monitoring.NewCollector(ctx)

	return l, nil
}

// Start launches the background cache sweep and stats tick.
func (l *SmartLoader) Start() {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return // Already running
	}

	l.cache.Start()
	l.stats.Start()
	log.Infof("smart loader started (maxConcurrent=%d)", l.config().MaxConcurrentLoaders)
}

// Stop cancels running tasks, resolves queued ones as cancelled, and
// stops the background loops. Submissions after Stop are rejected.
func (l *SmartLoader) Stop() {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return // Already stopped
	}

	l.cancel()
	l.wg.Wait()

	// Resolve whatever never started.
	l.mu.Lock()
	remaining := make([]*pending, 0, len(l.pendings))
	for _, p := range l.pendings {
		remaining = append(remaining, p)
	}
	var notifs []func()
	for _, p := range remaining {
		l.buckets.Remove(p.task.ID)
		l.registry.MarkLoading(p.task.ID)
		notifs = append(notifs, l.finishLocked(p, StatusCancelled,
			nil, fmt.Errorf("task %q: %w", p.task.ID, ErrCancelled), false)...)
	}
	l.updateLoadLocked()
	l.mu.Unlock()
	runNotifs(notifs)

	l.cache.Stop()
	l.stats.Stop()
	log.Info("smart loader stopped")
}

// Submit registers the task and either runs it immediately or enqueues
// it, returning a buffered channel that resolves with the task's
// outcome. It fails synchronously on validation errors, duplicate ids,
// and full queues.
func (l *SmartLoader) Submit(t *Task) (<-chan Result, error) {
	if t == nil || t.ID == "" {
		return nil, ErrEmptyID
	}
	if t.Loader == nil {
		return nil, ErrNilLoader
	}
	if !t.Priority.Valid() {
		return nil, priority.ErrInvalidPriority
	}
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, ErrClosed
	}

	l.mu.Lock()

	task := l.withDefaultsLocked(t)
	if err := l.registry.Register(task); err != nil {
		l.mu.Unlock()
		return nil, err
	}

	p := &pending{
		task:        task,
		result:      make(chan Result, 1),
		submittedAt: time.Now(),
	}
	l.pendings[task.ID] = p
	l.stats.RecordSubmitted()

	// Cache first: a hit resolves without touching the queue.
	if l.cfg.CacheEnabled && task.CacheKey != "" {
		if v, ok := l.cache.Get(task.CacheKey); ok {
			l.registry.MarkLoading(task.ID)
			notifs := l.finishLocked(p, StatusSuccess, v, nil, true)
			l.updateLoadLocked()
			l.mu.Unlock()
			runNotifs(notifs)
			return p.result, nil
		}
	}

	score := l.scoreLocked(task.Priority)
	ready, failedDep := l.depsReadyLocked(task)

	var notifs []func()
	switch {
	case failedDep != "":
		notifs = l.resolveDependencyFailureLocked(p, failedDep)

	case ready && priority.ShouldAdmitImmediately(task.Priority, score, l.active,
		l.cfg.MaxConcurrentLoaders, l.cfg.AdaptivePriorityEnabled, l.cfg.CriticalScoreThreshold):
		l.startLocked(p)

	default:
		sortKey := score
		if !l.cfg.AdaptivePriorityEnabled {
			sortKey = -task.EstimatedDuration.Seconds()
		}
		if err := l.buckets.Enqueue(p, score, sortKey); err != nil {
			l.stats.RecordDropped()
			l.registry.Remove(task.ID)
			delete(l.pendings, task.ID)
			l.mu.Unlock()
			return nil, err
		}
	}

	notifs = append(notifs, l.drainLocked()...)
	l.updateLoadLocked()
	l.mu.Unlock()
	runNotifs(notifs)

	return p.result, nil
}

// Load submits the task and blocks until it resolves or ctx is done.
func (l *SmartLoader) Load(ctx context.Context, t *Task) (interface{}, error) {
	ch, err := l.Submit(t)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchResult carries the outcome of an asynchronous batch submission.
type BatchResult struct {
	Values []interface{}
	Err    error
}

// SubmitBatch resolves the batch in the background and delivers the
// outcome on the returned buffered channel.
func (l *SmartLoader) SubmitBatch(ctx context.Context, tasks []*Task) <-chan BatchResult {
	ch := make(chan BatchResult, 1)
	go func() {
		values, err := l.LoadBatch(ctx, tasks)
		ch <- BatchResult{Values: values, Err: err}
	}()
	return ch
}

// LoadBatch resolves the batch one dependency level at a time. Per-task
// failures leave a nil entry in the result slice; only a dependency
// cycle rejects the whole batch, before any task runs.
func (l *SmartLoader) LoadBatch(ctx context.Context, tasks []*Task) ([]interface{}, error) {
	nodes := make([]graph.Node, len(tasks))
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		nodes[i] = taskNode{t: t}
		index[t.ID] = i
	}

	levels, err := graph.Resolve(nodes)
	if err != nil {
		return nil, err
	}

	results := make([]interface{}, len(tasks))
	for _, level := range levels {
		g := new(errgroup.Group)
		for _, n := range level {
			idx := index[n.ID()]
			t := tasks[idx]
			g.Go(func() error {
				ch, err := l.Submit(t)
				if err != nil {
					log.Debugf("batch task %s rejected: %v", t.ID, err)
					return nil
				}
				select {
				case res := <-ch:
					if res.Err == nil {
						results[idx] = res.Value
					}
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}

	return results, nil
}

// Prefetch submits the tasks at low priority, fire-and-forget; failures
// are swallowed. No-op when prefetching is disabled.
func (l *SmartLoader) Prefetch(tasks []*Task) {
	if !l.config().PrefetchEnabled {
		return
	}

	for _, t := range tasks {
		low := *t
		low.Priority = priority.Low
		ch, err := l.Submit(&low)
		if err != nil {
			log.Debugf("prefetch %s rejected: %v", t.ID, err)
			continue
		}
		go func() { <-ch }()
	}
}

// Cancel signals cancellation for the task. A queued task is removed and
// resolved as cancelled immediately; a running one is signalled and
// resolves once its loader observes the signal or its current attempt
// ends. Returns false if the id is unknown or already terminal.
func (l *SmartLoader) Cancel(id string) bool {
	l.mu.Lock()
	p, ok := l.pendings[id]
	if !ok {
		l.mu.Unlock()
		return false
	}

	if !p.started {
		if !l.buckets.Remove(id) {
			l.mu.Unlock()
			return false
		}
		l.registry.MarkLoading(id)
		notifs := l.finishLocked(p, StatusCancelled,
			nil, fmt.Errorf("task %q: %w", id, ErrCancelled), false)
		notifs = append(notifs, l.drainLocked()...)
		l.updateLoadLocked()
		l.mu.Unlock()
		runNotifs(notifs)
		return true
	}

	p.requestCancel()
	cancelAttempt := p.cancelAttempt
	l.mu.Unlock()

	if cancelAttempt != nil {
		cancelAttempt()
	}
	return true
}

// GetState returns a copy of the task's loading state.
func (l *SmartLoader) GetState(id string) (LoadingState, error) {
	st, ok := l.registry.State(id)
	if !ok {
		return LoadingState{}, &TaskNotFoundError{ID: id}
	}
	return st, nil
}

// ReportProgress lets a running loader publish progress in [0, 100].
func (l *SmartLoader) ReportProgress(id string, progress float64) {
	if !l.registry.SetProgress(id, progress) {
		return
	}

	l.mu.Lock()
	p, ok := l.pendings[id]
	l.mu.Unlock()
	if ok && p.task.Observer != nil {
		p.task.Observer.OnProgress(id, progress)
	}
}

// ClearCache clears all cache entries, or only keys containing pattern.
func (l *SmartLoader) ClearCache(pattern string) {
	l.cache.Clear(pattern)
}

// Stats returns a point-in-time snapshot.
func (l *SmartLoader) Stats() monitoring.Stats {
	return l.stats.Snapshot()
}

// Subscribe registers a stats observer.
func (l *SmartLoader) Subscribe() (string, <-chan monitoring.Stats) {
	return l.stats.Subscribe()
}

// Unsubscribe removes a stats observer.
func (l *SmartLoader) Unsubscribe(id string) bool {
	return l.stats.Unsubscribe(id)
}

// Collector exposes the stats collector, e.g. for its prometheus registry.
func (l *SmartLoader) Collector() *monitoring.Collector {
	return l.stats
}

// Queue returns the queued task ids per priority, in dequeue order.
func (l *SmartLoader) Queue() map[priority.Priority][]string {
	return l.buckets.Snapshot()
}

// UpdateConfig applies a partial configuration update atomically. A cap
// increase re-drains the queue immediately.
func (l *SmartLoader) UpdateConfig(u Update) error {
	l.mu.Lock()
	next := u.apply(l.cfg)
	if err := next.validate(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.cfg = next
	notifs := l.drainLocked()
	l.updateLoadLocked()
	l.mu.Unlock()
	runNotifs(notifs)

	log.Infof("updated loader configuration: maxConcurrent=%d, defaultTimeout=%v, cache=%v, adaptive=%v, strategy=%s",
		next.MaxConcurrentLoaders, next.DefaultTimeout, next.CacheEnabled,
		next.AdaptivePriorityEnabled, next.RetryStrategy)
	return nil
}

// Config returns a copy of the current configuration.
func (l *SmartLoader) Config() Config {
	return l.config()
}

func (l *SmartLoader) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// withDefaultsLocked copies the task and fills unset policy fields.
func (l *SmartLoader) withDefaultsLocked(t *Task) *Task {
	task := *t
	if task.Timeout <= 0 {
		task.Timeout = l.cfg.DefaultTimeout
	}
	if task.Retry.MaxRetries < 0 {
		task.Retry.MaxRetries = 0
	}
	def := DefaultRetryConfig()
	if task.Retry.BackoffMultiplier <= 0 {
		task.Retry.BackoffMultiplier = def.BackoffMultiplier
	}
	if task.Retry.InitialDelay <= 0 {
		task.Retry.InitialDelay = def.InitialDelay
	}
	return &task
}

func (l *SmartLoader) scoreLocked(p priority.Priority) float64 {
	return l.calc.Score(p, priority.Signals{
		QueuedTasks:   l.buckets.Len(),
		MaxConcurrent: l.cfg.MaxConcurrentLoaders,
		MemoryBytes:   l.memoryEstimateLocked(),
	})
}

func (l *SmartLoader) memoryEstimateLocked() int64 {
	return l.cache.SizeBytes() + int64(len(l.pendings))*taskMemoryEstimate
}

// depsReadyLocked reports whether every dependency of the task has
// resolved. A dependency that failed returns its id when the configured
// policy is skip or fail; under the run policy any terminal dependency
// counts as satisfied. Unknown dependency ids impose no wait.
func (l *SmartLoader) depsReadyLocked(t *Task) (ready bool, failedDep string) {
	for _, dep := range t.Dependencies {
		st, ok := l.registry.State(dep)
		if !ok {
			continue
		}
		switch {
		case st.Status == StatusSuccess:
		case st.Status.Terminal():
			if l.cfg.OnDependencyFailure != DependencyRun {
				return false, dep
			}
		default:
			return false, ""
		}
	}
	return true, ""
}

// startLocked reserves an active slot and launches the executor.
func (l *SmartLoader) startLocked(p *pending) {
	p.started = true
	l.active++
	l.registry.MarkLoading(p.task.ID)

	runCtx, cancel := context.WithTimeout(l.ctx, p.task.Timeout)
	p.cancelAttempt = cancel

	log.Debugf("task %s started (priority %s, active %d)", p.task.ID, p.task.Priority, l.active)

	l.wg.Add(1)
	go l.run(p, runCtx)
}

// run races the retry loop against the task's combined timeout and
// resolves the task exactly once.
func (l *SmartLoader) run(p *pending, runCtx context.Context) {
	defer l.wg.Done()
	defer p.cancelAttempt()

	done := make(chan struct{})
	var value interface{}
	var execErr error
	go func() {
		value, execErr = l.execute(runCtx, p)
		close(done)
	}()

	resolveDone := func() {
		if execErr == nil {
			l.finish(p, StatusSuccess, value, nil, false)
			return
		}
		l.finish(p, classify(execErr), nil, execErr, false)
	}

	select {
	case <-done:
		resolveDone()

	case <-runCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case <-done:
			resolveDone()
			return
		default:
		}

		// The loader did not observe the signal; resolve without it.
		if p.cancelRequested() || !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			l.finish(p, StatusCancelled, nil,
				fmt.Errorf("task %q: %w", p.task.ID, ErrCancelled), false)
		} else {
			l.finish(p, StatusTimeout, nil,
				fmt.Errorf("task %q: %w", p.task.ID, ErrTimeout), false)
		}
	}
}

// execute runs the bounded retry loop: maxRetries+1 attempts with
// backoff in between, checking cancellation between attempts.
func (l *SmartLoader) execute(ctx context.Context, p *pending) (interface{}, error) {
	t := p.task
	maxAttempts := t.Retry.MaxRetries + 1
	strategy := l.config().RetryStrategy

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if p.cancelRequested() {
			return nil, fmt.Errorf("task %q: %w", t.ID, ErrCancelled)
		}

		value, err := t.Loader.Execute(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		log.Debugf("task %s attempt %d/%d failed: %v", t.ID, attempt+1, maxAttempts, err)

		if ctx.Err() != nil || attempt == maxAttempts-1 {
			break
		}
		if p.cancelRequested() {
			return nil, fmt.Errorf("task %q: %w", t.ID, ErrCancelled)
		}

		l.registry.IncRetry(t.ID)
		select {
		case <-time.After(backoffDelay(strategy, t.Retry, attempt)):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case p.cancelRequested():
		return nil, fmt.Errorf("task %q: %w", t.ID, ErrCancelled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("task %q: %w", t.ID, ErrTimeout)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("task %q: %w", t.ID, ErrCancelled)
	default:
		return nil, &ExhaustedRetriesError{ID: t.ID, Attempts: maxAttempts, Last: lastErr}
	}
}

// backoffDelay maps the attempt number to the wait before the next try.
func backoffDelay(strategy RetryStrategy, rc RetryConfig, attempt int) time.Duration {
	switch strategy {
	case RetryLinear:
		return rc.InitialDelay + time.Duration(float64(attempt)*rc.BackoffMultiplier*float64(time.Second))
	case RetryFixed:
		return rc.InitialDelay
	default:
		return time.Duration(float64(rc.InitialDelay) * math.Pow(rc.BackoffMultiplier, float64(attempt)))
	}
}

// classify maps an executor error to its terminal status.
func classify(err error) Status {
	switch {
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	default:
		return StatusError
	}
}

// finish resolves the task, releases its slot, and re-drains the queue.
func (l *SmartLoader) finish(p *pending, status Status, value interface{}, err error, cached bool) {
	l.mu.Lock()
	notifs := l.finishLocked(p, status, value, err, cached)
	notifs = append(notifs, l.drainLocked()...)
	l.updateLoadLocked()
	l.mu.Unlock()
	runNotifs(notifs)
}

// finishLocked performs the single terminal transition for p. It is a
// no-op if p already resolved (e.g. timeout racing a late success).
func (l *SmartLoader) finishLocked(p *pending, status Status, value interface{}, err error, cached bool) []func() {
	if !atomic.CompareAndSwapInt32(&p.done, 0, 1) {
		return nil
	}

	task := p.task
	l.registry.MarkTerminal(task.ID, status, value, err, cached)
	if p.started {
		p.started = false
		l.active--
	}
	delete(l.pendings, task.ID)

	if status == StatusSuccess {
		if !cached && l.cfg.CacheEnabled && task.CacheKey != "" {
			l.cache.Put(task.CacheKey, value, l.cfg.CacheTTL)
		}
		if l.meter != nil {
			l.meter.Record(payloadSize(value))
		}
		l.stats.RecordCompleted(cached, time.Since(p.submittedAt))
	} else {
		l.stats.RecordFailed()
	}

	log.Debugf("task %s resolved as %s (active %d, queued %d)",
		task.ID, status, l.active, l.buckets.Len())

	obs := task.Observer
	resCh := p.result
	return []func(){func() {
		if status == StatusSuccess {
			if obs != nil {
				obs.OnSuccess(task.ID, value)
			}
			resCh <- Result{Value: value}
		} else {
			if obs != nil {
				obs.OnError(task.ID, err)
			}
			resCh <- Result{Err: err}
		}
	}}
}

// drainLocked admits queued tasks while slots remain, in strict bucket
// order. Dependents of failed tasks encountered at a bucket head are
// resolved according to the dependency policy instead of being admitted.
func (l *SmartLoader) drainLocked() []func() {
	var notifs []func()

	for l.active < l.cfg.MaxConcurrentLoaders {
		var blocked []*pending
		var blockedDeps []string

		item, ok := l.buckets.Next(func(it priority.Item) bool {
			q := it.(*pending)
			ready, dep := l.depsReadyLocked(q.task)
			if dep != "" {
				blocked = append(blocked, q)
				blockedDeps = append(blockedDeps, dep)
				return false
			}
			return ready
		})

		for i, q := range blocked {
			if l.buckets.Remove(q.task.ID) {
				notifs = append(notifs, l.resolveDependencyFailureLocked(q, blockedDeps[i])...)
			}
		}

		if ok {
			l.startLocked(item.(*pending))
			continue
		}
		if len(blocked) == 0 {
			break
		}
	}

	return notifs
}

// resolveDependencyFailureLocked resolves a task whose dependency failed
// under the skip or fail policy, without running it.
func (l *SmartLoader) resolveDependencyFailureLocked(p *pending, dep string) []func() {
	l.registry.MarkLoading(p.task.ID)

	status := StatusCancelled
	if l.cfg.OnDependencyFailure == DependencyFail {
		status = StatusError
	}
	return l.finishLocked(p, status, nil, &DependencyError{ID: p.task.ID, DependencyID: dep}, false)
}

func (l *SmartLoader) updateLoadLocked() {
	l.stats.SetLoad(l.active, l.buckets.Len(), l.memoryEstimateLocked())
}

func runNotifs(notifs []func()) {
	for _, fn := range notifs {
		fn()
	}
}

func payloadSize(value interface{}) int64 {
	switch v := value.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	default:
		return 1024
	}
}
