// Package monitoring aggregates loader statistics and broadcasts
// snapshots to subscribed observers.
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logging.Logger("smartload/monitoring")

// DefaultTickInterval is how often a snapshot is re-broadcast to
// subscribers even without state changes.
const DefaultTickInterval = time.Second

// subscriberBuffer is the per-subscriber channel depth; slow subscribers
// miss intermediate snapshots rather than blocking the loader.
const subscriberBuffer = 16

// Stats is a point-in-time aggregate of loader activity. It is derived
// from counters on every state-changing event and never independently
// mutated.
type Stats struct {
	TotalTasks     int64
	CompletedTasks int64
	FailedTasks    int64
	CachedTasks    int64
	DroppedTasks   int64

	ActiveLoaders int
	QueueSize     int

	SuccessRate  float64
	CacheHitRate float64

	AverageWaitTime      time.Duration
	EstimatedMemoryBytes int64

	Timestamp time.Time
}

// Collector maintains loader counters, exposes them through a private
// prometheus registry, and pushes snapshots to subscribers after every
// state transition plus on a periodic tick.
type Collector struct {
	mu sync.Mutex

	totalTasks     int64
	completedTasks int64
	failedTasks    int64
	cachedTasks    int64
	droppedTasks   int64
	activeLoaders  int
	queueSize      int
	avgWaitTime    time.Duration
	memoryBytes    int64

	subscribers map[string]chan Stats

	registry      *prometheus.Registry
	promTotal     prometheus.Counter
	promCompleted prometheus.Counter
	promFailed    prometheus.Counter
	promCached    prometheus.Counter
	promDropped   prometheus.Counter
	promActive    prometheus.Gauge
	promQueued    prometheus.Gauge
	promMemory    prometheus.Gauge

	tickInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      int32
}

// NewCollector creates a collector with its own prometheus registry.
func NewCollector(ctx context.Context) *Collector {
	ctx, cancel := context.WithCancel(ctx)
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		subscribers:  make(map[string]chan Stats),
		registry:     registry,
		tickInterval: DefaultTickInterval,
		ctx:          ctx,
		cancel:       cancel,

		promTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartload_tasks_total",
			Help: "Total number of submitted tasks",
		}),
		promCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartload_tasks_completed_total",
			Help: "Total number of successfully completed tasks",
		}),
		promFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartload_tasks_failed_total",
			Help: "Total number of failed tasks",
		}),
		promCached: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartload_tasks_cached_total",
			Help: "Total number of tasks served from cache",
		}),
		promDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartload_tasks_dropped_total",
			Help: "Total number of tasks rejected by a full queue",
		}),
		promActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smartload_active_loaders",
			Help: "Number of tasks currently loading",
		}),
		promQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smartload_queue_size",
			Help: "Number of tasks waiting in priority buckets",
		}),
		promMemory: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smartload_estimated_memory_bytes",
			Help: "Estimated memory held by cache and pending tasks",
		}),
	}
}

// SetTickInterval overrides the periodic broadcast interval. Must be
// called before Start.
func (c *Collector) SetTickInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickInterval = interval
}

// Registry returns the prometheus registry for external scraping.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start begins the periodic re-broadcast tick.
func (c *Collector) Start() {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return // Already running
	}

	c.wg.Add(1)
	go c.tickLoop()
	log.Debug("stats collector started")
}

// Stop stops the periodic tick and closes all subscriber channels.
func (c *Collector) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return // Not running
	}

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	log.Debug("stats collector stopped")
}

// RecordSubmitted counts a newly accepted task.
func (c *Collector) RecordSubmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTasks++
	c.promTotal.Inc()
	c.broadcastLocked()
}

// RecordCompleted counts a successful task. cached marks a cache hit;
// waitTime is the interval between submission and completion and feeds
// the moving average.
func (c *Collector) RecordCompleted(cached bool, waitTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completedTasks++
	c.promCompleted.Inc()
	if cached {
		c.cachedTasks++
		c.promCached.Inc()
	}

	// Simple moving average over processed tasks
	if c.completedTasks == 1 {
		c.avgWaitTime = waitTime
	} else {
		c.avgWaitTime = time.Duration((int64(c.avgWaitTime)*9 + int64(waitTime)) / 10)
	}

	c.broadcastLocked()
}

// RecordFailed counts a task that resolved as error, timeout, or cancelled.
func (c *Collector) RecordFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedTasks++
	c.promFailed.Inc()
	c.broadcastLocked()
}

// RecordDropped counts a task rejected by a full queue.
func (c *Collector) RecordDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.droppedTasks++
	c.promDropped.Inc()
	c.broadcastLocked()
}

// SetLoad updates the instantaneous active/queued/memory readings.
func (c *Collector) SetLoad(active, queued int, memoryBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeLoaders = active
	c.queueSize = queued
	c.memoryBytes = memoryBytes
	c.promActive.Set(float64(active))
	c.promQueued.Set(float64(queued))
	c.promMemory.Set(float64(memoryBytes))
	c.broadcastLocked()
}

// Snapshot returns the current derived stats.
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers an observer and returns its id and channel. The
// channel is buffered; snapshots are dropped rather than blocking when
// the observer falls behind.
func (c *Collector) Subscribe() (string, <-chan Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Stats, subscriberBuffer)
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes the observer and closes its channel. Returns false
// if the id is unknown.
func (c *Collector) Unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.subscribers[id]
	if !ok {
		return false
	}
	close(ch)
	delete(c.subscribers, id)
	return true
}

func (c *Collector) snapshotLocked() Stats {
	s := Stats{
		TotalTasks:           c.totalTasks,
		CompletedTasks:       c.completedTasks,
		FailedTasks:          c.failedTasks,
		CachedTasks:          c.cachedTasks,
		DroppedTasks:         c.droppedTasks,
		ActiveLoaders:        c.activeLoaders,
		QueueSize:            c.queueSize,
		AverageWaitTime:      c.avgWaitTime,
		EstimatedMemoryBytes: c.memoryBytes,
		Timestamp:            time.Now(),
	}
	if c.totalTasks > 0 {
		s.SuccessRate = float64(c.completedTasks) / float64(c.totalTasks)
		s.CacheHitRate = float64(c.cachedTasks) / float64(c.totalTasks)
	}
	return s
}

func (c *Collector) broadcastLocked() {
	if len(c.subscribers) == 0 {
		return
	}

	snap := c.snapshotLocked()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			// Subscriber is behind; it will catch up on the next snapshot.
		}
	}
}

func (c *Collector) tickLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.broadcastLocked()
			c.mu.Unlock()
		}
	}
}
