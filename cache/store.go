// Package cache provides a TTL key-value store with size-bounded eviction
// for caching loader results.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	metrics "github.com/ipfs/go-metrics-interface"
)

var log = logging.Logger("smartload/cache")

const (
	// DefaultMaxSizeBytes is the default cache size budget (50MB).
	DefaultMaxSizeBytes = 50 * 1024 * 1024

	// DefaultSweepInterval is how often the background sweep purges
	// expired entries that were never re-read.
	DefaultSweepInterval = 60 * time.Second

	// evictTargetRatio is the fraction of the budget eviction shrinks to.
	evictTargetRatio = 0.8

	// defaultEntrySize is the size estimate used for values whose size
	// cannot be derived from the value itself.
	defaultEntrySize = 1024
)

type entry struct {
	data        interface{}
	writtenAt   time.Time
	expiresAt   time.Time
	accessCount int64
	sizeBytes   int64
}

// Store is a TTL cache with lazy score-based eviction. Eviction runs on
// write when the total estimated size exceeds the budget; a background
// sweep additionally purges entries that expired without being re-read.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*entry
	totalSize    int64
	maxSizeBytes int64

	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       int32

	// Metrics
	hitsCounter      metrics.Counter
	missesCounter    metrics.Counter
	evictionsCounter metrics.Counter
	sizeGauge        metrics.Gauge
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize overrides the default size budget.
func WithMaxSize(maxBytes int64) Option {
	return func(s *Store) { s.maxSizeBytes = maxBytes }
}

// WithSweepInterval overrides the default background sweep interval.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) { s.sweepInterval = interval }
}

// NewStore creates a cache store with the given options.
func NewStore(ctx context.Context, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(ctx)

	s := &Store{
		entries:       make(map[string]*entry),
		maxSizeBytes:  DefaultMaxSizeBytes,
		sweepInterval: DefaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Initialize metrics if available
	if metrics.Active() {
		s.hitsCounter = metrics.NewCtx(ctx, "smartload_cache_hits_total",
			"Total number of cache hits").Counter()
		s.missesCounter = metrics.NewCtx(ctx, "smartload_cache_misses_total",
			"Total number of cache misses").Counter()
		s.evictionsCounter = metrics.NewCtx(ctx, "smartload_cache_evictions_total",
			"Total number of evicted entries").Counter()
		s.sizeGauge = metrics.NewCtx(ctx, "smartload_cache_size_bytes",
			"Current estimated cache size in bytes").Gauge()
	}

	return s
}

// Start begins the background sweep loop.
func (s *Store) Start() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return // Already running
	}

	s.wg.Add(1)
	go s.sweepLoop()
	log.Debug("cache sweep started")
}

// Stop stops the background sweep loop.
func (s *Store) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return // Not running
	}

	s.cancel()
	s.wg.Wait()
	log.Debug("cache sweep stopped")
}

// Get returns the cached value for key if present and not expired. An
// expired entry is deleted on read. A hit increments the entry's access
// count.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.recordMiss()
		return nil, false
	}

	if !time.Now().Before(e.expiresAt) {
		s.removeLocked(key, e)
		s.recordMiss()
		return nil, false
	}

	e.accessCount++
	s.recordHit()
	return e.data, true
}

// Put inserts or overwrites the entry for key with the given TTL. The
// entry size is estimated from the value; use PutSized when the caller
// knows the exact size.
func (s *Store) Put(key string, value interface{}, ttl time.Duration) {
	s.PutSized(key, value, estimateSize(value), ttl)
}

// PutSized is Put with an explicit size estimate in bytes.
func (s *Store) PutSized(key string, value interface{}, sizeBytes int64, ttl time.Duration) {
	if sizeBytes <= 0 {
		sizeBytes = defaultEntrySize
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.totalSize -= old.sizeBytes
	}

	s.entries[key] = &entry{
		data:      value,
		writtenAt: now,
		expiresAt: now.Add(ttl),
		sizeBytes: sizeBytes,
	}
	s.totalSize += sizeBytes
	s.updateSizeGauge()

	if s.totalSize > s.maxSizeBytes {
		s.evictLocked()
	}
}

// Delete removes the entry for key. Safe no-op if absent.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeLocked(key, e)
	}
}

// Clear removes all entries, or only entries whose key contains pattern
// when pattern is non-empty.
func (s *Store) Clear(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" {
		s.entries = make(map[string]*entry)
		s.totalSize = 0
		s.updateSizeGauge()
		return
	}

	for key, e := range s.entries {
		if strings.Contains(key, pattern) {
			s.removeLocked(key, e)
		}
	}
}

// Len returns the number of entries currently stored, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SizeBytes returns the current estimated total size.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// sweepLoop periodically purges expired entries.
func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes every expired entry. Exported indirectly through the
// sweep interval; callable directly from tests via Sweep.
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			s.removeLocked(key, e)
			removed++
		}
	}

	if removed > 0 {
		log.Debugf("cache sweep removed %d expired entries (size: %d bytes)", removed, s.totalSize)
	}
}

// Sweep runs one sweep pass immediately.
func (s *Store) Sweep() {
	s.sweep()
}

// evictLocked removes the lowest-scoring entries until the total size is
// at most evictTargetRatio of the budget. Score is accessCount divided by
// entry age, so rarely-read old entries go first.
func (s *Store) evictLocked() {
	target := int64(float64(s.maxSizeBytes) * evictTargetRatio)
	now := time.Now()

	type scored struct {
		key   string
		e     *entry
		score float64
	}

	candidates := make([]scored, 0, len(s.entries))
	for key, e := range s.entries {
		age := now.Sub(e.writtenAt).Seconds()
		if age < 1 {
			age = 1
		}
		candidates = append(candidates, scored{
			key:   key,
			e:     e,
			score: float64(e.accessCount) / age,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	evicted := 0
	for _, c := range candidates {
		if s.totalSize <= target {
			break
		}
		s.removeLocked(c.key, c.e)
		evicted++
		if s.evictionsCounter != nil {
			s.evictionsCounter.Inc()
		}
	}

	log.Debugf("cache eviction removed %d entries (size: %d/%d bytes)", evicted, s.totalSize, s.maxSizeBytes)
}

func (s *Store) removeLocked(key string, e *entry) {
	delete(s.entries, key)
	s.totalSize -= e.sizeBytes
	s.updateSizeGauge()
}

func (s *Store) recordHit() {
	if s.hitsCounter != nil {
		s.hitsCounter.Inc()
	}
}

func (s *Store) recordMiss() {
	if s.missesCounter != nil {
		s.missesCounter.Inc()
	}
}

func (s *Store) updateSizeGauge() {
	if s.sizeGauge != nil {
		s.sizeGauge.Set(float64(s.totalSize))
	}
}

// estimateSize derives a size estimate from the value itself where
// possible, falling back to a fixed default.
func estimateSize(value interface{}) int64 {
	switch v := value.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	default:
		return defaultEntrySize
	}
}
