package priority

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxBucketSize bounds each bucket; enqueues past it are rejected.
const DefaultMaxBucketSize = 10000

// Item is a queued unit of work. The loader's pending task implements it.
type Item interface {
	ID() string
	Priority() Priority
	EstimatedDuration() time.Duration
}

type queued struct {
	item  Item
	score float64
	// sortKey orders the bucket, highest first. It is the adaptive score
	// when adaptive scheduling is on, otherwise the negated estimated
	// duration so short tasks dequeue first.
	sortKey    float64
	enqueuedAt time.Time
}

// Buckets holds pending tasks in four priority-ordered lists. A task is
// in exactly one bucket or handed out, never both.
type Buckets struct {
	mu      sync.Mutex
	buckets [4][]*queued
	maxSize int
}

// NewBuckets creates empty buckets with the given per-bucket capacity.
// A non-positive capacity means DefaultMaxBucketSize.
func NewBuckets(maxSize int) *Buckets {
	if maxSize <= 0 {
		maxSize = DefaultMaxBucketSize
	}
	return &Buckets{maxSize: maxSize}
}

// Enqueue appends the item to its priority bucket and re-sorts the bucket
// by descending sort key. Pass the adaptive score as key when adaptive
// scheduling is enabled; otherwise pass the negated estimated duration.
func (b *Buckets) Enqueue(item Item, score, sortKey float64) error {
	p := item.Priority()
	if !p.Valid() {
		return ErrInvalidPriority
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := b.buckets[p]
	if len(bucket) >= b.maxSize {
		return ErrQueueFull
	}

	bucket = append(bucket, &queued{
		item:       item,
		score:      score,
		sortKey:    sortKey,
		enqueuedAt: time.Now(),
	})
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].sortKey > bucket[j].sortKey
	})
	b.buckets[p] = bucket

	log.Debugf("enqueued task %s with priority %s (bucket size: %d)", item.ID(), p, len(bucket))
	return nil
}

// Next returns the next runnable item. Buckets are scanned in strict
// critical to low order; within a bucket only the head is considered. A
// head whose ready check fails is rotated to the back of its bucket and
// that bucket is skipped for this pass, so a blocked head neither
// busy-spins nor stalls lower buckets.
func (b *Buckets) Next(ready func(Item) bool) (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := Critical; p >= Low; p-- {
		bucket := b.buckets[p]
		if len(bucket) == 0 {
			continue
		}

		head := bucket[0]
		if ready == nil || ready(head.item) {
			b.buckets[p] = bucket[1:]
			return head.item, true
		}

		// Blocked head: rotate and move on to the next bucket.
		b.buckets[p] = append(bucket[1:], head)
	}

	return nil, false
}

// Remove deletes the item with the given id from whichever bucket holds
// it. Returns false if no bucket holds it.
func (b *Buckets) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := range b.buckets {
		for i, q := range b.buckets[p] {
			if q.item.ID() == id {
				b.buckets[p] = append(b.buckets[p][:i], b.buckets[p][i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the total number of queued items.
func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, bucket := range b.buckets {
		total += len(bucket)
	}
	return total
}

// Snapshot returns the queued ids per priority, in dequeue order.
func (b *Buckets) Snapshot() map[Priority][]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := make(map[Priority][]string, 4)
	for p := Low; p <= Critical; p++ {
		ids := make([]string, 0, len(b.buckets[p]))
		for _, q := range b.buckets[p] {
			ids = append(ids, q.item.ID())
		}
		snap[p] = ids
	}
	return snap
}

// ShouldAdmitImmediately decides whether a task bypasses the queue.
// Critical tasks always run immediately. High tasks run immediately while
// there is capacity. Other tiers run immediately either when their
// adaptive score clears the threshold (adaptive scheduling on) or when
// there is capacity (adaptive scheduling off).
func ShouldAdmitImmediately(p Priority, score float64, active, maxConcurrent int, adaptiveEnabled bool, criticalThreshold float64) bool {
	switch p {
	case Critical:
		return true
	case High:
		return active < maxConcurrent
	default:
		if adaptiveEnabled {
			return score > criticalThreshold
		}
		return active < maxConcurrent
	}
}
