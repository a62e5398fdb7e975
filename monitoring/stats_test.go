package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountersAndRates(t *testing.T) {
	c := NewCollector(context.Background())

	for i := 0; i < 4; i++ {
		c.RecordSubmitted()
	}
	c.RecordCompleted(false, 10*time.Millisecond)
	c.RecordCompleted(true, 20*time.Millisecond)
	c.RecordCompleted(true, 30*time.Millisecond)
	c.RecordFailed()

	s := c.Snapshot()
	assert.Equal(t, int64(4), s.TotalTasks)
	assert.Equal(t, int64(3), s.CompletedTasks)
	assert.Equal(t, int64(1), s.FailedTasks)
	assert.Equal(t, int64(2), s.CachedTasks)
	assert.InDelta(t, 0.75, s.SuccessRate, 0.001)
	assert.InDelta(t, 0.5, s.CacheHitRate, 0.001)
	assert.Greater(t, s.AverageWaitTime, time.Duration(0))
	assert.False(t, s.Timestamp.IsZero())
}

func TestCollectorEmptySnapshot(t *testing.T) {
	c := NewCollector(context.Background())

	s := c.Snapshot()
	assert.Zero(t, s.TotalTasks)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.CacheHitRate)
}

func TestCollectorLoadReadings(t *testing.T) {
	c := NewCollector(context.Background())

	c.SetLoad(3, 7, 2048)

	s := c.Snapshot()
	assert.Equal(t, 3, s.ActiveLoaders)
	assert.Equal(t, 7, s.QueueSize)
	assert.Equal(t, int64(2048), s.EstimatedMemoryBytes)
}

func TestCollectorSubscribeBroadcast(t *testing.T) {
	c := NewCollector(context.Background())

	id, ch := c.Subscribe()
	require.NotEmpty(t, id)

	c.RecordSubmitted()

	select {
	case s := <-ch:
		assert.Equal(t, int64(1), s.TotalTasks)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot after a state change")
	}

	assert.True(t, c.Unsubscribe(id))
	assert.False(t, c.Unsubscribe(id))

	// Channel is closed after unsubscribe
	_, open := <-ch
	assert.False(t, open)
}

func TestCollectorPeriodicTick(t *testing.T) {
	c := NewCollector(context.Background())
	c.SetTickInterval(10 * time.Millisecond)
	c.Start()
	defer c.Stop()

	_, ch := c.Subscribe()

	// No state changes, yet snapshots keep arriving with advancing timestamps
	first := <-ch
	second := <-ch
	assert.True(t, second.Timestamp.After(first.Timestamp) || second.Timestamp.Equal(first.Timestamp))
}

func TestCollectorSlowSubscriberDoesNotBlock(t *testing.T) {
	c := NewCollector(context.Background())

	_, _ = c.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			c.RecordSubmitted()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestCollectorRegistryGathers(t *testing.T) {
	c := NewCollector(context.Background())
	c.RecordSubmitted()
	c.RecordDropped()

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["smartload_tasks_total"])
	assert.True(t, names["smartload_tasks_dropped_total"])
}
