package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashkit/smartload/graph"
	"github.com/dashkit/smartload/priority"
)

// Tasks submitted in reverse dependency order still execute
// dependencies first.
func TestBatchDependencyOrder(t *testing.T) {
	l := newLoader(t)

	var mu sync.Mutex
	var order []string
	recording := func(id string) Loadable {
		return LoaderFunc(func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		})
	}

	results, err := l.LoadBatch(testCtx(t), []*Task{
		{ID: "c", Priority: priority.Medium, Dependencies: []string{"b"}, Loader: recording("c")},
		{ID: "b", Priority: priority.Medium, Dependencies: []string{"a"}, Loader: recording("b")},
		{ID: "a", Priority: priority.Medium, Loader: recording("a")},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []interface{}{"c", "b", "a"}, results)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBatchDiamond(t *testing.T) {
	l := newLoader(t)

	var aDone atomic.Bool
	var mid int32
	results, err := l.LoadBatch(testCtx(t), []*Task{
		{ID: "a", Priority: priority.Medium, Loader: LoaderFunc(
			func(ctx context.Context) (interface{}, error) {
				aDone.Store(true)
				return "a", nil
			})},
		{ID: "b", Priority: priority.Medium, Dependencies: []string{"a"}, Loader: LoaderFunc(
			func(ctx context.Context) (interface{}, error) {
				require.True(t, aDone.Load())
				atomic.AddInt32(&mid, 1)
				return "b", nil
			})},
		{ID: "c", Priority: priority.Medium, Dependencies: []string{"a"}, Loader: LoaderFunc(
			func(ctx context.Context) (interface{}, error) {
				require.True(t, aDone.Load())
				atomic.AddInt32(&mid, 1)
				return "c", nil
			})},
		{ID: "d", Priority: priority.Medium, Dependencies: []string{"b", "c"}, Loader: LoaderFunc(
			func(ctx context.Context) (interface{}, error) {
				require.Equal(t, int32(2), atomic.LoadInt32(&mid))
				return "d", nil
			})},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", "d"}, results)
}

func TestSubmitBatchAsync(t *testing.T) {
	l := newLoader(t)

	ch := l.SubmitBatch(testCtx(t), []*Task{
		{ID: "a", Priority: priority.Medium, Loader: constLoader("a")},
		{ID: "b", Priority: priority.Medium, Dependencies: []string{"a"}, Loader: constLoader("b")},
	})

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, []interface{}{"a", "b"}, res.Values)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not resolve")
	}
}

// A dependency cycle rejects the whole batch before anything runs.
func TestBatchCycle(t *testing.T) {
	l := newLoader(t)

	var ran int32
	counting := LoaderFunc(func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	})

	_, err := l.LoadBatch(testCtx(t), []*Task{
		{ID: "a", Priority: priority.Medium, Dependencies: []string{"b"}, Loader: counting},
		{ID: "b", Priority: priority.Medium, Dependencies: []string{"a"}, Loader: counting},
	})

	var cyc *graph.CircularDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Zero(t, atomic.LoadInt32(&ran))
	assert.Zero(t, l.Stats().TotalTasks)
}

// Under the default run policy a failed dependency does not stop its
// dependents; the batch reports the failure in its slot.
func TestBatchPartialFailureRunPolicy(t *testing.T) {
	l := newLoader(t)

	boom := errors.New("boom")
	var bRan atomic.Bool
	results, err := l.LoadBatch(testCtx(t), []*Task{
		{ID: "a", Priority: priority.Medium, Retry: RetryConfig{MaxRetries: 0, BackoffMultiplier: 2, InitialDelay: time.Millisecond},
			Loader: failLoader(boom)},
		{ID: "b", Priority: priority.Medium, Dependencies: []string{"a"}, Loader: LoaderFunc(
			func(ctx context.Context) (interface{}, error) {
				bRan.Store(true)
				return "b", nil
			})},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Nil(t, results[0])
	assert.Equal(t, "b", results[1])
	assert.True(t, bRan.Load())

	st, stateErr := l.GetState("a")
	require.NoError(t, stateErr)
	assert.Equal(t, StatusError, st.Status)
}

// Under the skip policy a dependent of a failed task resolves as
// cancelled without running.
func TestDependencySkipPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OnDependencyFailure = DependencySkip
	l := newLoader(t, WithConfig(cfg))

	boom := errors.New("boom")
	_, err := l.Load(testCtx(t), &Task{
		ID: "dep", Priority: priority.Medium,
		Retry:  RetryConfig{MaxRetries: 0, BackoffMultiplier: 2, InitialDelay: time.Millisecond},
		Loader: failLoader(boom),
	})
	require.Error(t, err)

	var ran atomic.Bool
	_, err = l.Load(testCtx(t), &Task{
		ID: "child", Priority: priority.Medium, Dependencies: []string{"dep"},
		Loader: LoaderFunc(func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		}),
	})

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "child", depErr.ID)
	assert.Equal(t, "dep", depErr.DependencyID)
	assert.False(t, ran.Load())

	st, stateErr := l.GetState("child")
	require.NoError(t, stateErr)
	assert.Equal(t, StatusCancelled, st.Status)
}

func TestDependencyFailPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OnDependencyFailure = DependencyFail
	l := newLoader(t, WithConfig(cfg))

	_, err := l.Load(testCtx(t), &Task{
		ID: "dep", Priority: priority.Medium,
		Retry:  RetryConfig{MaxRetries: 0, BackoffMultiplier: 2, InitialDelay: time.Millisecond},
		Loader: failLoader(errors.New("boom")),
	})
	require.Error(t, err)

	_, err = l.Load(testCtx(t), &Task{
		ID: "child", Priority: priority.Medium, Dependencies: []string{"dep"},
		Loader: constLoader(1),
	})

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)

	st, stateErr := l.GetState("child")
	require.NoError(t, stateErr)
	assert.Equal(t, StatusError, st.Status)
}

// A submitted task waits for an in-flight dependency and starts once it
// resolves.
func TestSubmitWaitsForDependency(t *testing.T) {
	l := newLoader(t)

	release := make(chan struct{})
	depCh, err := l.Submit(&Task{ID: "dep", Priority: priority.Medium, Loader: LoaderFunc(
		func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})})
	require.NoError(t, err)

	var ran atomic.Bool
	childCh, err := l.Submit(&Task{ID: "child", Priority: priority.High, Dependencies: []string{"dep"}, Loader: LoaderFunc(
		func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		})})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load(), "child must not start before its dependency resolves")

	close(release)
	<-depCh

	res := <-childCh
	assert.NoError(t, res.Err)
	assert.True(t, ran.Load())
}

// Dependencies on ids this loader never saw impose no wait.
func TestUnknownDependencySatisfied(t *testing.T) {
	l := newLoader(t)

	v, err := l.Load(testCtx(t), &Task{
		ID: "a", Priority: priority.Medium,
		Dependencies: []string{"external-thing"},
		Loader:       constLoader("ok"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
