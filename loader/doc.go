// Package loader implements an adaptive in-process task loader: a
// scheduler that runs heterogeneous async operations under priority,
// dependency, concurrency, retry, timeout, and caching constraints while
// adapting admission to perceived system load.
//
// A submission is a Task: a named Loadable with a priority tier, optional
// dependencies on other task ids, a retry policy, a timeout spanning all
// attempts combined, and an optional cache key. Submit registers the task
// and either runs it immediately (critical tasks always; high tasks while
// capacity remains; other tiers when their adaptive score clears the
// configured threshold) or places it in one of four priority buckets.
// Completions re-drain the buckets in strict critical > high > medium >
// low order, subject to the concurrency cap.
//
// Usage:
//
//	l, err := loader.New(ctx)
//	if err != nil {
//		// handle invalid configuration
//	}
//	l.Start()
//	defer l.Stop()
//
//	value, err := l.Load(ctx, &loader.Task{
//		ID:       "kpi-revenue",
//		Priority: priority.High,
//		CacheKey: "kpi:revenue",
//		Retry:    loader.RetryConfig{MaxRetries: 2},
//		Loader: loader.LoaderFunc(func(ctx context.Context) (interface{}, error) {
//			return fetchRevenue(ctx)
//		}),
//	})
//
// Batches resolve one dependency level at a time through LoadBatch;
// a cycle rejects the batch before anything runs, while individual
// failures surface as nil entries so one bad resource cannot block an
// otherwise-successful batch.
//
// The scheduler is single-writer: every mutation of the registry, the
// buckets, and the counters happens behind one mutex. Only the Loadable
// executions themselves run concurrently, at most MaxConcurrentLoaders
// at a time for queue-admitted tasks.
package loader
