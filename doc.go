// Package matchengine runs the maintenance and matching tasks of a clinical
// trial matching run on a pool of concurrent workers backed by MongoDB.
//
// A run produces trial match documents for every trial and patient pair that
// satisfies a trial's criteria. The work is split into small tasks that share
// one FIFO queue:
//
//   - CheckIndicesTask audits the configured collections and queues one
//     IndexUpdateTask per missing index.
//   - IndexUpdateTask creates a single index.
//   - QueryTask evaluates one trial match criterion and records a match
//     document per matching patient in the run state.
//   - UpdateTask applies a batch of trial match writes in one unordered bulk
//     write.
//   - RunLogUpdateTask stamps the run id onto the run history of every
//     patient the run looked at and records the run log summary.
//
// # Pool
//
// A Pool owns the queue, the workers and the shared run state:
//
//	pool, err := matchengine.NewPool(matchengine.Options{
//	    Workers:              8,
//	    Store:                matchengine.NewMongoStore(client, "matchminer"),
//	    Indices:              map[string][]string{"clinical": {"SAMPLE_ID"}},
//	    TrialMatchCollection: "trial_match",
//	    Matcher:              matcher,
//	})
//	if err != nil { ... }
//	if err := pool.Start(ctx); err != nil { ... }
//	_ = pool.Submit(ctx, matchengine.CheckIndicesTask{})
//	if err := pool.Drain(ctx); err != nil { ... }
//	_ = pool.Shutdown(ctx)
//
// Drain returns once every submitted task, including the tasks queued by other
// tasks, has been acknowledged.
//
// # Failures
//
// Transient database errors (network errors, timeouts and replica set
// failovers) requeue the task at the back of the queue. Any partial work of
// the failed attempt is discarded before the retry.
//
// Other errors are fatal. Depending on the task, a fatal error either stops
// the whole pool, in which case Drain returns a *TaskError, or is logged and
// swallowed, in which case Drain returns ErrAborted wrapped around the first
// swallowed failure. Once the pool has stopped, in-flight store calls are
// cancelled and Submit fails.
//
// # Run state
//
// Matches are collected in a RunState keyed by protocol number and sample id.
// The caller reads it through Pool.State once Drain returns.
package matchengine
