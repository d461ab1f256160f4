package matchengine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/matchengine/internal/persistence"
	"github.com/petrijr/matchengine/internal/testutil"
	"github.com/petrijr/matchengine/pkg/api"
)

// recordingObserver remembers every task a worker started.
type recordingObserver struct {
	api.NoopObserver

	mu      sync.Mutex
	started []api.Task
}

func (o *recordingObserver) OnTaskStart(ctx context.Context, workerID int, task api.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, task)
}

func (o *recordingObserver) startedOfType(tt api.TaskType) []api.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []api.Task
	for _, task := range o.started {
		if task.Type() == tt {
			out = append(out, task)
		}
	}
	return out
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.TrialMatchCollection == "" {
		opts.TrialMatchCollection = "trial_match_test"
	}
	pool, err := NewPool(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return pool
}

func drain(t *testing.T, pool *Pool) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := pool.Drain(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "drain timed out")
	return err
}

func shutdown(t *testing.T, pool *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
}

func TestPool_IndexAuditCreatesMissingIndex(t *testing.T) {
	store := persistence.NewInMemoryStore()
	obs := &recordingObserver{}
	pool := newTestPool(t, Options{
		Workers:  2,
		Store:    store,
		Indices:  map[string][]string{"patient": {"mrn"}},
		Observer: obs,
	})

	require.NoError(t, pool.Submit(context.Background(), CheckIndicesTask{}))
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)

	require.Equal(t, []api.Task{IndexUpdateTask{Collection: "patient", Index: "mrn"}},
		obs.startedOfType(api.TaskTypeIndexUpdate))

	keys, err := store.ListIndexKeys(context.Background(), "patient")
	require.NoError(t, err)
	require.Contains(t, keys, "mrn")
}

func TestPool_QueriesAggregateIntoOneBucket(t *testing.T) {
	matcher := &testutil.StubMatcher{
		RunQueryFn: func(ctx context.Context, query bson.M, ids []api.ClinicalID) ([]api.MatchReason, error) {
			return []api.MatchReason{{Kind: api.MatchReasonClinical, ClinicalID: ids[0]}}, nil
		},
		CreateTrialMatchFn: func(tm api.TrialMatch) (api.MatchDocument, error) {
			return api.MatchDocument{"sample_id": "s1", "protocol_no": tm.Trial.ProtocolNo}, nil
		},
	}
	pool := newTestPool(t, Options{
		Workers: 3,
		Store:   persistence.NewInMemoryStore(),
		Matcher: matcher,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), QueryTask{
			Trial:       Trial{ProtocolNo: "P001"},
			Query:       bson.M{"n": i},
			ClinicalIDs: []ClinicalID{"c1", "c2"},
		}))
	}
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)

	require.Len(t, pool.State().Bucket("P001", "s1"), 3)
	require.EqualValues(t, 3, pool.State().MatchCount())
}

func TestPool_TransientUpdateWritesOnce(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	store := testutil.NewFaultyStore(mem)
	store.FailNext(testutil.OpBulkWrite, testutil.SteppedDown())

	pool := newTestPool(t, Options{Workers: 2, Store: store})

	require.NoError(t, pool.Submit(context.Background(), UpdateTask{
		ProtocolNo: "P001",
		Ops: []mongo.WriteModel{
			mongo.NewInsertOneModel().SetDocument(bson.M{"sample_id": "s1", "protocol_no": "P001"}),
		},
	}))
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)

	require.Equal(t, 2, store.Calls(testutil.OpBulkWrite))
	require.Equal(t, 1, mem.BulkWrites("trial_match_test"))
	require.Len(t, mem.Documents("trial_match_test"), 1)
}

func TestPool_AggregationFailureStopsPool(t *testing.T) {
	matcher := &testutil.StubMatcher{
		CreateTrialMatchFn: func(tm api.TrialMatch) (api.MatchDocument, error) {
			return nil, errors.New("bad match clause")
		},
	}
	pool := newTestPool(t, Options{
		Workers: 2,
		Store:   persistence.NewInMemoryStore(),
		Matcher: matcher,
	})

	require.NoError(t, pool.Submit(context.Background(), QueryTask{
		Trial:       Trial{ProtocolNo: "P001"},
		ClinicalIDs: []ClinicalID{"c1"},
	}))

	err := drain(t, pool)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.ErrorContains(t, err, "bad match clause")

	select {
	case <-pool.Stopped():
	default:
		t.Fatalf("expected pool to be stopped")
	}
	require.Same(t, taskErr, pool.Err())
	require.Equal(t, 1, pool.Outstanding(), "failed attempt must not be acknowledged")

	require.Error(t, pool.Submit(context.Background(), CheckIndicesTask{}))
	shutdown(t, pool)
}

func TestPool_SwallowedFailureStillStopsPool(t *testing.T) {
	matcher := &testutil.StubMatcher{
		RunQueryFn: func(ctx context.Context, query bson.M, ids []api.ClinicalID) ([]api.MatchReason, error) {
			return nil, errors.New("unknown operator")
		},
	}
	pool := newTestPool(t, Options{Store: persistence.NewInMemoryStore(), Matcher: matcher})

	require.NoError(t, pool.Submit(context.Background(), QueryTask{Trial: Trial{ProtocolNo: "P001"}}))

	err := drain(t, pool)
	require.ErrorIs(t, err, ErrAborted)
	var taskErr *TaskError
	require.False(t, errors.As(err, &taskErr))
	shutdown(t, pool)
}

func TestPool_AbortLeavesBacklogUntouched(t *testing.T) {
	tests := []struct {
		name      string
		matcher   func(release <-chan struct{}) *testutil.StubMatcher
		propagate bool
	}{
		{
			name: "swallowed query failure",
			matcher: func(release <-chan struct{}) *testutil.StubMatcher {
				return &testutil.StubMatcher{
					RunQueryFn: func(ctx context.Context, query bson.M, ids []api.ClinicalID) ([]api.MatchReason, error) {
						<-release
						return nil, errors.New("malformed query")
					},
				}
			},
		},
		{
			name: "propagated aggregation failure",
			matcher: func(release <-chan struct{}) *testutil.StubMatcher {
				return &testutil.StubMatcher{
					CreateTrialMatchFn: func(tm api.TrialMatch) (api.MatchDocument, error) {
						<-release
						return nil, errors.New("no sample for clinical document")
					},
				}
			},
			propagate: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			release := make(chan struct{})
			matcher := tc.matcher(release)
			obs := &recordingObserver{}
			pool := newTestPool(t, Options{
				Workers:  1,
				Store:    persistence.NewInMemoryStore(),
				Matcher:  matcher,
				Observer: obs,
			})

			ctx := context.Background()
			require.NoError(t, pool.Submit(ctx, QueryTask{
				Trial:       Trial{ProtocolNo: "BAD"},
				ClinicalIDs: []ClinicalID{"c0"},
			}))
			const backlog = 5
			for i := 0; i < backlog; i++ {
				require.NoError(t, pool.Submit(ctx, QueryTask{
					Trial:       Trial{ProtocolNo: fmt.Sprintf("P%d", i)},
					ClinicalIDs: []ClinicalID{"c1"},
				}))
			}
			close(release)

			err := drain(t, pool)
			var taskErr *TaskError
			if tc.propagate {
				require.ErrorAs(t, err, &taskErr)
			} else {
				require.ErrorIs(t, err, ErrAborted)
				require.False(t, errors.As(err, &taskErr))
			}
			shutdown(t, pool)

			require.Len(t, obs.startedOfType(api.TaskTypeQuery), 1)
			require.EqualValues(t, 1, matcher.Queries())
			require.Empty(t, pool.State().ProtocolNos())
			require.EqualValues(t, 0, pool.State().MatchCount())
			require.Equal(t, backlog, pool.Len())
		})
	}
}

func TestPool_AbortCancelsInFlightStoreCalls(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	store := testutil.NewFaultyStore(mem)
	entered := make(chan struct{})
	store.OnCall(testutil.OpCreateIndex, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	store.FailNext(testutil.OpBulkWrite, errors.New("document failed validation"))

	metrics := &BasicMetrics{}
	pool := newTestPool(t, Options{Workers: 2, Store: store, Observer: metrics})

	require.NoError(t, pool.Submit(context.Background(), IndexUpdateTask{Collection: "slow", Index: "x"}))
	<-entered
	require.NoError(t, pool.Submit(context.Background(), UpdateTask{
		ProtocolNo: "P001",
		Ops:        []mongo.WriteModel{mongo.NewInsertOneModel().SetDocument(bson.M{"sample_id": "s1"})},
	}))

	err := drain(t, pool)
	require.ErrorContains(t, err, "document failed validation")
	shutdown(t, pool)

	snap := metrics.Snapshot()
	require.EqualValues(t, 1, snap.TasksFailed)
	require.EqualValues(t, 1, snap.Aborts)
}

func TestPool_ManyTrialsDistinctBuckets(t *testing.T) {
	pool := newTestPool(t, Options{
		Workers: 8,
		Store:   persistence.NewInMemoryStore(),
		Matcher: &testutil.StubMatcher{},
	})

	const trials, queriesPerTrial = 20, 5
	for i := 0; i < trials; i++ {
		for j := 0; j < queriesPerTrial; j++ {
			require.NoError(t, pool.Submit(context.Background(), QueryTask{
				Trial:       Trial{ProtocolNo: fmt.Sprintf("P%03d", i)},
				ClinicalIDs: []ClinicalID{"c1", "c2"},
			}))
		}
	}
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)

	st := pool.State()
	require.Len(t, st.ProtocolNos(), trials)
	for _, p := range st.ProtocolNos() {
		require.Len(t, st.Bucket(p, "S-c1"), queriesPerTrial)
		require.Len(t, st.Bucket(p, "S-c2"), queriesPerTrial)
	}
	require.EqualValues(t, trials*queriesPerTrial*2, st.MatchCount())
}

func TestPool_RunLogAfterQueries(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	ctx := context.Background()

	state := NewRunState()
	require.NoError(t, state.SetRunLog("P001", RunLogDocument{"protocol_no": "P001"}, []ClinicalID{"c1", "c2"}))
	require.NoError(t, state.SetRunLog("P002", RunLogDocument{"protocol_no": "P002"}, []ClinicalID{"c2"}))

	pool := newTestPool(t, Options{Workers: 2, Store: mem, State: state, RunID: "run-42"})
	require.NoError(t, pool.Submit(ctx, RunLogUpdateTask{ProtocolNo: "P001"}))
	require.NoError(t, pool.Submit(ctx, RunLogUpdateTask{ProtocolNo: "P002"}))
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)

	ledger := mem.Documents(RunHistoryCollection("trial_match_test"))
	require.Len(t, ledger, 2)
	for _, d := range ledger {
		hist := d["run_history"].(bson.A)
		switch d["clinical_id"] {
		case "c1":
			require.Equal(t, bson.A{"run-42"}, hist)
		case "c2":
			require.Equal(t, bson.A{"run-42", "run-42"}, hist)
		default:
			t.Fatalf("unexpected ledger document %v", d)
		}
	}
	require.Len(t, mem.Documents(RunLogCollection("trial_match_test")), 2)
}

func TestPool_StartCreatesRunHistoryIndex(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	newTestPool(t, Options{Store: mem})

	keys, err := mem.ListIndexKeys(context.Background(), RunHistoryCollection("trial_match_test"))
	require.NoError(t, err)
	require.Contains(t, keys, "clinical_id")

	skipped := persistence.NewInMemoryStore()
	newTestPool(t, Options{Store: skipped, SkipRunHistoryIndex: true})
	keys, err = skipped.ListIndexKeys(context.Background(), RunHistoryCollection("trial_match_test"))
	require.NoError(t, err)
	require.NotContains(t, keys, "clinical_id")
}

func TestPool_StartFailsWhenRunHistoryIndexFails(t *testing.T) {
	store := testutil.NewFaultyStore(persistence.NewInMemoryStore())
	store.FailNext(testutil.OpCreateUniqueIndex, errors.New("not authorized"))

	pool, err := NewPool(Options{Store: store, TrialMatchCollection: "trial_match_test"})
	require.NoError(t, err)
	require.ErrorContains(t, pool.Start(context.Background()), "not authorized")

	// Nothing was launched, so a retry may start the pool.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	pool.Stop()
}

func TestPool_SameTrialRunLogTwiceKeepsOneLedgerDocument(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	ctx := context.Background()

	state := NewRunState()
	ids := []ClinicalID{"c1", "c2", "c3"}
	require.NoError(t, state.SetRunLog("P001", RunLogDocument{"protocol_no": "P001"}, ids))

	pool := newTestPool(t, Options{Workers: 4, Store: mem, State: state, RunID: "run-7"})
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(ctx, RunLogUpdateTask{ProtocolNo: "P001"}))
	}
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)

	ledger := mem.Documents(RunHistoryCollection("trial_match_test"))
	require.Len(t, ledger, len(ids))
	for _, d := range ledger {
		require.Len(t, d["run_history"].(bson.A), 4)
	}
}

func TestPool_DrainWithNothingSubmitted(t *testing.T) {
	pool := newTestPool(t, Options{Store: persistence.NewInMemoryStore()})
	require.NoError(t, drain(t, pool))
	shutdown(t, pool)
}

func TestPool_StopAbandonsWork(t *testing.T) {
	store := testutil.NewFaultyStore(persistence.NewInMemoryStore())
	entered := make(chan struct{})
	store.OnCall(testutil.OpCreateIndex, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	pool := newTestPool(t, Options{Store: store})

	require.NoError(t, pool.Submit(context.Background(), IndexUpdateTask{Collection: "slow", Index: "x"}))
	<-entered
	pool.Stop()

	require.ErrorIs(t, pool.Err(), ErrStopped)
	require.ErrorIs(t, drain(t, pool), ErrStopped)
	require.Equal(t, 1, pool.Outstanding())
}

func TestPool_StartTwice(t *testing.T) {
	pool := newTestPool(t, Options{Store: persistence.NewInMemoryStore()})
	require.Error(t, pool.Start(context.Background()))
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(Options{TrialMatchCollection: "trial_match"})
	require.Error(t, err, "store is required")

	_, err = NewPool(Options{Store: persistence.NewInMemoryStore()})
	require.Error(t, err, "trial match collection is required")

	_, err = NewPool(Options{Store: persistence.NewInMemoryStore(), TrialMatchCollection: "tm", Workers: -1})
	require.Error(t, err)

	_, err = NewPool(Options{
		Store:                persistence.NewInMemoryStore(),
		TrialMatchCollection: "tm",
		Indices:              map[string][]string{"patient": {""}},
	})
	require.Error(t, err, "empty index key")
}

func TestNewPool_Defaults(t *testing.T) {
	pool, err := NewPool(Options{Store: persistence.NewInMemoryStore(), TrialMatchCollection: "tm"})
	require.NoError(t, err)

	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), pool.RunID())
	require.NotNil(t, pool.State())
	require.Equal(t, 1, pool.opts.Workers)
	require.False(t, pool.opts.StartTime.IsZero())
}
