package matchengine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/matchengine/internal/persistence"
	"github.com/petrijr/matchengine/pkg/api"
	"github.com/petrijr/matchengine/pkg/state"
	"github.com/petrijr/matchengine/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task             = api.Task
	CheckIndicesTask = api.CheckIndicesTask
	IndexUpdateTask  = api.IndexUpdateTask
	QueryTask        = api.QueryTask
	UpdateTask       = api.UpdateTask
	RunLogUpdateTask = api.RunLogUpdateTask
	PoisonPill       = api.PoisonPill

	Trial          = api.Trial
	ClinicalID     = api.ClinicalID
	MatchReason    = api.MatchReason
	TrialMatch     = api.TrialMatch
	MatchDocument  = api.MatchDocument
	RunLogDocument = api.RunLogDocument

	Store    = api.Store
	Matcher  = api.Matcher
	RunState = state.RunState

	TaskError            = api.TaskError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRunState          = state.New
)

// Re-export the error sentinels.

var (
	ErrTransient = api.ErrTransient
	ErrAborted   = api.ErrAborted
	ErrNoMatcher = api.ErrNoMatcher
)

// TrialMatchAlias is the index configuration key standing for the run's
// match collection.
const TrialMatchAlias = worker.TrialMatchAlias

// Store constructors
// These wrap the internal/persistence package so external callers
// never need to import internal packages.

// NewMongoStore returns a Store using client for reads and writes.
func NewMongoStore(client *mongo.Client, dbName string) Store {
	return persistence.NewMongoStore(client, dbName)
}

// NewMongoStoreWithReplicas returns a Store reading through ro and writing
// through rw.
func NewMongoStoreWithReplicas(ro, rw *mongo.Client, dbName string) Store {
	return persistence.NewMongoStoreWithReplicas(ro, rw, dbName)
}

// NewInMemoryStore returns a non-durable Store, best for tests.
func NewInMemoryStore() Store {
	return persistence.NewInMemoryStore()
}

// RunHistoryCollection returns the clinical run history ledger collection
// for a match collection.
func RunHistoryCollection(trialMatchCollection string) string {
	return worker.RunHistoryCollection(trialMatchCollection)
}

// RunLogCollection returns the run log collection for a match collection.
func RunLogCollection(trialMatchCollection string) string {
	return worker.RunLogCollection(trialMatchCollection)
}

// EnsureRunHistoryIndex creates the unique clinical_id index on the run
// history ledger. With it in place, ledger documents inserted concurrently
// for the same clinical id collapse into duplicate key errors, which
// RunLogUpdateTask ignores.
func EnsureRunHistoryIndex(ctx context.Context, store Store, trialMatchCollection string) error {
	coll := worker.RunHistoryCollection(trialMatchCollection)
	if err := store.CreateUniqueIndex(ctx, coll, worker.ClinicalIDField); err != nil {
		return fmt.Errorf("matchengine: ensure unique %s index on %s: %w", worker.ClinicalIDField, coll, err)
	}
	return nil
}
