package api

import (
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeCheckIndices TaskType = "check-indices"
	TaskTypeIndexUpdate  TaskType = "index-update"
	TaskTypeQuery        TaskType = "query"
	TaskTypeUpdate       TaskType = "update"
	TaskTypeRunLogUpdate TaskType = "run-log-update"
	TaskTypePoisonPill   TaskType = "poison-pill"
)

// Task is a unit of work for a worker. The set of tasks is closed: only the
// variants declared in this package implement it.
//
// A task that fails transiently is re-enqueued verbatim, so every variant
// carries all the data it needs to be executed again.
type Task interface {
	Type() TaskType
	slog.LogValuer

	task()
}

// CheckIndicesTask audits the configured indexes and enqueues an
// IndexUpdateTask for every missing one.
type CheckIndicesTask struct{}

// IndexUpdateTask creates a single-key index on a collection.
type IndexUpdateTask struct {
	Collection string
	Index      string
}

// QueryTask runs one query for one trial / match clause / match path and
// aggregates the resulting match documents into the run state.
type QueryTask struct {
	Trial           Trial
	MatchClauseData bson.M
	MatchPath       []string
	Query           bson.M
	ClinicalIDs     []ClinicalID
}

// UpdateTask persists a batch of match document writes for one trial.
type UpdateTask struct {
	ProtocolNo string
	Ops        []mongo.WriteModel
}

// RunLogUpdateTask reconciles the run log and the per-clinical run history
// ledger for one trial.
type RunLogUpdateTask struct {
	ProtocolNo string
}

// PoisonPill asks the worker that receives it to exit.
type PoisonPill struct{}

var (
	_ Task = CheckIndicesTask{}
	_ Task = IndexUpdateTask{}
	_ Task = QueryTask{}
	_ Task = UpdateTask{}
	_ Task = RunLogUpdateTask{}
	_ Task = PoisonPill{}
)

func (CheckIndicesTask) Type() TaskType { return TaskTypeCheckIndices }
func (IndexUpdateTask) Type() TaskType  { return TaskTypeIndexUpdate }
func (QueryTask) Type() TaskType        { return TaskTypeQuery }
func (UpdateTask) Type() TaskType       { return TaskTypeUpdate }
func (RunLogUpdateTask) Type() TaskType { return TaskTypeRunLogUpdate }
func (PoisonPill) Type() TaskType       { return TaskTypePoisonPill }

func (CheckIndicesTask) task() {}
func (IndexUpdateTask) task()  {}
func (QueryTask) task()        {}
func (UpdateTask) task()       {}
func (RunLogUpdateTask) task() {}
func (PoisonPill) task()       {}

func (t CheckIndicesTask) LogValue() slog.Value {
	return slog.GroupValue(slog.String("type", string(t.Type())))
}

func (t IndexUpdateTask) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(t.Type())),
		slog.String("collection", t.Collection),
		slog.String("index", t.Index),
	)
}

func (t QueryTask) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(t.Type())),
		slog.String("protocol_no", t.Trial.ProtocolNo),
		slog.Any("match_path", t.MatchPath),
		slog.Int("clinical_ids", len(t.ClinicalIDs)),
	)
}

func (t UpdateTask) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(t.Type())),
		slog.String("protocol_no", t.ProtocolNo),
		slog.Int("ops", len(t.Ops)),
	)
}

func (t RunLogUpdateTask) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(t.Type())),
		slog.String("protocol_no", t.ProtocolNo),
	)
}

func (t PoisonPill) LogValue() slog.Value {
	return slog.GroupValue(slog.String("type", string(t.Type())))
}
