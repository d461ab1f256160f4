package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/matchengine/pkg/api"
)

// runCheckIndices enqueues an IndexUpdateTask for every configured index
// missing from its collection. Every collection is listed before anything
// is enqueued, so a retried audit never enqueues half of its work twice.
func (w *Worker) runCheckIndices(ctx context.Context, t api.CheckIndicesTask) Outcome {
	w.deps.Logger.DebugContext(ctx, "task_received", slog.Int("worker", w.id), slog.Any("task", t))

	aliases := make([]string, 0, len(w.deps.Indices))
	for alias := range w.deps.Indices {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	var missing []api.IndexUpdateTask
	for _, alias := range aliases {
		collection := alias
		if alias == TrialMatchAlias {
			collection = w.deps.TrialMatchCollection
		}

		existing, err := w.deps.Store.ListIndexKeys(ctx, collection)
		if err != nil {
			return classified(t, fmt.Errorf("list indexes on %s: %w", collection, err), true, false)
		}
		have := make(map[string]struct{}, len(existing))
		for _, key := range existing {
			have[key] = struct{}{}
		}

		desired := append([]string(nil), w.deps.Indices[alias]...)
		sort.Strings(desired)
		for _, key := range desired {
			if _, ok := have[key]; ok {
				continue
			}
			have[key] = struct{}{}
			missing = append(missing, api.IndexUpdateTask{Collection: collection, Index: key})
		}
	}

	for _, m := range missing {
		if err := w.deps.Queue.Enqueue(ctx, m); err != nil {
			return fatal(fmt.Errorf("enqueue %s.%s index update: %w", m.Collection, m.Index, err), true, false)
		}
	}
	return succeeded()
}

// runIndexUpdate creates one index. Fatal failures stop the pool but are
// not propagated.
func (w *Worker) runIndexUpdate(ctx context.Context, t api.IndexUpdateTask) Outcome {
	w.deps.Logger.DebugContext(ctx, "task_received", slog.Int("worker", w.id), slog.Any("task", t))

	if err := w.deps.Store.CreateIndex(ctx, t.Collection, t.Index); err != nil {
		return classified(t, fmt.Errorf("create index %s on %s: %w", t.Index, t.Collection, err), false, false)
	}
	return succeeded()
}

// runQuery runs the task's query and appends one match document per match
// reason to the run state.
//
// A transient query failure drops the attempt and retries it. Any other
// query failure stops the pool without propagating and the attempt ends
// with nothing aggregated. A failure while aggregating is always propagated:
// the run state may be partially updated.
func (w *Worker) runQuery(ctx context.Context, t api.QueryTask) Outcome {
	w.deps.Logger.InfoContext(ctx, "query_task_received",
		slog.Int("worker", w.id),
		slog.String("protocol_no", t.Trial.ProtocolNo),
		slog.Int("queue_len", w.deps.Queue.Len()),
	)

	if w.deps.Matcher == nil {
		return fatal(api.ErrNoMatcher, false, true)
	}

	reasons, err := w.deps.Matcher.RunQuery(ctx, t.Query, t.ClinicalIDs)
	if err != nil {
		if IsTransient(err) {
			return retry(t, err)
		}
		return fatal(fmt.Errorf("run query for %s: %w", t.Trial.ProtocolNo, err), false, true)
	}

	if err := w.aggregate(ctx, t, reasons); err != nil {
		return fatal(fmt.Errorf("aggregate matches for %s: %w", t.Trial.ProtocolNo, err), true, false)
	}
	return succeeded()
}

func (w *Worker) aggregate(ctx context.Context, t api.QueryTask, reasons []api.MatchReason) error {
	protocolNo := t.Trial.ProtocolNo
	for _, reason := range reasons {
		doc, err := w.deps.Matcher.CreateTrialMatch(api.TrialMatch{
			Trial:           t.Trial,
			MatchClauseData: t.MatchClauseData,
			MatchPath:       t.MatchPath,
			Query:           t.Query,
			MatchReason:     reason,
			RunStartTime:    w.deps.StartTime,
		})
		if err != nil {
			return fmt.Errorf("create trial match: %w", err)
		}
		sampleID, err := doc.SampleID()
		if err != nil {
			return err
		}
		if err := w.deps.State.AppendMatch(protocolNo, sampleID, doc); err != nil {
			return err
		}

		total := w.deps.State.IncMatchCount()
		if total%w.deps.ProgressEvery == 0 {
			w.deps.Logger.InfoContext(ctx, "trial_match_count", slog.Int64("count", total))
		}
		w.deps.Observer.OnMatchRecorded(ctx, protocolNo, sampleID, total)
	}
	return nil
}

// runUpdate submits the task's operations as one unordered bulk write to the
// match collection.
func (w *Worker) runUpdate(ctx context.Context, t api.UpdateTask) Outcome {
	w.deps.Logger.DebugContext(ctx, "task_received", slog.Int("worker", w.id), slog.Any("task", t))

	if len(t.Ops) == 0 {
		return succeeded()
	}

	res, err := w.deps.Store.BulkWrite(ctx, w.deps.TrialMatchCollection, t.Ops)
	if err != nil {
		return classified(t, fmt.Errorf("bulk write %d ops for %s: %w", len(t.Ops), t.ProtocolNo, err), true, true)
	}

	w.deps.Logger.DebugContext(ctx, "bulk_write_done",
		slog.Int("worker", w.id),
		slog.String("protocol_no", t.ProtocolNo),
		slog.Int64("inserted", res.Inserted),
		slog.Int64("modified", res.Modified),
		slog.Int64("deleted", res.Deleted),
	)
	return succeeded()
}

// runRunLogUpdate stores the trial's run log entry and stamps the run id on
// the run history of every clinical document the trial was matched against,
// creating missing ledger documents first.
//
// A ledger document inserted concurrently by another worker or run shows up
// as a duplicate key error and is ignored. Re-running the task may append
// the run id to a history twice.
func (w *Worker) runRunLogUpdate(ctx context.Context, t api.RunLogUpdateTask) Outcome {
	w.deps.Logger.DebugContext(ctx, "task_received", slog.Int("worker", w.id), slog.Any("task", t))

	entry, ok := w.deps.State.RunLogEntry(t.ProtocolNo)
	if !ok {
		return fatal(fmt.Errorf("no run log entry recorded for %s", t.ProtocolNo), true, true)
	}
	clinicalIDs, _ := w.deps.State.ClinicalRunLogEntry(t.ProtocolNo)

	ledger := RunHistoryCollection(w.deps.TrialMatchCollection)
	runLog := RunLogCollection(w.deps.TrialMatchCollection)

	var existing []any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(w.recovered(ctx, t, func() error {
		vals, err := w.deps.Store.Distinct(gctx, ledger, ClinicalIDField)
		if err != nil {
			return fmt.Errorf("distinct %s on %s: %w", ClinicalIDField, ledger, err)
		}
		existing = vals
		return nil
	}))
	g.Go(w.recovered(ctx, t, func() error {
		if err := w.deps.Store.InsertOne(gctx, runLog, entry); err != nil {
			return fmt.Errorf("insert run log for %s: %w", t.ProtocolNo, err)
		}
		return nil
	}))
	if err := g.Wait(); err != nil {
		if errors.Is(err, errHandlerPanic) {
			return fatal(err, true, false)
		}
		return classified(t, err, true, true)
	}

	have := make(map[api.ClinicalID]struct{}, len(existing))
	for _, v := range existing {
		have[toClinicalID(v)] = struct{}{}
	}

	var inserts []mongo.WriteModel
	ids := make(bson.A, 0, len(clinicalIDs))
	for _, id := range clinicalIDs {
		ids = append(ids, string(id))
		if _, ok := have[id]; ok {
			continue
		}
		inserts = append(inserts, mongo.NewInsertOneModel().SetDocument(bson.M{
			ClinicalIDField: string(id),
			"run_history":   bson.A{},
		}))
	}

	if len(inserts) > 0 {
		_, err := w.deps.Store.BulkWrite(ctx, ledger, inserts)
		if err != nil && !IsDuplicateKeyOnly(err) {
			return classified(t, fmt.Errorf("insert %d ledger documents: %w", len(inserts), err), true, true)
		}
	}

	_, err := w.deps.Store.UpdateMany(ctx, ledger,
		bson.M{ClinicalIDField: bson.M{"$in": ids}},
		bson.M{"$push": bson.M{"run_history": w.deps.RunID}},
	)
	if err != nil {
		return classified(t, fmt.Errorf("push run id to %s: %w", ledger, err), true, true)
	}
	return succeeded()
}

// errHandlerPanic marks a panic recovered on a goroutine a handler started.
var errHandlerPanic = errors.New("panic in handler goroutine")

// recovered wraps fn for use off the worker goroutine: a panic in fn is
// logged and returned as an errHandlerPanic error.
func (w *Worker) recovered(ctx context.Context, task api.Task, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				w.deps.Logger.ErrorContext(ctx, "task_panic",
					slog.Int("worker", w.id),
					slog.Any("task", task),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: %s task: %v", errHandlerPanic, task.Type(), r)
			}
		}()
		return fn()
	}
}

func toClinicalID(v any) api.ClinicalID {
	switch id := v.(type) {
	case string:
		return api.ClinicalID(id)
	case primitive.ObjectID:
		return api.ClinicalID(id.Hex())
	default:
		return api.ClinicalID(fmt.Sprint(id))
	}
}
