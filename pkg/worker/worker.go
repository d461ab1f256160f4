package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/matchengine/internal/taskqueue"
	"github.com/petrijr/matchengine/pkg/api"
	"github.com/petrijr/matchengine/pkg/state"
)

// ErrPoisoned is returned by ProcessOne when the worker dequeued a
// PoisonPill and must exit.
var ErrPoisoned = errors.New("worker: poison pill received")

// DefaultProgressEvery is how many match documents are produced between two
// progress log lines.
const DefaultProgressEvery = 1000

// Deps are the collaborators shared by every worker of a pool.
type Deps struct {
	Queue   taskqueue.Queue
	Store   api.Store
	Matcher api.Matcher
	State   *state.RunState

	// Indices maps collection names (or TrialMatchAlias) to the index keys
	// that must exist on them.
	Indices              map[string][]string
	TrialMatchCollection string
	RunID                string
	StartTime            time.Time

	Logger        *slog.Logger
	Observer      api.Observer
	ProgressEvery int64

	// Abort stops the pool with cause. Workers call it before acknowledging
	// the failing attempt; only the first call has an effect.
	Abort func(cause error)
}

// Worker pulls tasks from the queue and runs the handler for each variant.
type Worker struct {
	id   int
	deps Deps
}

// New creates a Worker. Missing Logger, Observer, State and Abort are
// replaced by defaults.
func New(id int, deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = api.NoopObserver{}
	}
	if deps.State == nil {
		deps.State = state.New()
	}
	if deps.ProgressEvery <= 0 {
		deps.ProgressEvery = DefaultProgressEvery
	}
	if deps.Abort == nil {
		deps.Abort = func(error) {}
	}
	return &Worker{id: id, deps: deps}
}

// ID returns the worker's identity used in logs.
func (w *Worker) ID() int {
	return w.id
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was run; err is the Dequeue error or the
//     cancellation of ctx. A stopped pool never starts another task.
//   - processed == true, err == ErrPoisoned: the worker must exit.
//   - processed == true, err != nil: the task failed fatally and the pool
//     has already been stopped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	task, err := w.deps.Queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		// Stopped between the pop and here: the task stays outstanding.
		return false, err
	}

	if _, ok := task.(api.PoisonPill); ok {
		w.deps.Logger.DebugContext(ctx, "task_received", slog.Int("worker", w.id), slog.Any("task", task))
		if err := w.deps.Queue.Ack(); err != nil {
			return true, err
		}
		return true, ErrPoisoned
	}

	start := time.Now()
	w.deps.Observer.OnTaskStart(ctx, w.id, task)
	out := w.dispatch(ctx, task)
	return true, w.settle(ctx, task, out, time.Since(start))
}

func (w *Worker) dispatch(ctx context.Context, task api.Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.deps.Logger.ErrorContext(ctx, "task_panic",
				slog.Int("worker", w.id),
				slog.Any("task", task),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out = fatal(fmt.Errorf("panic in %s handler: %v", task.Type(), r), true, false)
		}
	}()

	switch t := task.(type) {
	case api.CheckIndicesTask:
		return w.runCheckIndices(ctx, t)
	case api.IndexUpdateTask:
		return w.runIndexUpdate(ctx, t)
	case api.QueryTask:
		return w.runQuery(ctx, t)
	case api.UpdateTask:
		return w.runUpdate(ctx, t)
	case api.RunLogUpdateTask:
		return w.runRunLogUpdate(ctx, t)
	default:
		return fatal(fmt.Errorf("unknown task type %T", task), true, true)
	}
}

// settle applies a handler outcome to the queue and the pool.
func (w *Worker) settle(ctx context.Context, task api.Task, out Outcome, d time.Duration) error {
	log := w.deps.Logger.With(slog.Int("worker", w.id), slog.Any("task", task))

	if out.Kind == Succeeded {
		w.deps.Observer.OnTaskCompleted(ctx, w.id, task, api.TaskSucceeded, nil, d)
		return w.deps.Queue.Ack()
	}

	if ctx.Err() != nil {
		// The pool was stopped while this task ran; whatever failed is a
		// consequence of the stop, not a new cause.
		log.DebugContext(ctx, "task_abandoned", slog.Any("error", out.Err))
		w.deps.Observer.OnTaskCompleted(ctx, w.id, task, api.TaskAbandoned, out.Err, d)
		return ctx.Err()
	}

	if out.Kind == Retry {
		log.WarnContext(ctx, "task_retry", slog.Any("error", out.Err))
		w.deps.Observer.OnTaskCompleted(ctx, w.id, task, api.TaskRetried, out.Err, d)
		if err := w.deps.Queue.Requeue(out.Task); err != nil {
			return fmt.Errorf("requeue %s task: %w", task.Type(), err)
		}
		return nil
	}

	log.ErrorContext(ctx, "task_failed",
		slog.Any("error", out.Err),
		slog.Bool("propagate", out.Propagate),
	)

	var cause error
	if out.Propagate {
		cause = &api.TaskError{WorkerID: w.id, Task: task, Err: out.Err}
	} else {
		cause = fmt.Errorf("%w: worker %d: %s task: %v", api.ErrAborted, w.id, task.Type(), out.Err)
	}
	w.deps.Abort(cause)
	w.deps.Observer.OnTaskCompleted(ctx, w.id, task, api.TaskFailed, out.Err, d)

	if out.Ack {
		if err := w.deps.Queue.Ack(); err != nil {
			return err
		}
	}
	if out.Propagate {
		return cause
	}
	return nil
}
