package matchengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/petrijr/matchengine/internal/taskqueue"
	"github.com/petrijr/matchengine/pkg/api"
	"github.com/petrijr/matchengine/pkg/state"
	"github.com/petrijr/matchengine/pkg/worker"
)

// ErrStopped is the pool's cause after Stop when nothing failed before.
var ErrStopped = errors.New("matchengine: pool stopped")

// Options configures a Pool.
type Options struct {
	// Workers is the number of worker goroutines. Defaults to 1.
	Workers int `validate:"gte=0,lte=1024"`

	Store   api.Store `validate:"required"`
	Matcher api.Matcher

	// State is the run's aggregation state. A fresh one is created if nil.
	State *state.RunState

	// Indices maps collection names to the index keys CheckIndicesTask
	// ensures. The key "trial_match" stands for TrialMatchCollection.
	Indices map[string][]string `validate:"dive,keys,required,endkeys,dive,required"`

	TrialMatchCollection string `validate:"required"`

	// RunID is stamped on every clinical run history. Defaults to a random
	// 32-character hex id.
	RunID     string
	StartTime time.Time

	Logger   *slog.Logger
	Observer api.Observer

	// ProgressEvery sets how often a match count line is logged.
	ProgressEvery int64 `validate:"gte=0"`

	// SkipRunHistoryIndex stops Start from creating the unique clinical_id
	// index on the run history ledger. Without that index, concurrent
	// RunLogUpdateTasks can insert duplicate ledger documents.
	SkipRunHistoryIndex bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (o *Options) applyDefaults() {
	if o.Workers == 0 {
		o.Workers = 1
	}
	if o.State == nil {
		o.State = state.New()
	}
	if o.RunID == "" {
		o.RunID = NewRunID()
	}
	if o.StartTime.IsZero() {
		o.StartTime = time.Now()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = api.NoopObserver{}
	}
	if o.ProgressEvery == 0 {
		o.ProgressEvery = worker.DefaultProgressEvery
	}
}

// NewRunID returns a random run id: a uuid without dashes.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Pool runs a fixed number of workers over one shared task queue.
//
// Typical usage:
//
//	pool, err := matchengine.NewPool(matchengine.Options{...})
//	_ = pool.Start(ctx)
//	_ = pool.Submit(ctx, matchengine.CheckIndicesTask{})
//	err = pool.Drain(ctx)
//	_ = pool.Shutdown(ctx)
//
// The first fatal failure stops the whole pool: every in-flight store call
// is cancelled, every worker exits and Drain returns the cause.
type Pool struct {
	opts  Options
	queue taskqueue.Queue

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	cause   error
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPool validates opts and builds a Pool. Workers are started by Start.
func NewPool(opts Options) (*Pool, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("matchengine: invalid options: %w", err)
	}
	opts.applyDefaults()

	return &Pool{
		opts:    opts,
		queue:   taskqueue.NewInMemoryQueue(),
		stopped: make(chan struct{}),
	}, nil
}

// Start creates the run history ledger index (see EnsureRunHistoryIndex)
// and launches the workers. They run until Shutdown, Stop, a fatal task
// failure or cancellation of ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("matchengine: pool already started")
	}
	select {
	case <-p.stopped:
		return fmt.Errorf("matchengine: pool already stopped: %w", p.cause)
	default:
	}

	if !p.opts.SkipRunHistoryIndex {
		if err := EnsureRunHistoryIndex(ctx, p.opts.Store, p.opts.TrialMatchCollection); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true
	context.AfterFunc(ctx, func() { p.halt(ctx.Err(), false) })

	deps := worker.Deps{
		Queue:                p.queue,
		Store:                p.opts.Store,
		Matcher:              p.opts.Matcher,
		State:                p.opts.State,
		Indices:              p.opts.Indices,
		TrialMatchCollection: p.opts.TrialMatchCollection,
		RunID:                p.opts.RunID,
		StartTime:            p.opts.StartTime,
		Logger:               p.opts.Logger,
		Observer:             p.opts.Observer,
		ProgressEvery:        p.opts.ProgressEvery,
		Abort:                p.abort,
	}

	p.opts.Logger.InfoContext(ctx, "pool_started",
		slog.Int("workers", p.opts.Workers),
		slog.String("run_id", p.opts.RunID),
		slog.String("trial_match_collection", p.opts.TrialMatchCollection),
	)

	p.wg.Add(p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		w := worker.New(i, deps)
		go func() {
			defer p.wg.Done()
			p.run(ctx, w)
		}()
	}
	return nil
}

func (p *Pool) run(ctx context.Context, w *worker.Worker) {
	for {
		_, err := w.ProcessOne(ctx)
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, worker.ErrPoisoned):
			p.opts.Logger.DebugContext(ctx, "worker_exit", slog.Int("worker", w.ID()))
		case ctx.Err() != nil, errors.Is(err, taskqueue.ErrQueueClosed):
			// Stopped, or a propagated failure that already stopped the pool.
		default:
			p.abort(fmt.Errorf("worker %d: %w", w.ID(), err))
		}
		return
	}
}

// abort stops the pool with cause. Only the first call has an effect.
func (p *Pool) abort(cause error) {
	p.halt(cause, true)
}

func (p *Pool) halt(cause error, report bool) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.cause = cause
		cancel := p.cancel
		p.mu.Unlock()

		if report {
			p.opts.Logger.Error("pool_aborted", slog.Any("error", cause))
			p.opts.Observer.OnPoolAborted(context.Background(), cause)
		}
		close(p.stopped)
		if cancel != nil {
			cancel()
		}
	})
}

// Submit enqueues a task. It fails once the pool has stopped.
func (p *Pool) Submit(ctx context.Context, task api.Task) error {
	if task == nil {
		return errors.New("matchengine: nil task")
	}
	select {
	case <-p.stopped:
		return fmt.Errorf("submit %s task: %w", task.Type(), p.Err())
	default:
	}
	return p.queue.Enqueue(ctx, task)
}

// Drain blocks until every submitted task (and every task enqueued by a
// handler) has been acknowledged, the pool stops, or ctx is done. It
// returns the pool's cause if the pool stopped, including when the last
// acknowledgment belonged to a failed task.
func (p *Pool) Drain(ctx context.Context) error {
	select {
	case <-p.queue.Idle():
		return p.Err()
	case <-p.stopped:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown sends one PoisonPill per worker and waits for all of them to
// exit. Workers of a stopped pool have already exited.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if started {
		select {
		case <-p.stopped:
		default:
			for i := 0; i < p.opts.Workers; i++ {
				if err := p.queue.Enqueue(ctx, api.PoisonPill{}); err != nil {
					return fmt.Errorf("matchengine: send poison pill: %w", err)
				}
			}
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.queue.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels all workers and waits for them to exit. In-flight tasks are
// abandoned without acknowledgment.
func (p *Pool) Stop() {
	p.halt(ErrStopped, false)
	p.wg.Wait()
	p.queue.Close()
}

// Err returns the cause the pool stopped with, or nil while it is running.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Stopped is closed once the pool has stopped.
func (p *Pool) Stopped() <-chan struct{} {
	return p.stopped
}

// State returns the run's aggregation state.
func (p *Pool) State() *state.RunState {
	return p.opts.State
}

// RunID returns the id stamped on clinical run histories.
func (p *Pool) RunID() string {
	return p.opts.RunID
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	return p.queue.Len()
}

// Outstanding returns the number of tasks not yet acknowledged.
func (p *Pool) Outstanding() int {
	return p.queue.Outstanding()
}
