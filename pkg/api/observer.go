package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// TaskResult is how a single attempt at a task ended.
type TaskResult string

const (
	TaskSucceeded TaskResult = "succeeded"
	TaskRetried   TaskResult = "retried"
	TaskFailed    TaskResult = "failed"
	// TaskAbandoned is reported when the pool was stopped while the task
	// was running.
	TaskAbandoned TaskResult = "abandoned"
)

// Observer receives callbacks from the workers for logging and metrics.
//
// Implementations should be fast and non-blocking; they are called from the
// worker goroutines.
type Observer interface {
	// OnTaskStart is called after a task is dequeued, before its handler runs.
	OnTaskStart(ctx context.Context, workerID int, task Task)

	// OnTaskCompleted is called once per attempt with the attempt's result.
	// err is nil only for TaskSucceeded.
	OnTaskCompleted(ctx context.Context, workerID int, task Task, result TaskResult, err error, duration time.Duration)

	// OnMatchRecorded is called for every match document appended to the
	// run state. total is the run-wide match count after the append.
	OnMatchRecorded(ctx context.Context, protocolNo, sampleID string, total int64)

	// OnPoolAborted is called once, by the worker that stopped the pool.
	OnPoolAborted(ctx context.Context, cause error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskStart(ctx context.Context, workerID int, task Task) {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, workerID int, task Task, result TaskResult, err error, d time.Duration) {
}
func (NoopObserver) OnMatchRecorded(ctx context.Context, protocolNo, sampleID string, total int64) {}
func (NoopObserver) OnPoolAborted(ctx context.Context, cause error)                                {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, workerID int, task Task) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, workerID, task)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, workerID int, task Task, result TaskResult, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, workerID, task, result, err, d)
	}
}

func (c *CompositeObserver) OnMatchRecorded(ctx context.Context, protocolNo, sampleID string, total int64) {
	for _, o := range c.observers {
		o.OnMatchRecorded(ctx, protocolNo, sampleID, total)
	}
}

func (c *CompositeObserver) OnPoolAborted(ctx context.Context, cause error) {
	for _, o := range c.observers {
		o.OnPoolAborted(ctx, cause)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, workerID int, task Task) {
	o.Logger.DebugContext(ctx, "task_start",
		slog.Int("worker", workerID),
		slog.Any("task", task),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, workerID int, task Task, result TaskResult, err error, d time.Duration) {
	level := slog.LevelDebug
	switch result {
	case TaskRetried:
		level = slog.LevelWarn
	case TaskFailed:
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.Int("worker", workerID),
		slog.Any("task", task),
		slog.String("result", string(result)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnMatchRecorded(ctx context.Context, protocolNo, sampleID string, total int64) {
	o.Logger.DebugContext(ctx, "match_recorded",
		slog.String("protocol_no", protocolNo),
		slog.String("sample_id", sampleID),
		slog.Int64("total", total),
	)
}

func (o *LoggingObserver) OnPoolAborted(ctx context.Context, cause error) {
	o.Logger.ErrorContext(ctx, "pool_aborted", slog.Any("error", cause))
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksStarted   atomic.Int64
	tasksSucceeded atomic.Int64
	tasksRetried   atomic.Int64
	tasksFailed    atomic.Int64
	matches        atomic.Int64
	aborts         atomic.Int64
	totalDuration  atomic.Int64 // nanoseconds, successful attempts only
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksStarted   int64
	TasksSucceeded int64
	TasksRetried   int64
	TasksFailed    int64
	Matches        int64
	Aborts         int64

	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnTaskStart(ctx context.Context, workerID int, task Task) {
	m.tasksStarted.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, workerID int, task Task, result TaskResult, err error, d time.Duration) {
	switch result {
	case TaskSucceeded:
		m.tasksSucceeded.Add(1)
		m.totalDuration.Add(d.Nanoseconds())
	case TaskRetried:
		m.tasksRetried.Add(1)
	case TaskFailed:
		m.tasksFailed.Add(1)
	}
}

func (m *BasicMetrics) OnMatchRecorded(ctx context.Context, protocolNo, sampleID string, total int64) {
	m.matches.Add(1)
}

func (m *BasicMetrics) OnPoolAborted(ctx context.Context, cause error) {
	m.aborts.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	succeeded := m.tasksSucceeded.Load()
	totalNs := m.totalDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		TasksStarted:    m.tasksStarted.Load(),
		TasksSucceeded:  succeeded,
		TasksRetried:    m.tasksRetried.Load(),
		TasksFailed:     m.tasksFailed.Load(),
		Matches:         m.matches.Load(),
		Aborts:          m.aborts.Load(),
		AvgTaskDuration: avg,
	}
}
