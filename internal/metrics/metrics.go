// Package metrics exports worker pool activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/matchengine/pkg/api"
)

const namespace = "matchengine"

// Observer is an api.Observer that records task attempts, produced matches
// and pool aborts.
type Observer struct {
	api.NoopObserver

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	matches       *prometheus.CounterVec
	aborts        prometheus.Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver registers the metrics with reg. Use prometheus.NewRegistry()
// in tests and prometheus.DefaultRegisterer in binaries.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		tasksStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Task attempts started, by task type.",
		}, []string{"type"}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Task attempts finished, by task type and result.",
		}, []string{"type", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task attempt duration in seconds, by task type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}, []string{"type"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Task attempts currently running.",
		}),
		matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Match documents added to the run state, by protocol.",
		}, []string{"protocol_no"}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_aborts_total",
			Help:      "Times a worker pool was stopped by a fatal task failure.",
		}),
	}
}

func (o *Observer) OnTaskStart(ctx context.Context, workerID int, task api.Task) {
	o.tasksStarted.WithLabelValues(string(task.Type())).Inc()
	o.inFlight.Inc()
}

func (o *Observer) OnTaskCompleted(ctx context.Context, workerID int, task api.Task, result api.TaskResult, err error, d time.Duration) {
	o.inFlight.Dec()
	o.tasksFinished.WithLabelValues(string(task.Type()), string(result)).Inc()
	o.taskDuration.WithLabelValues(string(task.Type())).Observe(d.Seconds())
}

func (o *Observer) OnMatchRecorded(ctx context.Context, protocolNo, sampleID string, total int64) {
	o.matches.WithLabelValues(protocolNo).Inc()
}

func (o *Observer) OnPoolAborted(ctx context.Context, cause error) {
	o.aborts.Inc()
}
