package taskqueue

import (
	"context"
	"errors"

	"github.com/petrijr/matchengine/pkg/api"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once
	// a closed queue has been emptied.
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrAckUnderflow is returned when Ack is called more times than tasks
	// were enqueued.
	ErrAckUnderflow = errors.New("task queue: ack called more times than tasks were enqueued")
)

// Queue is a blocking multi-producer / multi-consumer task queue with
// explicit completion acknowledgment.
//
// Every Enqueue adds one unit of outstanding work and every Ack removes one.
// Join returns once the outstanding count drops to zero, which includes
// tasks that were dequeued but not yet acknowledged.
type Queue interface {
	// Enqueue adds a task to the queue. It never blocks on capacity.
	Enqueue(ctx context.Context, t api.Task) error

	// Dequeue removes and returns the next task, blocking until one is
	// available, the context is cancelled or the queue is closed and empty.
	Dequeue(ctx context.Context) (api.Task, error)

	// Ack marks one unit of outstanding work as complete.
	Ack() error

	// Requeue puts t back at the tail of the queue and acknowledges the
	// attempt that produced it as one atomic step, so the outstanding count
	// never passes through zero.
	Requeue(t api.Task) error

	// Join blocks until every enqueued task has been acknowledged or ctx is
	// done.
	Join(ctx context.Context) error

	// Idle returns a channel that is closed while the outstanding count is
	// zero. The channel must be fetched again after new work is enqueued.
	Idle() <-chan struct{}

	// Len returns the number of tasks waiting to be dequeued.
	Len() int

	// Outstanding returns the number of enqueued tasks not yet acknowledged.
	Outstanding() int

	// Close stops the queue from accepting new tasks. Tasks already queued
	// can still be dequeued.
	Close()
}
