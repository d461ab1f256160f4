package taskqueue

import (
	"context"
	"sync"

	"github.com/petrijr/matchengine/pkg/api"
)

// InMemoryQueue is an unbounded FIFO Queue implementation.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu          sync.Mutex
	items       []api.Task
	outstanding int
	closed      bool

	// ready has capacity 1 and holds a token while items may be non-empty.
	ready chan struct{}
	// idle is closed while outstanding == 0 and replaced on the 0 -> 1 edge.
	idle chan struct{}
	// done is closed by Close to wake blocked consumers.
	done chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	idle := make(chan struct{})
	close(idle)
	return &InMemoryQueue{
		ready: make(chan struct{}, 1),
		idle:  idle,
		done:  make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t api.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.push(t)
	return nil
}

// push must be called with q.mu held.
func (q *InMemoryQueue) push(t api.Task) {
	q.items = append(q.items, t)
	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
	q.signal()
}

// signal leaves a token in ready without blocking.
func (q *InMemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (api.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// Pass the token on to the next waiting consumer.
				q.signal()
			}
			q.mu.Unlock()
			return t, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.ready:
		}
	}
}

func (q *InMemoryQueue) Ack() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ack()
}

// ack must be called with q.mu held.
func (q *InMemoryQueue) ack() error {
	if q.outstanding == 0 {
		return ErrAckUnderflow
	}
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
	return nil
}

func (q *InMemoryQueue) Requeue(t api.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding == 0 {
		return ErrAckUnderflow
	}
	// Retries are accepted after Close: the attempt is still outstanding
	// and dropping it would lose work.
	q.push(t)
	return q.ack()
}

func (q *InMemoryQueue) Join(ctx context.Context) error {
	select {
	case <-q.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *InMemoryQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
