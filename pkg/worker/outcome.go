package worker

import "github.com/petrijr/matchengine/pkg/api"

// OutcomeKind is how a handler finished.
type OutcomeKind int

const (
	Succeeded OutcomeKind = iota
	Retry
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what a handler returns to the worker loop, which acts on it:
// acknowledge, re-enqueue or stop the pool.
type Outcome struct {
	Kind OutcomeKind

	// Task is the task to re-enqueue for Retry outcomes.
	Task api.Task

	Err error

	// Propagate makes a Fatal failure the run's cause. When false the pool
	// is still stopped but the failure is only logged.
	Propagate bool

	// Ack acknowledges a Fatal attempt after the pool has been stopped.
	// When false the attempt stays outstanding together with the pool.
	Ack bool
}

func succeeded() Outcome {
	return Outcome{Kind: Succeeded}
}

func retry(t api.Task, err error) Outcome {
	return Outcome{Kind: Retry, Task: t, Err: err}
}

func fatal(err error, propagate, ack bool) Outcome {
	return Outcome{Kind: Fatal, Err: err, Propagate: propagate, Ack: ack}
}

// classified retries t if err is transient and otherwise fails with the
// handler's fatal policy.
func classified(t api.Task, err error, propagate, ack bool) Outcome {
	if Classify(err) == ClassTransient {
		return retry(t, err)
	}
	return fatal(err, propagate, ack)
}
