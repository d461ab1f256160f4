package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a failure as a recoverable store condition. Store
	// and Matcher implementations that do not surface driver errors can wrap
	// it so the task is retried instead of aborting the run.
	ErrTransient = errors.New("transient store error")

	// ErrAborted is the cause recorded when a worker stops the pool but
	// does not propagate the underlying failure.
	ErrAborted = errors.New("matchengine: pool aborted")

	// ErrNoMatcher is returned for query tasks when no Matcher is configured.
	ErrNoMatcher = errors.New("matchengine: no matcher configured")
)

// TaskError is the failure a worker propagates when a task fails fatally.
type TaskError struct {
	WorkerID int
	Task     Task
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("worker %d: %s task failed: %v", e.WorkerID, e.Task.Type(), e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
