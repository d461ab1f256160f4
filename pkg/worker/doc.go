// Package worker implements the task handlers and the per-task retry policy.
//
// A Worker takes one task at a time from the shared queue, runs its handler
// and settles the outcome:
//
//   - success acknowledges the task.
//   - a transient failure requeues the task at the back of the queue and
//     acknowledges the failed attempt in one step, so the outstanding count never
//     drops to zero in between.
//   - a fatal failure either stops the pool through Deps.Abort, or is logged
//     and swallowed, and is then acknowledged or left outstanding depending
//     on the task type.
//
// A PoisonPill makes ProcessOne return ErrPoisoned so the pool's run loop can
// exit cleanly.
package worker
