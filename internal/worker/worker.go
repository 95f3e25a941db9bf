// ============================================================================
// proxy-suite Worker - Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One execution unit of a batch, running in its own goroutine
//
// How it works:
//   Each unit owns an inbox holding at most one unit-of-work (one task for
//   the stack discipline, one chunk for the queue discipline):
//   1. Receive a unit-of-work from the inbox (blocking wait)
//   2. Run every task in it through the Executor, each with its own timeout
//   3. Report one event per task to the coordinator, flagging the last one
//   4. Wait for the next unit-of-work until the inbox is closed
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Unit Goroutine                      │
//   │  ┌───────────────────────────────┐   │
//   │  │ for work := range inbox       │   │
//   │  │   for task := range work      │   │
//   │  │     ├─ Context with timeout   │   │
//   │  │     ├─ exec.Execute(task)     │   │
//   │  │     └─ send event             │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Cancellation:
//   The batch context is the parent of every task context. When it is
//   cancelled the unit stops between tasks and abandons any pending send,
//   so in-flight results of a stopped batch are dropped, never delivered.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// event is the only message a unit ever sends to its coordinator.
type event struct {
	unit   int
	task   string
	result Result
	err    error
	last   bool // last task of the current unit-of-work
}

// unit represents one execution unit of a batch.
type unit struct {
	id      int
	exec    Executor
	timeout time.Duration
	inbox   chan []Task  // buffered 1, written only by the coordinator
	events  chan<- event // shared with the other units of the batch
}

func newUnit(id int, exec Executor, timeout time.Duration, events chan<- event) *unit {
	return &unit{
		id:      id,
		exec:    exec,
		timeout: timeout,
		inbox:   make(chan []Task, 1),
		events:  events,
	}
}

// run is the main loop of the unit.
func (u *unit) run(ctx context.Context) {
	for {
		var work []Task
		var ok bool
		select {
		case <-ctx.Done():
			return
		case work, ok = <-u.inbox:
			if !ok {
				return
			}
		}

		for i, task := range work {
			if ctx.Err() != nil {
				return
			}
			res, err := u.execute(ctx, task)
			ev := event{
				unit:   u.id,
				task:   task.Label(),
				result: res,
				err:    err,
				last:   i == len(work)-1,
			}
			select {
			case u.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execute runs one task with its own timeout.
// A panicking executor is turned into a task error so the batch still sees
// exactly one terminal event for the task.
func (u *unit) execute(ctx context.Context, task Task) (res Result, err error) {
	start := time.Now()

	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if u.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, u.timeout)
	}
	defer func() {
		cancel()
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
		if res.TaskID == "" {
			res.TaskID = task.ID
		}
		res.Duration = time.Since(start)
	}()

	return u.exec.Execute(taskCtx, task)
}
