package atomix

import (
	"context"
	"sync"
)

// orchestrator is the single-threaded cooperative executor that serializes
// every lifecycle transition (open/close step) onto one goroutine. Tasks
// run one at a time, in submission order; a task may itself suspend on
// I/O, but no two tasks ever run concurrently, which is what makes the
// open/close state machine race-free without a broader lock.
type orchestrator struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func newOrchestrator() *orchestrator {
	o := &orchestrator{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *orchestrator) run() {
	for {
		select {
		case task := <-o.tasks:
			task()
		case <-o.done:
			return
		}
	}
}

// submit runs fn on the orchestrator's single goroutine and waits for it
// to complete, returning fn's error. It is itself suspendable: fn may
// block on ctx without starving other callers, since each call to submit
// queues behind whatever task is currently running.
func (o *orchestrator) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	task := func() { result <- fn(ctx) }
	select {
	case o.tasks <- task:
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop releases the orchestrator's goroutine, as the very last step of
// Close, after every lifecycle task has already run. Safe to call more
// than once: Close itself is idempotent, and stop must not re-close
// o.done on a repeat call.
func (o *orchestrator) stop() {
	o.stopOnce.Do(func() { close(o.done) })
}
