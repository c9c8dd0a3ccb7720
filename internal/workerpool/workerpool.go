// Package workerpool implements Component F: fixed-concurrency task
// execution with first-error propagation, grounded on the teacher's
// internal/asyncqueue/worker.go (fixed worker count, named goroutines,
// drain-before-return) but built on golang.org/x/sync/errgroup's
// SetLimit instead of a hand-rolled channel+WaitGroup, since errgroup
// already gives bounded concurrency, first-error capture, and a
// wait-for-drain Wait() for free.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/stratus/internal/logging"
	"github.com/oriys/stratus/internal/metrics"
)

// Task is one unit of work submitted to the pool.
type Task func(ctx context.Context) error

// Pool runs tasks under at most N concurrent goroutines.
type Pool struct {
	limit int
}

// New builds a pool with a fixed maximum concurrency.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{limit: limit}
}

// Wrap submits every task under jobName and blocks until all of them
// have finished, successfully or not. The first error raised by any
// task is returned to the caller; later errors are only logged, never
// silently dropped and never re-thrown a second time.
func (p *Pool) Wrap(ctx context.Context, jobName string, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)

	total := len(tasks)
	metrics.Global().SetBatchSize(total)

	for i, task := range tasks {
		index, t := i, task
		g.Go(func() error {
			name := logging.WorkerName(jobName, index, total)
			metrics.Global().IncInflight()
			defer metrics.Global().DecInflight()

			if err := t(gctx); err != nil {
				logging.Op().Warn("workerpool: task failed", "worker", name, "error", err)
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
