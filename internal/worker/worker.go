// ============================================================================
// Mandelsplit Worker - Tile Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes tile jobs taken from the shared JobSource; each Worker
//           runs in its own goroutine
//
// How it works:
//   Each Worker loops until its context is cancelled:
//   1. Dequeue a job (parks inside the source while nothing is queued)
//   2. Execute one slice of it
//   3. If the job reports more work, queue it again
//   4. Drop the reference taken at dequeue time
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for {                        │   │
//   │  │   j := source.Dequeue(ctx)   │   │
//   │  │   ├─ j.Execute()             │   │
//   │  │   ├─ requeue if unfinished   │   │
//   │  │   └─ j.Release()             │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Cancellation:
//   Workers never abandon a job halfway: cancelling the context only stops
//   the wait for the next job. Jobs observe their own pass stop flag.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mandelsplit/internal/job"
	"github.com/ChuLiYu/mandelsplit/internal/logging"
)

// Worker represents a work execution unit
type Worker struct {
	id       int       // Worker unique identifier, used for logging
	source   JobSource // Where jobs come from and unfinished ones go back to
	obs      Observer
	executed *atomic.Int64 // shared with the pool
	requeued *atomic.Int64 // shared with the pool
}

// newWorker creates a new Worker instance
func newWorker(id int, source JobSource, obs Observer, executed, requeued *atomic.Int64) *Worker {
	return &Worker{
		id:       id,
		source:   source,
		obs:      obs,
		executed: executed,
		requeued: requeued,
	}
}

// Run is the main loop of Worker. It returns nil when Dequeue gives up
// because ctx was cancelled; any other source error is returned, even one
// that arrives after the cancellation.
func (w *Worker) Run(ctx context.Context) error {
	logging.L().Debug("worker started", "worker", w.id)
	defer logging.L().Debug("worker stopped", "worker", w.id)

	for {
		j, err := w.source.Dequeue(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
				return nil
			}
			return err
		}
		w.execute(j)
	}
}

// execute runs one slice of j and hands back the dequeue reference.
func (w *Worker) execute(j *job.Job) {
	w.obs.WorkerBusy(1)
	start := time.Now()

	finished := j.Execute()
	if !finished {
		w.source.Queue(j)
		w.requeued.Add(1)
	}
	kind := j.Kind()
	j.Release()

	w.executed.Add(1)
	w.obs.WorkerBusy(-1)
	w.obs.JobExecuted(kind, finished, time.Since(start))
}
