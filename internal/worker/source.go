// ============================================================================
// Mandelsplit Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where workers take tile jobs from and where unfinished
//          jobs go back to.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/mandelsplit/internal/job"
)

// JobSource supplies jobs to workers. *job.Queue is the production
// implementation.
type JobSource interface {
	// Dequeue blocks until a job is available or ctx is done.
	//
	// Returns:
	//   - *job.Job: the job; the caller owns one reference to it.
	//   - error: ctx.Err() when the wait was abandoned.
	Dequeue(ctx context.Context) (*job.Job, error)

	// Queue makes a job available again. The source takes its own
	// reference; the caller keeps the one it holds.
	Queue(j *job.Job)
}

var _ JobSource = (*job.Queue)(nil)
