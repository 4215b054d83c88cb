// ============================================================================
// zbworker Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The slice of the gateway the Worker depends on. *channel.Channel
//          satisfies it; tests may substitute their own.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/zbworker/internal/channel"
)

// JobSource activates jobs and accepts their outcomes.
type JobSource interface {
	// ActivateJobs opens one activation stream. The stream ends with exactly
	// one terminal event.
	ActivateJobs(ctx context.Context, req channel.ActivateJobsRequest) (*channel.JobStream, error)

	CompleteJob(ctx context.Context, req channel.CompleteJobRequest) error
	FailJob(ctx context.Context, req channel.FailJobRequest) error
	ThrowError(ctx context.Context, req channel.ThrowErrorRequest) error
	CancelProcessInstance(ctx context.Context, processInstanceKey int64) error

	// AddObserver registers a receiver of raw health signals.
	AddObserver(o channel.Observer)

	// Close releases the transport, bounded by timeout.
	Close(timeout time.Duration) error
}

var _ JobSource = (*channel.Channel)(nil)
