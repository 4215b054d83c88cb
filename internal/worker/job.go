package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/zbworker/internal/channel"
	"github.com/ChuLiYu/zbworker/pkg/types"
)

// ActiveJob is a leased job handed to a handler. Exactly one of Complete,
// Fail, Forward and Error resolves it; later calls return ErrJobAlreadyResolved.
type ActiveJob struct {
	types.Job

	w        *Worker
	resolved atomic.Bool
}

// FailOptions describe a failed attempt.
type FailOptions struct {
	Message string
	// Retries overrides the remaining retries. nil means current retries - 1.
	// Zero raises an incident.
	Retries      *int
	RetryBackOff time.Duration
	Variables    any
}

// Resolved reports whether an outcome action has been taken.
func (j *ActiveJob) Resolved() bool { return j.resolved.Load() }

// Complete reports success with optional output variables.
func (j *ActiveJob) Complete(ctx context.Context, variables any) error {
	if err := j.claim(); err != nil {
		return err
	}
	defer j.w.drainOne()

	err := j.w.report(ctx, func(ctx context.Context) error {
		return j.w.src.CompleteJob(ctx, channel.CompleteJobRequest{
			JobKey:    int64(j.Key),
			Variables: variables,
		})
	})
	if err != nil {
		j.w.log.Error("Failed to complete job", "job_key", j.Key, "error", err)
		return fmt.Errorf("failed to complete job %d: %w", j.Key, err)
	}
	j.w.cfg.Metrics.RecordCompleted(j.w.cfg.TaskType)
	j.w.log.Debug("Job completed", "job_key", j.Key)
	return nil
}

// Fail reports a failed attempt.
func (j *ActiveJob) Fail(ctx context.Context, opts FailOptions) error {
	if err := j.claim(); err != nil {
		return err
	}
	defer j.w.drainOne()

	retries := j.Retries - 1
	if opts.Retries != nil {
		retries = *opts.Retries
	}
	if retries < 0 {
		retries = 0
	}

	err := j.w.report(ctx, func(ctx context.Context) error {
		return j.w.src.FailJob(ctx, channel.FailJobRequest{
			JobKey:       int64(j.Key),
			Retries:      retries,
			ErrorMessage: opts.Message,
			RetryBackOff: opts.RetryBackOff,
			Variables:    opts.Variables,
		})
	})
	if err != nil {
		j.w.log.Error("Failed to fail job", "job_key", j.Key, "error", err)
		return fmt.Errorf("failed to fail job %d: %w", j.Key, err)
	}
	j.w.cfg.Metrics.RecordFailed(j.w.cfg.TaskType)
	j.w.log.Debug("Job failed", "job_key", j.Key, "retries", retries, "retry_backoff", opts.RetryBackOff)
	return nil
}

// Forward releases local capacity without contacting the broker. Another
// subsystem becomes responsible for the outcome.
func (j *ActiveJob) Forward() error {
	if err := j.claim(); err != nil {
		return err
	}
	j.w.drainOne()
	j.w.cfg.Metrics.RecordForwarded(j.w.cfg.TaskType)
	return nil
}

// Error throws a business error with the given code.
func (j *ActiveJob) Error(ctx context.Context, code, message string) error {
	if err := j.claim(); err != nil {
		return err
	}
	defer j.w.drainOne()

	err := j.w.report(ctx, func(ctx context.Context) error {
		return j.w.src.ThrowError(ctx, channel.ThrowErrorRequest{
			JobKey:       int64(j.Key),
			ErrorCode:    code,
			ErrorMessage: message,
		})
	})
	if err != nil {
		j.w.log.Error("Failed to throw error for job", "job_key", j.Key, "code", code, "error", err)
		return fmt.Errorf("failed to throw error for job %d: %w", j.Key, err)
	}
	j.w.cfg.Metrics.RecordErrored(j.w.cfg.TaskType)
	return nil
}

// cancelProcess resolves the job by cancelling its process instance.
func (j *ActiveJob) cancelProcess(ctx context.Context) error {
	if err := j.claim(); err != nil {
		return err
	}
	defer j.w.drainOne()

	err := j.w.report(ctx, func(ctx context.Context) error {
		return j.w.src.CancelProcessInstance(ctx, j.ProcessInstanceKey)
	})
	if err != nil {
		j.w.log.Error("Failed to cancel process instance", "job_key", j.Key, "process_instance_key", j.ProcessInstanceKey, "error", err)
		return fmt.Errorf("failed to cancel process instance %d: %w", j.ProcessInstanceKey, err)
	}
	j.w.cfg.Metrics.RecordCancelled(j.w.cfg.TaskType)
	j.w.log.Info("Process instance cancelled after handler failure", "job_key", j.Key, "process_instance_key", j.ProcessInstanceKey)
	return nil
}

func (j *ActiveJob) claim() error {
	if !j.resolved.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %d", ErrJobAlreadyResolved, j.Key)
	}
	return nil
}
