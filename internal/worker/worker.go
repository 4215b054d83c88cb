// ============================================================================
// zbworker Worker - job activation loop for one task type
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Long-polls the gateway for jobs of one type, dispatches them to a
//           handler and accounts for capacity until every job is resolved
//
// How it works:
//   One loop goroutine repeats:
//   1. Skip while stalled (public connection error) until a ready event.
//      A single probe still runs every PollErrorDelay: a gateway answering
//      Unavailable over a healthy transport never produces a ready event
//      otherwise. Capacity wakes are ignored while stalled.
//   2. amount = MaxJobsToActivate - activeJobs; wait for capacity if
//      amount <= 0 or amount < JobBatchMinSize
//   3. Rate-limited activation stream for up to amount jobs
//   4. Data  -> activeJobs += n, dispatch (pool or batcher)
//      End   -> poll again
//      Error -> wait PollErrorDelay, poll again
//
// Capacity:
//   activeJobs is changed under mu at dispatch and at settle. drainOne runs
//   exactly once per resolved job and wakes the loop once load falls under
//   75% of MaxJobsToActivate.
//
// Closing:
//   Close stops new activation cycles, lets in-flight jobs finish, and closes
//   the JobSource once activeJobs reaches zero, or fails with ErrCloseTimeout.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/zbworker/internal/backoff"
	"github.com/ChuLiYu/zbworker/internal/batcher"
	"github.com/ChuLiYu/zbworker/internal/channel"
	"github.com/ChuLiYu/zbworker/internal/health"
	"github.com/ChuLiYu/zbworker/internal/metrics"
	"github.com/ChuLiYu/zbworker/pkg/types"
)

const (
	DefaultMaxJobsToActivate = 32
	DefaultTimeout           = 60 * time.Second
	DefaultLongPoll          = 30 * time.Second
	DefaultPollErrorDelay    = 5 * time.Second
	DefaultJobBatchMaxWait   = time.Second

	// capacityThreshold is the load fraction under which drainOne wakes the loop.
	capacityThreshold = 0.75

	minSourceCloseTimeout = 100 * time.Millisecond

	tracerName = "github.com/ChuLiYu/zbworker/internal/worker"
)

var (
	// ErrCloseTimeout is returned when jobs are still in flight at the close deadline.
	ErrCloseTimeout = errors.New("worker: close timed out")
	// ErrJobAlreadyResolved is returned by a second outcome action on one job.
	ErrJobAlreadyResolved = errors.New("worker: job already resolved")
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("worker: invalid configuration")
	// ErrHandlerPanic wraps a value recovered from a handler.
	ErrHandlerPanic = errors.New("worker: handler panicked")
)

// Handler processes one job. Returning an error without resolving the job
// fails it (or cancels its process instance with FailProcessOnException).
type Handler func(ctx context.Context, job *ActiveJob) error

// BatchHandler processes a batch of jobs drained by the JobBatcher.
type BatchHandler func(ctx context.Context, jobs []*ActiveJob) error

// Config describes one worker. Exactly one of Handler and BatchHandler is set.
type Config struct {
	TaskType     string
	Name         string // defaults to "<TaskType>-<random>"
	Handler      Handler
	BatchHandler BatchHandler

	MaxJobsToActivate int
	JobBatchMinSize   int           // activation reserve; size trigger in batch mode
	JobBatchMaxWait   time.Duration // time trigger in batch mode
	Timeout           time.Duration // job lease
	LongPoll          time.Duration // server long-poll window
	FetchVariables    []string

	FailProcessOnException bool
	AutoComplete           bool // complete jobs whose handler returned nil without an outcome

	PollErrorDelay time.Duration
	PollRate       rate.Limit // activation requests per second; 0 means unlimited

	Health            health.Characteristics
	OnReady           func()
	OnConnectionError func(err error)

	// OutcomeRetry retries outcome reports on network errors. nil disables retries.
	OutcomeRetry *backoff.RetryPolicy

	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

func (c *Config) normalize() error {
	if c.TaskType == "" {
		return fmt.Errorf("%w: task type is required", ErrInvalidConfig)
	}
	if (c.Handler == nil) == (c.BatchHandler == nil) {
		return fmt.Errorf("%w: exactly one of handler and batch handler is required", ErrInvalidConfig)
	}
	if c.MaxJobsToActivate <= 0 {
		c.MaxJobsToActivate = DefaultMaxJobsToActivate
	}
	if c.JobBatchMinSize < 0 || c.JobBatchMinSize > c.MaxJobsToActivate {
		return fmt.Errorf("%w: job batch min size %d outside [0, %d]", ErrInvalidConfig, c.JobBatchMinSize, c.MaxJobsToActivate)
	}
	if c.JobBatchMaxWait <= 0 {
		c.JobBatchMaxWait = DefaultJobBatchMaxWait
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LongPoll <= 0 {
		c.LongPoll = DefaultLongPoll
	}
	if c.PollErrorDelay <= 0 {
		c.PollErrorDelay = DefaultPollErrorDelay
	}
	if c.PollRate <= 0 {
		c.PollRate = rate.Inf
	}
	if c.Health == (health.Characteristics{}) {
		c.Health = health.SelfManaged
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s-%s", c.TaskType, uuid.NewString()[:8])
	}
	if c.OutcomeRetry != nil && c.OutcomeRetry.Retryable == nil {
		p := *c.OutcomeRetry
		p.Retryable = channel.IsNetworkError
		c.OutcomeRetry = &p
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Worker owns one JobSource exclusively.
type Worker struct {
	cfg     Config
	src     JobSource
	monitor *health.Monitor
	limiter *rate.Limiter
	pool    *Pool
	batcher *batcher.Batcher[*ActiveJob]
	log     *slog.Logger

	mu          sync.Mutex
	activeJobs  int
	closing     bool
	stalled     bool
	drained     chan struct{}
	drainedOnce sync.Once

	wake       chan struct{}
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, attaches a health monitor to src and starts polling.
func New(src JobSource, cfg Config) (*Worker, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: job source is required", ErrInvalidConfig)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "worker", "task_type", cfg.TaskType, "worker", cfg.Name)
	w := &Worker{
		cfg:     cfg,
		src:     src,
		limiter: rate.NewLimiter(cfg.PollRate, 1),
		log:     logger,
		drained: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		monitor: health.NewMonitor(health.Options{
			Characteristics: cfg.Health,
			Name:            cfg.Name,
			Logger:          cfg.Logger,
		}),
		loopDone: make(chan struct{}),
	}

	if cfg.BatchHandler != nil {
		w.batcher = batcher.New(cfg.JobBatchMinSize, cfg.JobBatchMaxWait, w.runBatch, logger)
	} else {
		w.pool = NewPool(cfg.MaxJobsToActivate, logger)
		if err := w.pool.Start(cfg.MaxJobsToActivate); err != nil {
			return nil, fmt.Errorf("failed to start dispatch pool: %w", err)
		}
	}

	w.monitor.Subscribe(w.onConnectionEvent)
	src.AddObserver(w.monitor)
	w.monitor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	w.loopCancel = cancel
	go w.loop(ctx)

	poolSize := 0
	if w.pool != nil {
		poolSize = w.pool.Size()
	}
	w.log.Info("Worker started",
		"max_jobs", cfg.MaxJobsToActivate,
		"pool_size", poolSize,
		"timeout", cfg.Timeout,
		"long_poll", cfg.LongPoll,
		"batch", w.batcher != nil)
	return w, nil
}

// Name returns the worker name reported to the broker.
func (w *Worker) Name() string { return w.cfg.Name }

// TaskType returns the job type this worker activates.
func (w *Worker) TaskType() string { return w.cfg.TaskType }

// ActiveJobs returns the number of leased, unresolved jobs.
func (w *Worker) ActiveJobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeJobs
}

// Closing reports whether Close has been called.
func (w *Worker) Closing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closing
}

// Subscribe registers fn for ready, connectionError and close events.
func (w *Worker) Subscribe(fn func(types.ConnectionEvent)) { w.monitor.Subscribe(fn) }

// Connected reports the debounced connection status.
func (w *Worker) Connected() bool { return w.monitor.Connected() }

// Close stops activation, waits for in-flight jobs and closes the JobSource.
// Calling Close again returns the first result.
func (w *Worker) Close(timeout time.Duration) error {
	w.closeOnce.Do(func() { w.closeErr = w.close(timeout) })
	return w.closeErr
}

func (w *Worker) close(timeout time.Duration) error {
	w.mu.Lock()
	w.closing = true
	active := w.activeJobs
	w.mu.Unlock()

	w.log.Info("Closing worker", "active_jobs", active, "timeout", timeout)
	w.loopCancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-w.loopDone:
	case <-ctx.Done():
		return fmt.Errorf("%w: activation loop still running", ErrCloseTimeout)
	}

	if w.batcher != nil {
		w.batcher.Flush()
	}

	w.mu.Lock()
	w.checkDrainedLocked()
	w.mu.Unlock()

	select {
	case <-w.drained:
	case <-ctx.Done():
		return fmt.Errorf("%w: %d jobs in flight", ErrCloseTimeout, w.ActiveJobs())
	}

	if w.batcher != nil {
		w.batcher.Close()
	}
	if w.pool != nil {
		w.pool.Stop()
	}
	w.monitor.Close()
	w.cfg.Metrics.SetActiveJobs(w.cfg.TaskType, 0)

	remaining := max(time.Until(deadlineOf(ctx)), minSourceCloseTimeout)
	if err := w.src.Close(remaining); err != nil {
		return fmt.Errorf("failed to close job source: %w", err)
	}
	w.log.Info("Worker closed")
	return nil
}

// ============================================================================
// Activation loop
// ============================================================================

func (w *Worker) loop(ctx context.Context) {
	defer close(w.loopDone)

	for ctx.Err() == nil {
		stalled, amount := w.headroom()
		if stalled {
			w.log.Debug("Worker stalled, waiting for connection")
			if !w.awaitRecovery(ctx, w.cfg.PollErrorDelay) {
				return
			}
			_, amount = w.headroom()
		}

		if amount <= 0 || amount < w.cfg.JobBatchMinSize {
			if !w.await(ctx, 0) {
				return
			}
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		if err := w.poll(ctx, amount); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("Job activation failed, backing off", "delay", w.cfg.PollErrorDelay, "error", err)
			if !w.sleep(ctx, w.cfg.PollErrorDelay) {
				return
			}
		}
	}
}

// poll runs one activation stream to its terminal event.
func (w *Worker) poll(ctx context.Context, amount int) error {
	stream, err := w.src.ActivateJobs(ctx, channel.ActivateJobsRequest{
		Type:              w.cfg.TaskType,
		Worker:            w.cfg.Name,
		Timeout:           w.cfg.Timeout,
		MaxJobsToActivate: amount,
		FetchVariables:    w.cfg.FetchVariables,
		RequestTimeout:    w.cfg.LongPoll,
	})
	if err != nil {
		w.cfg.Metrics.RecordActivationRequest(w.cfg.TaskType, channel.StreamError.String())
		return fmt.Errorf("failed to open activation stream: %w", err)
	}
	defer stream.Cancel()

	for ev := range stream.Events() {
		switch ev.Kind {
		case channel.StreamData:
			w.dispatch(ev.Jobs)
		case channel.StreamEnd:
			w.cfg.Metrics.RecordActivationRequest(w.cfg.TaskType, ev.Kind.String())
			return nil
		case channel.StreamError:
			w.cfg.Metrics.RecordActivationRequest(w.cfg.TaskType, ev.Kind.String())
			return ev.Err
		}
	}
	return nil
}

func (w *Worker) headroom() (stalled bool, amount int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled, w.cfg.MaxJobsToActivate - w.activeJobs
}

// await blocks until a wake signal, d elapses (when positive) or ctx ends.
// It returns false once ctx is done.
func (w *Worker) await(ctx context.Context, d time.Duration) bool {
	var tick <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		tick = t.C
	}
	select {
	case <-w.wake:
		return true
	case <-tick:
		return true
	case <-ctx.Done():
		return false
	}
}

// awaitRecovery blocks while stalled until a ready event clears the stall or
// the probe delay d elapses. Capacity wakes do not end the wait.
func (w *Worker) awaitRecovery(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-w.wake:
			if stalled, _ := w.headroom(); !stalled {
				return true
			}
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) onConnectionEvent(ev types.ConnectionEvent) {
	switch ev.Kind {
	case types.EventReady:
		w.mu.Lock()
		w.stalled = false
		w.mu.Unlock()
		w.signal()
		if w.cfg.OnReady != nil {
			w.cfg.OnReady()
		}
	case types.EventConnectionError:
		w.mu.Lock()
		w.stalled = true
		w.mu.Unlock()
		if w.cfg.OnConnectionError != nil {
			w.cfg.OnConnectionError(ev.Err)
		}
	case types.EventClose:
		return
	}
	w.cfg.Metrics.SetConnectionState(w.cfg.Name, int(w.monitor.State()))
}

// ============================================================================
// Dispatch and settle
// ============================================================================

func (w *Worker) dispatch(jobs []types.Job) {
	active := make([]*ActiveJob, 0, len(jobs))
	for _, j := range jobs {
		active = append(active, &ActiveJob{Job: j, w: w})
	}

	w.mu.Lock()
	w.activeJobs += len(active)
	n := w.activeJobs
	w.mu.Unlock()

	w.cfg.Metrics.RecordActivated(w.cfg.TaskType, len(active))
	w.cfg.Metrics.SetActiveJobs(w.cfg.TaskType, n)
	w.log.Debug("Jobs activated", "count", len(active), "active_jobs", n)

	if w.batcher != nil {
		w.batcher.Batch(active...)
		return
	}
	for _, job := range active {
		job := job
		if err := w.pool.Submit(func() { w.handle(job) }); err != nil {
			w.log.Warn("Dispatch rejected, releasing job", "job_key", job.Key, "error", err)
			_ = job.Forward()
		}
	}
}

// handle runs the handler for one job inside a span bounded by the job deadline.
func (w *Worker) handle(job *ActiveJob) {
	ctx, cancel := context.WithDeadline(context.Background(), job.Deadline)
	defer cancel()

	ctx, span := w.cfg.Tracer.Start(ctx, "zeebe.job.handle", trace.WithAttributes(jobAttributes(job)...))
	defer span.End()

	start := time.Now()
	err := invoke(func() error { return w.cfg.Handler(ctx, job) })
	w.cfg.Metrics.ObserveHandler(w.cfg.TaskType, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	w.settle(context.WithoutCancel(ctx), job, err)
}

// runBatch is the JobBatcher handler.
func (w *Worker) runBatch(jobs []*ActiveJob) error {
	ctx, span := w.cfg.Tracer.Start(context.Background(), "zeebe.job.batch",
		trace.WithAttributes(
			attribute.String("zeebe.job.type", w.cfg.TaskType),
			attribute.Int("zeebe.batch.size", len(jobs)),
		))
	defer span.End()

	start := time.Now()
	err := invoke(func() error { return w.cfg.BatchHandler(ctx, jobs) })
	w.cfg.Metrics.ObserveHandler(w.cfg.TaskType, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	for _, job := range jobs {
		w.settle(ctx, job, err)
	}
	return err
}

// settle resolves a job the handler left unresolved.
func (w *Worker) settle(ctx context.Context, job *ActiveJob, err error) {
	if job.Resolved() {
		if err != nil {
			w.log.Debug("Handler returned an error after resolving the job", "job_key", job.Key, "error", err)
		}
		return
	}

	if err == nil {
		if w.cfg.AutoComplete {
			_ = job.Complete(ctx, nil)
			return
		}
		w.log.Warn("Handler returned without an outcome, releasing job", "job_key", job.Key)
		_ = job.Forward()
		return
	}

	w.log.Error("Handler failed", "job_key", job.Key, "retries", job.Retries, "error", err)
	if w.cfg.FailProcessOnException {
		_ = job.cancelProcess(ctx)
		return
	}
	_ = job.Fail(ctx, FailOptions{Message: err.Error()})
}

// drainOne releases one unit of capacity.
func (w *Worker) drainOne() {
	w.mu.Lock()
	if w.activeJobs > 0 {
		w.activeJobs--
	}
	n := w.activeJobs
	below := float64(n) < capacityThreshold*float64(w.cfg.MaxJobsToActivate)
	w.checkDrainedLocked()
	w.mu.Unlock()

	w.cfg.Metrics.SetActiveJobs(w.cfg.TaskType, n)
	if below {
		w.signal()
	}
}

func (w *Worker) checkDrainedLocked() {
	if w.closing && w.activeJobs == 0 {
		w.drainedOnce.Do(func() { close(w.drained) })
	}
}

// report sends one outcome, retrying network errors when configured.
func (w *Worker) report(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.cfg.OutcomeRetry == nil {
		return fn(ctx)
	}
	return backoff.Retry(ctx, *w.cfg.OutcomeRetry, fn)
}

func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}

func jobAttributes(job *ActiveJob) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("zeebe.job.key", int64(job.Key)),
		attribute.String("zeebe.job.type", job.Type),
		attribute.Int("zeebe.job.retries", job.Retries),
		attribute.String("zeebe.bpmn_process_id", job.BpmnProcessID),
		attribute.Int64("zeebe.process_instance_key", job.ProcessInstanceKey),
	}
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now()
}
