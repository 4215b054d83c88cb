package channel

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/zbworker/pkg/types"
)

// StreamEventKind tags a job stream event.
type StreamEventKind int

const (
	StreamData StreamEventKind = iota
	StreamError
	StreamEnd
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamData:
		return "data"
	case StreamError:
		return "error"
	case StreamEnd:
		return "end"
	}
	return "unknown"
}

// StreamEvent is one item of an activation stream. Jobs is set for StreamData,
// Err for StreamError.
type StreamEvent struct {
	Kind StreamEventKind
	Jobs []types.Job
	Err  error
}

// ActivateJobsRequest asks the gateway for up to MaxJobsToActivate jobs.
// RequestTimeout is the server long-poll window; Timeout is the job lease.
type ActivateJobsRequest struct {
	Type              string
	Worker            string
	Timeout           time.Duration
	MaxJobsToActivate int
	FetchVariables    []string
	RequestTimeout    time.Duration
}

// JobStream delivers activation batches followed by exactly one terminal
// event (StreamError or StreamEnd), after which Events is closed.
type JobStream struct {
	events    chan StreamEvent
	cancel    context.CancelFunc
	abandoned chan struct{}
	once      atomic.Bool
}

// Events returns the event channel.
func (s *JobStream) Events() <-chan StreamEvent { return s.events }

// Cancel aborts the stream. Events still terminates with StreamEnd if the
// consumer keeps reading.
func (s *JobStream) Cancel() {
	s.cancel()
	if s.once.CompareAndSwap(false, true) {
		close(s.abandoned)
	}
}

// ActivateJobs opens a server-streaming activation call. A client-side
// watchdog of RequestTimeout + StreamGrace ends the stream if the server
// never closes it.
func (c *Channel) ActivateJobs(ctx context.Context, req ActivateJobsRequest) (*JobStream, error) {
	if c.Closing() {
		return nil, ErrChannelClosed
	}

	longPoll := req.RequestTimeout
	if longPoll <= 0 {
		longPoll = DefaultLongPoll
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.gateway.ActivateJobs(ctx, &pb.ActivateJobsRequest{
		Type:              req.Type,
		Worker:            req.Worker,
		Timeout:           req.Timeout.Milliseconds(),
		MaxJobsToActivate: int32(req.MaxJobsToActivate),
		FetchVariable:     req.FetchVariables,
		RequestTimeout:    longPoll.Milliseconds(),
	})
	if err != nil {
		cancel()
		c.observe(err)
		return nil, err
	}

	js := &JobStream{
		events:    make(chan StreamEvent, 1),
		cancel:    cancel,
		abandoned: make(chan struct{}),
	}

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(longPoll+c.cfg.StreamGrace, func() {
		timedOut.Store(true)
		cancel()
	})

	go func() {
		defer close(js.events)
		defer cancel()
		defer watchdog.Stop()

		for {
			resp, err := stream.Recv()
			if err != nil {
				js.terminate(c.classify(ctx, err, timedOut.Load()))
				return
			}

			c.notifyReady()
			jobs := make([]types.Job, 0, len(resp.GetJobs()))
			for _, aj := range resp.GetJobs() {
				jobs = append(jobs, types.FromActivated(aj))
			}
			if len(jobs) == 0 {
				continue
			}

			select {
			case js.events <- StreamEvent{Kind: StreamData, Jobs: jobs}:
			case <-js.abandoned:
				// owner gave up; jobs will time out on the broker
				c.log.Warn("Dropping activated jobs from abandoned stream", "count", len(jobs))
			}
		}
	}()

	return js, nil
}

// classify maps the error ending a stream to its terminal event.
func (c *Channel) classify(ctx context.Context, err error, timedOut bool) StreamEvent {
	switch {
	case errors.Is(err, io.EOF):
		c.notifyReady()
		return StreamEvent{Kind: StreamEnd}
	case timedOut:
		c.log.Debug("Stream watchdog fired, ending stream")
		return StreamEvent{Kind: StreamEnd}
	case ctx.Err() != nil && status.Code(err) == codes.Canceled:
		return StreamEvent{Kind: StreamEnd}
	}
	c.observe(err)
	return StreamEvent{Kind: StreamError, Err: err}
}

func (s *JobStream) terminate(ev StreamEvent) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.abandoned:
	}
}
