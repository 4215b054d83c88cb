// ============================================================================
// zbworker Client - entry point for workers and gateway calls
// ============================================================================
//
// Package: internal/client
// File: client.go
// Purpose: Builds the shared credentials, a management Channel and one
//          dedicated Channel per Worker, and retries gateway calls that fail
//          with a network error.
//
// Ownership:
//   - one TokenProvider per Client, shared by every Channel it creates
//   - one Channel for management and outcome calls
//   - one Channel per Worker, closed by that Worker
//
// ============================================================================

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/ChuLiYu/zbworker/internal/auth"
	"github.com/ChuLiYu/zbworker/internal/backoff"
	"github.com/ChuLiYu/zbworker/internal/channel"
	"github.com/ChuLiYu/zbworker/internal/health"
	"github.com/ChuLiYu/zbworker/internal/metrics"
	"github.com/ChuLiYu/zbworker/internal/worker"
	"github.com/ChuLiYu/zbworker/pkg/types"
)

const (
	DefaultMaxRetries      = 50
	DefaultMaxRetryTimeout = 5 * time.Second
	DefaultCloseTimeout    = 30 * time.Second

	initialRetryDelay = 100 * time.Millisecond
)

var (
	// ErrClientClosed is returned by calls after Close.
	ErrClientClosed = errors.New("client: closed")
)

// Options configure a Client.
type Options struct {
	Address   string
	Plaintext bool
	TLS       *tls.Config

	// Exactly one credential source is used, in this order.
	TokenProvider auth.Provider
	OAuth         *auth.OAuthConfig
	BasicAuth     *auth.BasicAuth

	EagerConnection bool
	CallTimeout     time.Duration

	// Retry enables retries of gateway calls on network errors. MaxRetryTimeout
	// caps the delay between two attempts.
	Retry           bool
	MaxRetries      int
	MaxRetryTimeout time.Duration

	Profile health.Characteristics

	DialOptions []grpc.DialOption
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	opts     Options
	creds    credentials.PerRPCCredentials
	provider auth.Provider
	ch       *channel.Channel
	monitor  *health.Monitor
	retry    backoff.RetryPolicy
	log      *slog.Logger

	mu      sync.Mutex
	workers []*worker.Worker
	closed  bool
}

// New resolves credentials and opens the management channel.
func New(opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, errors.New("client: gateway address is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxRetryTimeout <= 0 {
		opts.MaxRetryTimeout = DefaultMaxRetryTimeout
	}
	if opts.Profile == (health.Characteristics{}) {
		opts.Profile = health.SelfManaged
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts: opts,
		log:  opts.Logger.With("component", "client", "address", opts.Address),
		retry: backoff.RetryPolicy{
			Strategy:   backoff.NewExponential(initialRetryDelay, opts.MaxRetryTimeout),
			MaxRetries: opts.MaxRetries,
			Retryable:  channel.IsNetworkError,
		},
	}

	switch {
	case opts.TokenProvider != nil:
		c.provider = opts.TokenProvider
	case opts.OAuth != nil:
		oauthCfg := *opts.OAuth
		if oauthCfg.Logger == nil {
			oauthCfg.Logger = opts.Logger
		}
		p, err := auth.NewOAuthProvider(oauthCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create token provider: %w", err)
		}
		c.provider = p
	}
	switch {
	case c.provider != nil:
		c.creds = auth.PerRPCCredentials(c.provider, !opts.Plaintext)
	case opts.BasicAuth != nil:
		basic := *opts.BasicAuth
		basic.RequireTLS = !opts.Plaintext
		c.creds = basic
	}

	ch, err := c.newChannel()
	if err != nil {
		c.stopProvider()
		return nil, err
	}
	c.ch = ch

	c.monitor = health.NewMonitor(health.Options{
		Characteristics: opts.Profile,
		Name:            "client",
		Logger:          opts.Logger,
	})
	c.monitor.Subscribe(func(ev types.ConnectionEvent) {
		c.opts.Metrics.SetConnectionState("client", int(c.monitor.State()))
	})
	ch.AddObserver(c.monitor)
	c.monitor.Start()

	c.log.Info("Client created", "plaintext", opts.Plaintext, "oauth", c.provider != nil, "basic_auth", opts.BasicAuth != nil)
	return c, nil
}

func (c *Client) newChannel() (*channel.Channel, error) {
	return channel.New(channel.Config{
		Address:         c.opts.Address,
		Plaintext:       c.opts.Plaintext,
		TLS:             c.opts.TLS,
		Credentials:     c.creds,
		CallTimeout:     c.opts.CallTimeout,
		EagerConnection: c.opts.EagerConnection,
		DialOptions:     c.opts.DialOptions,
		Logger:          c.opts.Logger,
	})
}

// NewWorker starts a worker on its own channel. Unset ambient settings are
// inherited from the client.
func (c *Client) NewWorker(cfg worker.Config) (*worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	if cfg.Health == (health.Characteristics{}) {
		cfg.Health = c.opts.Profile
	}
	if cfg.Metrics == nil {
		cfg.Metrics = c.opts.Metrics
	}
	if cfg.Tracer == nil {
		cfg.Tracer = c.opts.Tracer
	}
	if cfg.Logger == nil {
		cfg.Logger = c.opts.Logger
	}
	if cfg.OutcomeRetry == nil && c.opts.Retry {
		policy := c.retry
		cfg.OutcomeRetry = &policy
	}

	ch, err := c.newChannel()
	if err != nil {
		return nil, err
	}
	w, err := worker.New(ch, cfg)
	if err != nil {
		ch.Close(time.Second)
		return nil, err
	}
	c.workers = append(c.workers, w)
	return w, nil
}

// Subscribe registers fn for connection events of the management channel.
func (c *Client) Subscribe(fn func(types.ConnectionEvent)) { c.monitor.Subscribe(fn) }

// Connected reports the debounced status of the management channel.
func (c *Client) Connected() bool { return c.monitor.Connected() }

// Close closes every worker in parallel, then the management channel.
// Each worker gets the full timeout to drain.
func (c *Client) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()

	c.log.Info("Closing client", "workers", len(workers))

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Close(timeout); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	c.monitor.Close()
	if cerr := c.ch.Close(timeout); cerr != nil && err == nil {
		err = cerr
	}
	c.stopProvider()
	return err
}

func (c *Client) stopProvider() {
	if s, ok := c.provider.(interface{ Stop() }); ok && c.opts.TokenProvider == nil {
		s.Stop()
	}
}

// ============================================================================
// Gateway calls
// ============================================================================

// Topology returns the cluster layout.
func (c *Client) Topology(ctx context.Context) (*pb.TopologyResponse, error) {
	return withRetry(ctx, c, "Topology", c.ch.Topology)
}

// DeployResource deploys workflow definitions.
func (c *Client) DeployResource(ctx context.Context, resources ...channel.Resource) (*pb.DeployResourceResponse, error) {
	return withRetry(ctx, c, "DeployResource", func(ctx context.Context) (*pb.DeployResourceResponse, error) {
		return c.ch.DeployResource(ctx, resources...)
	})
}

// CreateProcessInstance starts a process instance.
func (c *Client) CreateProcessInstance(ctx context.Context, req channel.CreateProcessInstanceRequest) (*pb.CreateProcessInstanceResponse, error) {
	return withRetry(ctx, c, "CreateProcessInstance", func(ctx context.Context) (*pb.CreateProcessInstanceResponse, error) {
		return c.ch.CreateProcessInstance(ctx, req)
	})
}

// CancelProcessInstance cancels a running process instance.
func (c *Client) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return c.do(ctx, "CancelProcessInstance", func(ctx context.Context) error {
		return c.ch.CancelProcessInstance(ctx, processInstanceKey)
	})
}

// PublishMessage publishes a message and returns its key.
func (c *Client) PublishMessage(ctx context.Context, req channel.PublishMessageRequest) (int64, error) {
	return withRetry(ctx, c, "PublishMessage", func(ctx context.Context) (int64, error) {
		return c.ch.PublishMessage(ctx, req)
	})
}

// SetVariables merges variables into a scope and returns the command key.
func (c *Client) SetVariables(ctx context.Context, req channel.SetVariablesRequest) (int64, error) {
	return withRetry(ctx, c, "SetVariables", func(ctx context.Context) (int64, error) {
		return c.ch.SetVariables(ctx, req)
	})
}

// UpdateJobRetries sets the remaining retries of a job.
func (c *Client) UpdateJobRetries(ctx context.Context, req channel.UpdateJobRetriesRequest) error {
	return c.do(ctx, "UpdateJobRetries", func(ctx context.Context) error {
		return c.ch.UpdateJobRetries(ctx, req)
	})
}

// ResolveIncident marks an incident resolved.
func (c *Client) ResolveIncident(ctx context.Context, incidentKey int64) error {
	return c.do(ctx, "ResolveIncident", func(ctx context.Context) error {
		return c.ch.ResolveIncident(ctx, incidentKey)
	})
}

// CompleteJob completes a job outside a worker, e.g. one that was forwarded.
func (c *Client) CompleteJob(ctx context.Context, req channel.CompleteJobRequest) error {
	return c.do(ctx, "CompleteJob", func(ctx context.Context) error {
		return c.ch.CompleteJob(ctx, req)
	})
}

// FailJob fails a job outside a worker.
func (c *Client) FailJob(ctx context.Context, req channel.FailJobRequest) error {
	return c.do(ctx, "FailJob", func(ctx context.Context) error {
		return c.ch.FailJob(ctx, req)
	})
}

// ThrowError throws a business error for a job outside a worker.
func (c *Client) ThrowError(ctx context.Context, req channel.ThrowErrorRequest) error {
	return c.do(ctx, "ThrowError", func(ctx context.Context) error {
		return c.ch.ThrowError(ctx, req)
	})
}

func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	_, err := withRetry(ctx, c, method, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// withRetry runs fn once, or under the client retry policy when enabled.
func withRetry[T any](ctx context.Context, c *Client, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var resp T
	if c.isClosed() {
		return resp, ErrClientClosed
	}
	if !c.opts.Retry {
		return fn(ctx)
	}

	attempt := 0
	err := backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		attempt++
		r, err := fn(ctx)
		if err != nil {
			if channel.IsNetworkError(err) {
				c.log.Warn("Gateway call failed, retrying", "method", method, "attempt", attempt, "error", err)
			}
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
