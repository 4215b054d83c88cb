// ============================================================================
// zbworker Channel - one gRPC connection to the gateway
// ============================================================================
//
// Package: internal/channel
// File: channel.go
// Purpose: Owns a grpc.ClientConn, exposes typed gateway calls and a job
//          activation stream, and reports raw connection health to observers.
//
// Health signal:
//   - a call or stream batch that succeeds reports OnChannelReady
//   - a network-class failure (Unavailable, DeadlineExceeded) reports OnChannelError
//   - connectivity changes (Ready / TransientFailure) are reported the same way
//   Business errors never touch health. The Channel itself never retries.
//
// ============================================================================

package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const (
	DefaultCallTimeout      = 15 * time.Second
	DefaultKeepAlive        = 45 * time.Second
	DefaultKeepAliveTimeout = 20 * time.Second
	DefaultStreamGrace      = 5 * time.Second
	DefaultLongPoll         = 10 * time.Second
)

var (
	// ErrChannelClosed is returned by calls issued after Close.
	ErrChannelClosed = errors.New("channel: closed")
	// ErrCloseTimeout is returned when the transport does not shut down in time.
	ErrCloseTimeout = errors.New("channel: close timed out")
	// ErrInvalidVariables is returned when a variables document is not a JSON object.
	ErrInvalidVariables = errors.New("channel: variables must be a JSON object")
	// ErrTransientFailure is reported to observers when the transport fails.
	ErrTransientFailure = errors.New("channel: transport in transient failure")
)

// Observer receives raw, undebounced health signals.
type Observer interface {
	OnChannelReady()
	OnChannelError(err error)
}

// Config describes how to reach the gateway.
type Config struct {
	Address   string
	Plaintext bool
	TLS       *tls.Config // used when Plaintext is false; nil means system roots

	// Credentials are attached to every call (bearer token or basic auth).
	Credentials credentials.PerRPCCredentials

	CallTimeout     time.Duration // per unary call
	KeepAlive       time.Duration
	EagerConnection bool
	StreamGrace     time.Duration // added to the long-poll timeout for the stream watchdog

	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

// Channel is one connection to the gateway. It is safe for concurrent use.
type Channel struct {
	cfg     Config
	conn    *grpc.ClientConn
	gateway pb.GatewayClient
	log     *slog.Logger

	mu        sync.Mutex
	closing   bool
	observers []Observer

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New builds the connection. It does not block on connecting unless
// EagerConnection is set, in which case the first connect attempt starts now.
func New(cfg Config) (*Channel, error) {
	if cfg.Address == "" {
		return nil, errors.New("channel: address is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.StreamGrace <= 0 {
		cfg.StreamGrace = DefaultStreamGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepAlive,
			Timeout:             DefaultKeepAliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	if cfg.Plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsCfg := cfg.TLS
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	}
	if cfg.Credentials != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(cfg.Credentials))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client for %s: %w", cfg.Address, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:         cfg,
		conn:        conn,
		gateway:     pb.NewGatewayClient(conn),
		log:         logger.With("component", "channel", "address", cfg.Address),
		watchCancel: cancel,
		watchDone:   make(chan struct{}),
	}
	go c.watch(watchCtx)

	if cfg.EagerConnection {
		conn.Connect()
	}
	return c, nil
}

// Address returns the gateway address.
func (c *Channel) Address() string { return c.cfg.Address }

// State returns the current transport state.
func (c *Channel) State() connectivity.State { return c.conn.GetState() }

// AddObserver registers o for health signals.
func (c *Channel) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Closing reports whether Close has been called.
func (c *Channel) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close marks the channel closing, shuts the transport down and waits for it
// to report Shutdown. Further calls fail with ErrChannelClosed.
func (c *Channel) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	closeErr := c.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for state := c.conn.GetState(); state != connectivity.Shutdown; state = c.conn.GetState() {
		if !c.conn.WaitForStateChange(ctx, state) {
			c.watchCancel()
			return ErrCloseTimeout
		}
	}

	c.watchCancel()
	<-c.watchDone
	c.log.Debug("Channel closed")

	if closeErr != nil {
		return fmt.Errorf("failed to close connection: %w", closeErr)
	}
	return nil
}

// IsNetworkError reports whether err is a transport-level failure, as opposed
// to a business rejection by the broker.
func IsNetworkError(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// watch follows connectivity changes until Close.
func (c *Channel) watch(ctx context.Context) {
	defer close(c.watchDone)

	state := c.conn.GetState()
	for {
		if !c.conn.WaitForStateChange(ctx, state) {
			return
		}
		state = c.conn.GetState()
		c.log.Debug("Connectivity changed", "state", state.String())

		switch state {
		case connectivity.Idle:
			// keep the transport warm so stalled workers learn about recovery
			c.conn.Connect()
		case connectivity.Ready:
			c.notifyReady()
		case connectivity.TransientFailure:
			c.notifyError(ErrTransientFailure)
		case connectivity.Shutdown:
			return
		}
	}
}

// observe feeds the outcome of one call into the health signal.
func (c *Channel) observe(err error) {
	switch {
	case err == nil:
		c.notifyReady()
	case IsNetworkError(err):
		c.notifyError(err)
	}
}

func (c *Channel) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observer(nil), c.observers...)
}

func (c *Channel) notifyReady() {
	for _, o := range c.snapshotObservers() {
		o.OnChannelReady()
	}
}

func (c *Channel) notifyError(err error) {
	for _, o := range c.snapshotObservers() {
		o.OnChannelError(err)
	}
}

// call runs one unary gateway call with the per-call timeout and health side effect.
func call[T any](ctx context.Context, c *Channel, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if c.Closing() {
		return zero, ErrChannelClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	resp, err := fn(ctx)
	c.observe(err)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}
