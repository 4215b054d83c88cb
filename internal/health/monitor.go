// ============================================================================
// zbworker ConnectionHealthMonitor - debounced connection state machine
// ============================================================================
//
// Package: internal/health
// File: monitor.go
// Purpose: Turns raw channel ready/error signals into stable public events.
//
// State machine (public state):
//
//   Connecting ──ready held for tolerance──▶ Ready
//   Connecting ──error held for tolerance──▶ Error
//   Ready ◀──────────────────────────────────▶ Error   (same debounce)
//
// Timers:
//   readyTimer  armed by a ready signal while public state != Ready
//   failTimer   armed by an error signal while public state != Error
//   At most one is armed at any instant; arming one stops the other.
//   A ready signal cancels a pending failTimer, an error cancels a pending
//   readyTimer, so blips shorter than the tolerance never surface.
//
// Startup window:
//   For StartupTime after Start, public events are suppressed and log lines
//   are buffered. When it elapses, buffered lines are flushed if the state is
//   Error, otherwise a success line is logged, and the reached state is
//   published once.
//
// ============================================================================

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/zbworker/pkg/types"
)

// State is the debounced connection state.
type State int

const (
	Connecting State = iota
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}
	return "unknown"
}

// Characteristics tune the debounce for a deployment profile.
type Characteristics struct {
	StartupTime time.Duration
	Tolerance   time.Duration
}

var (
	// SelfManaged suits a broker on the local network.
	SelfManaged = Characteristics{StartupTime: 0, Tolerance: 3 * time.Second}
	// Cloud suits a hosted broker reached through an auth round-trip.
	Cloud = Characteristics{StartupTime: 5 * time.Second, Tolerance: 6 * time.Second}
)

// Options configure a Monitor.
type Options struct {
	Characteristics
	Name   string // included in log lines
	Logger *slog.Logger
}

type logLine struct {
	level slog.Level
	msg   string
	args  []any
}

// Monitor is safe for concurrent use. Subscribers are invoked outside the
// monitor lock, on the goroutine that caused the transition.
type Monitor struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State // last raw signal
	public    State
	connected bool
	lastErr   error

	readyTimer *time.Timer
	failTimer  *time.Timer
	timerGen   uint64

	startupTimer *time.Timer
	inStartup    bool
	buffered     []logLine

	stopped bool
	subs    []func(types.ConnectionEvent)
}

// NewMonitor creates a monitor in the Connecting state.
func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		opts: opts,
		log:  logger.With("component", "health", "name", opts.Name),
	}
}

// Start opens the startup window.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.startupTimer != nil || m.opts.StartupTime <= 0 {
		return
	}
	m.inStartup = true
	m.startupTimer = time.AfterFunc(m.opts.StartupTime, m.endStartup)
}

// Subscribe registers fn for public events.
func (m *Monitor) Subscribe(fn func(types.ConnectionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Connected reports the debounced connection status.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// State returns the debounced state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.public
}

// OnChannelReady handles a raw ready signal.
func (m *Monitor) OnChannelReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.state = Ready
	if m.failTimer != nil {
		m.failTimer.Stop()
		m.failTimer = nil
		m.logLocked(slog.LevelDebug, "Connection recovered within tolerance")
	}
	if m.public != Ready && m.readyTimer == nil {
		m.timerGen++
		gen := m.timerGen
		m.readyTimer = time.AfterFunc(m.opts.Tolerance, func() { m.fireReady(gen) })
	}
}

// OnChannelError handles a raw error signal.
func (m *Monitor) OnChannelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.state = Error
	m.lastErr = err
	if m.readyTimer != nil {
		m.readyTimer.Stop()
		m.readyTimer = nil
	}
	if m.public != Error && m.failTimer == nil {
		m.logLocked(slog.LevelWarn, "Connection error, waiting for tolerance", "tolerance", m.opts.Tolerance, "error", err)
		m.timerGen++
		gen := m.timerGen
		m.failTimer = time.AfterFunc(m.opts.Tolerance, func() { m.fireFail(gen) })
	}
}

func (m *Monitor) fireReady(gen uint64) {
	m.mu.Lock()
	if m.stopped || m.readyTimer == nil || gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.readyTimer = nil
	m.public = Ready
	m.connected = true
	m.logLocked(slog.LevelInfo, "Connection established")

	ev, subs := m.eventLocked(types.EventReady, nil)
	m.mu.Unlock()
	publish(subs, ev)
}

func (m *Monitor) fireFail(gen uint64) {
	m.mu.Lock()
	if m.stopped || m.failTimer == nil || gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.failTimer = nil
	m.public = Error
	m.connected = false
	m.logLocked(slog.LevelError, "Connection lost", "error", m.lastErr)

	ev, subs := m.eventLocked(types.EventConnectionError, m.lastErr)
	m.mu.Unlock()
	publish(subs, ev)
}

func (m *Monitor) endStartup() {
	m.mu.Lock()
	if m.stopped || !m.inStartup {
		m.mu.Unlock()
		return
	}
	m.inStartup = false

	if m.state == Error {
		for _, l := range m.buffered {
			m.log.Log(context.Background(), l.level, l.msg, l.args...)
		}
	} else {
		m.log.Info("Startup window elapsed", "state", m.public.String())
	}
	m.buffered = nil

	var (
		ev   types.ConnectionEvent
		subs []func(types.ConnectionEvent)
	)
	switch m.public {
	case Ready:
		ev, subs = m.eventLocked(types.EventReady, nil)
	case Error:
		ev, subs = m.eventLocked(types.EventConnectionError, m.lastErr)
	}
	m.mu.Unlock()
	publish(subs, ev)
}

// Stop disarms every timer. No further events are published.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	m.stopped = true
	for _, t := range []*time.Timer{m.readyTimer, m.failTimer, m.startupTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.readyTimer, m.failTimer, m.startupTimer = nil, nil, nil
}

// Close stops the monitor and publishes a close event.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.stopped && m.subs == nil {
		m.mu.Unlock()
		return
	}
	m.stopLocked()
	m.connected = false
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	publish(subs, types.ConnectionEvent{Kind: types.EventClose, At: time.Now()})
}

// eventLocked builds ev for the current subscribers, or returns no
// subscribers while the startup window suppresses events.
func (m *Monitor) eventLocked(kind types.ConnectionEventKind, err error) (types.ConnectionEvent, []func(types.ConnectionEvent)) {
	ev := types.ConnectionEvent{Kind: kind, Err: err, At: time.Now()}
	if m.inStartup {
		return ev, nil
	}
	return ev, append([]func(types.ConnectionEvent){}, m.subs...)
}

func (m *Monitor) logLocked(level slog.Level, msg string, args ...any) {
	if m.inStartup {
		m.buffered = append(m.buffered, logLine{level: level, msg: msg, args: args})
		return
	}
	m.log.Log(context.Background(), level, msg, args...)
}

func publish(subs []func(types.ConnectionEvent), ev types.ConnectionEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}
