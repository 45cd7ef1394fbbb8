// Package lifecycle implements the persistent-bidi connection state
// machine: Closed -> Opening -> OpenUnverified -> OpenReady, with
// OnClose moving any state straight to Closed, plus managed-mode
// exponential reconnect with jitter. The Closing state is defined but
// no method of Machine enters it.
//
// The growth algorithm mirrors a service-health watcher's startup
// backoff loop, generalized here to a fire-and-forget background loop
// instead of a bounded number of startup attempts, since a managed
// connection must keep trying for as long as the Client is open.
package lifecycle

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nugget/eventbridge/internal/logging"
)

// State is one node of the connection state machine.
type State int

const (
	Closed State = iota
	Opening
	OpenUnverified
	OpenReady
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case OpenUnverified:
		return "open_unverified"
	case OpenReady:
		return "open_ready"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Mode distinguishes a managed connection (the core owns the socket
// and drives reconnect) from an attached one (the host owns the socket;
// the core only binds listeners and MUST NOT reconnect).
type Mode int

const (
	Managed Mode = iota
	Attached
)

// ReconnectPolicy configures managed-mode backoff.
type ReconnectPolicy struct {
	Enabled    bool
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultReconnectPolicy uses an initial 200ms delay, multiplier 2,
// cap 3s, jitter enabled.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:    true,
		MinDelay:   200 * time.Millisecond,
		MaxDelay:   3 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Machine tracks connection state and, in Managed mode, drives the
// reconnect loop.
type Machine struct {
	mu     sync.Mutex
	state  State
	mode   Mode
	ready  chan struct{} // closed and replaced on every transition
	logger *slog.Logger
}

// New constructs a Machine in the Closed state.
func New(mode Mode, logger *slog.Logger) *Machine {
	return &Machine{
		state:  Closed,
		mode:   mode,
		ready:  make(chan struct{}),
		logger: logging.Default(logger),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns whether this machine is Managed or Attached.
func (m *Machine) Mode() Mode {
	return m.mode
}

// transition moves to next, logging the edge and waking any AwaitReady
// waiters.
func (m *Machine) transition(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	waiters := m.ready
	m.ready = make(chan struct{})
	m.mu.Unlock()

	close(waiters)
	m.logger.Debug("connection state transition", "from", prev.String(), "to", next.String())
}

// OnConnect records that the underlying I/O primitive connected
// (Opening -> OpenUnverified).
func (m *Machine) OnConnect() {
	m.transition(OpenUnverified)
}

// OnHandshakeComplete records the first observed Pong (or our reply to
// the peer's first Ping), unlocking client-initiated queries
// (OpenUnverified -> OpenReady).
func (m *Machine) OnHandshakeComplete() {
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()
	if current == OpenUnverified {
		m.transition(OpenReady)
	}
}

// OnOpening records the start of a connection attempt (Closed ->
// Opening, or OpenReady -> Opening on an observed disconnect in
// Managed mode).
func (m *Machine) OnOpening() {
	m.transition(Opening)
}

// OnClose records a terminal close: any state -> Closed.
func (m *Machine) OnClose() {
	m.transition(Closed)
}

// IsReady reports whether the machine is in OpenReady.
func (m *Machine) IsReady() bool {
	return m.State() == OpenReady
}

// AwaitReady blocks until IsReady() becomes true or ctx is done,
// returning whether readiness was observed.
func (m *Machine) AwaitReady(ctx context.Context) bool {
	for {
		m.mu.Lock()
		ready := m.state == OpenReady
		waitCh := m.ready
		m.mu.Unlock()

		if ready {
			return true
		}

		select {
		case <-waitCh:
			// state changed; loop to re-check
		case <-ctx.Done():
			return false
		}
	}
}

// ReconnectLoop runs the managed-mode connection loop: it always makes
// at least one connect attempt, and — if policy.Enabled — keeps
// retrying on failure with exponential backoff and jitter until
// connect succeeds or ctx is cancelled. It returns as soon as connect
// succeeds (or ctx is cancelled), so it drives exactly one connection
// attempt sequence, not the whole process lifetime: callers in Managed
// mode must start a fresh ReconnectLoop after every later disconnect to
// keep reconnecting for as long as the channel is open. Attached-mode
// machines MUST NOT call this. Callers run it in its own goroutine and
// rely on ctx cancellation (from Close) to stop it mid-attempt.
func (m *Machine) ReconnectLoop(ctx context.Context, policy ReconnectPolicy, connect func(context.Context) error) {
	if m.mode != Managed {
		return
	}

	delay := policy.MinDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(ctx); err == nil {
			return
		} else {
			m.logger.Warn("reconnect attempt failed", "error", err, "next_delay", delay)
		}

		if !policy.Enabled {
			return
		}

		wait := delay
		if policy.Jitter {
			wait = jitter(delay)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}

// jitter returns a duration uniformly distributed in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
