// Package heartbeat tracks liveness for persistent bidirectional
// transports: replying to peer Pings, recording the last observed Pong,
// deciding business-readiness, and optionally emitting self-initiated
// Pings on an exponential schedule.
//
// The backoff growth in RunPingLoop is grounded on the same
// shape as a service-health watcher's startup retry loop, generalized
// from "probe and retry" to "ping and await pong".
package heartbeat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/internal/logging"
)

// SendFunc transmits an envelope on the owning channel. Errors are
// logged by the Tracker; HandlePing also returns them to its caller,
// while RunPingLoop drops them after logging.
type SendFunc func(ctx context.Context, env *envelope.Envelope) error

// Tracker owns the lastPong timestamp and peer-ping replies for one
// persistent-bidi connection.
type Tracker struct {
	timeout  time.Duration
	password string
	send     SendFunc
	logger   *slog.Logger

	lastPong atomic.Int64 // unix nano; zero means "never observed"
}

// NewTracker constructs a Tracker. password, if non-empty, is echoed in
// every outbound Pong's payload.
func NewTracker(timeout time.Duration, password string, send SendFunc, logger *slog.Logger) *Tracker {
	return &Tracker{
		timeout:  timeout,
		password: password,
		send:     send,
		logger:   logging.Default(logger),
	}
}

// ObservePong records a fresh Pong, resetting the liveness window.
func (t *Tracker) ObservePong(env *envelope.Envelope) {
	t.lastPong.Store(time.Now().UnixNano())
}

// HandlePing replies to a peer-initiated Ping with a Pong, echoing the
// configured password and mirroring the inbound correlationId where
// present. Also counts as a liveness observation: our reply to the
// peer's first Ping is enough to satisfy the OpenUnverified ->
// OpenReady transition.
func (t *Tracker) HandlePing(ctx context.Context, in *envelope.Envelope) error {
	t.lastPong.Store(time.Now().UnixNano())

	payload := envelope.PingPayload{Password: t.password}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	out := &envelope.Envelope{
		Action:        envelope.ActionPong,
		Payload:       encoded,
		CorrelationID: in.CorrelationID,
		Style:         in.Style,
	}
	if err := t.send(ctx, out); err != nil {
		t.logger.Warn("failed to send pong reply", "error", err)
		return err
	}
	return nil
}

// BusinessReady reports whether the transport is usable: the
// underlying I/O must be connected AND a Pong must have been observed
// within heartbeatTimeout.
func (t *Tracker) BusinessReady(connected bool) bool {
	if !connected {
		return false
	}
	last := t.lastPong.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < t.timeout
}

// RunPingLoop optionally emits self-initiated Pings on an exponential
// schedule: initial interval <= heartbeatTimeout/2, multiplier 2,
// capped at heartbeatTimeout, reset to the initial interval whenever a
// fresh Pong is observed. Blocks until ctx is cancelled. The client
// stays quiet by default — callers opt in by starting this goroutine
// at all.
func (t *Tracker) RunPingLoop(ctx context.Context) {
	initial := t.timeout / 2
	if initial <= 0 {
		initial = time.Second
	}
	interval := initial

	timer := time.NewTimer(interval)
	defer timer.Stop()

	lastSeenPong := t.lastPong.Load()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if seen := t.lastPong.Load(); seen != lastSeenPong {
				// A pong arrived since our last ping; reset backoff.
				lastSeenPong = seen
				interval = initial
			} else {
				interval *= 2
				if interval > t.timeout {
					interval = t.timeout
				}
			}

			out := &envelope.Envelope{Action: envelope.ActionPing}
			if err := t.send(ctx, out); err != nil {
				t.logger.Warn("failed to send ping", "error", err)
			}

			timer.Reset(interval)
		}
	}
}
