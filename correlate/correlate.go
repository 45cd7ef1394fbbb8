// Package correlate implements the query correlator: it tracks
// pending queries by a transport-specific correlation key, enforces a
// per-query deadline, and guarantees each pending query resolves
// exactly once.
//
// The pending-map-plus-deadline-timer shape is grounded on JSON-RPC
// style clients (go-ethereum's rpc.Client requestOp bookkeeping,
// creachadair/jrpc2's client.go), reduced to a single mutex since this
// core serializes one Client rather than multiplexing many logical
// connections over one transport.
package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/internal/logging"
)

// KeyKind distinguishes which envelope field a Key correlates on.
type KeyKind int

const (
	ByRequestID KeyKind = iota
	ByCorrelationID
)

// Key is a tagged correlation key ("ById{requestId}" or
// "ByCorr{correlationId}"), realized as a small comparable struct
// rather than an interface so it can be used directly as a map key.
type Key struct {
	Kind  KeyKind
	Value string
}

// Policy fixes the concurrency discipline for a transport.
type Policy int

const (
	// SingleFlight permits at most one outstanding query; a second
	// call while one is pending fails fast.
	SingleFlight Policy = iota
	// Parallel allows any number of concurrently outstanding queries,
	// bounded only by caller behavior and per-query deadlines.
	Parallel
)

// SendFunc transmits env and returns an error if the transport could
// not accept it (e.g. a transient I/O failure).
type SendFunc func(ctx context.Context, env *envelope.Envelope) error

type pending struct {
	resolved chan struct{}
	once     sync.Once
	result   json.RawMessage
	err      error
	timer    *time.Timer
}

// Correlator owns the pending-query map for one Client.
type Correlator struct {
	mu       sync.Mutex
	table    map[Key]*pending
	policy   Policy
	maxBytes int
	logger   *slog.Logger
}

// New constructs a Correlator. maxBytes enforces the pre-send size
// guard; pass 0 to disable it. The facade always passes
// Options.MaxMessageBytes.
func New(policy Policy, maxBytes int, logger *slog.Logger) *Correlator {
	return &Correlator{
		table:    make(map[Key]*pending),
		policy:   policy,
		maxBytes: maxBytes,
		logger:   logging.Default(logger),
	}
}

// ErrQueryInFlight is returned by Query on a SingleFlight correlator
// when a query is already pending.
type ErrQueryInFlight struct{}

func (e *ErrQueryInFlight) Error() string { return "correlate: query already in flight" }

// ErrMessageTooLarge is returned by Query when the size guard rejects
// env before any I/O occurs.
type ErrMessageTooLarge struct {
	Size, Max int
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("correlate: message size %d exceeds limit %d", e.Size, e.Max)
}

// ErrQueryTimeout is returned by Query when the deadline elapses
// before a response arrives.
type ErrQueryTimeout struct{}

func (e *ErrQueryTimeout) Error() string { return "correlate: query timed out" }

// ErrDisconnected is returned (or used to reject pending queries) on
// Close or an observed disconnect.
type ErrDisconnected struct{}

func (e *ErrDisconnected) Error() string { return "correlate: disconnected" }

// ErrQueryFailed wraps QueryResponsePayload.Err when ok == false.
type ErrQueryFailed struct{ Message string }

func (e *ErrQueryFailed) Error() string { return "correlate: query failed: " + e.Message }

// ErrInvalidResponse indicates a QueryResponse payload was neither a
// success nor a failure.
type ErrInvalidResponse struct{}

func (e *ErrInvalidResponse) Error() string { return "correlate: invalid query response" }

// Query registers key as pending, sends env via send, and blocks until
// a response arrives, the deadline elapses, or ctx is cancelled.
// Exactly one of {resolve via Resolve, reject via Fail/timeout/Close}
// ever completes a given key.
func (c *Correlator) Query(ctx context.Context, send SendFunc, key Key, env *envelope.Envelope, timeout time.Duration) (json.RawMessage, error) {
	if c.maxBytes > 0 {
		fits, size, err := envelope.FitsWithinLimit(env, c.maxBytes)
		if err != nil {
			return nil, err
		}
		if !fits {
			return nil, &ErrMessageTooLarge{Size: size, Max: c.maxBytes}
		}
	}

	c.mu.Lock()
	if c.policy == SingleFlight && len(c.table) > 0 {
		c.mu.Unlock()
		return nil, &ErrQueryInFlight{}
	}
	if _, exists := c.table[key]; exists {
		c.mu.Unlock()
		return nil, &ErrQueryInFlight{}
	}

	p := &pending{resolved: make(chan struct{})}
	c.table[key] = p
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.table, key)
		c.mu.Unlock()
	}

	p.timer = time.AfterFunc(timeout, func() {
		p.once.Do(func() {
			p.err = &ErrQueryTimeout{}
			close(p.resolved)
		})
		cleanup()
	})

	if err := send(ctx, env); err != nil {
		p.once.Do(func() {
			p.err = err
			close(p.resolved)
		})
		p.timer.Stop()
		cleanup()
		return nil, err
	}

	select {
	case <-p.resolved:
		p.timer.Stop()
		return p.result, p.err
	case <-ctx.Done():
		p.once.Do(func() {
			p.err = ctx.Err()
			close(p.resolved)
		})
		p.timer.Stop()
		cleanup()
		return nil, ctx.Err()
	}
}

// Resolve completes the pending query for key successfully with data.
// A response arriving after the deadline has already fired is
// discarded silently.
func (c *Correlator) Resolve(key Key, data json.RawMessage) {
	c.mu.Lock()
	p, ok := c.table[key]
	if ok {
		delete(c.table, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() {
		p.result = data
		close(p.resolved)
	})
}

// Fail completes the pending query for key with err.
func (c *Correlator) Fail(key Key, err error) {
	c.mu.Lock()
	p, ok := c.table[key]
	if ok {
		delete(c.table, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() {
		p.err = err
		close(p.resolved)
	})
}

// HandleResponse resolves or rejects key from a decoded
// QueryResponsePayload: ok=true resolves with data;
// ok=false rejects with the response's err text; neither set rejects
// with an invalid-response error.
func (c *Correlator) HandleResponse(key Key, resp envelope.QueryResponsePayload) {
	switch {
	case resp.OK:
		c.Resolve(key, resp.Data)
	case resp.Err != "":
		c.Fail(key, &ErrQueryFailed{Message: resp.Err})
	default:
		c.Fail(key, &ErrInvalidResponse{})
	}
}

// DisconnectAll rejects every pending query with err — used on
// Close() or an observed disconnect.
func (c *Correlator) DisconnectAll(err error) {
	c.mu.Lock()
	pendings := make([]*pending, 0, len(c.table))
	for k, p := range c.table {
		pendings = append(pendings, p)
		delete(c.table, k)
	}
	c.mu.Unlock()

	for _, p := range pendings {
		p.timer.Stop()
		p.once.Do(func() {
			p.err = err
			close(p.resolved)
		})
	}
}

// Pending reports the number of currently outstanding queries. Used by
// tests and diagnostics only.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}
