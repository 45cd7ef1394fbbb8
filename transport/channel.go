// Package transport defines the Channel abstraction shared by all four
// backends (socket, HTTP, parent pipe, child pipe). A Channel is
// responsible only for framing and transport mechanics; protocol
// semantics (heartbeat, dispatch, correlation) live above it.
package transport

import (
	"context"

	"github.com/nugget/eventbridge/envelope"
)

// InboundHandler is invoked once per decoded inbound envelope. Exactly
// one handler may be installed at a time per Channel.
type InboundHandler func(ctx context.Context, env *envelope.Envelope)

// QueryConcurrency fixes how many queries a backend may have in
// flight simultaneously.
type QueryConcurrency int

const (
	SingleFlight QueryConcurrency = iota
	Parallel
)

// Capabilities reports what a backend supports, used by the facade to
// wire the Correlator's Policy. The Dispatcher's Multiplicity is chosen
// from the transport type, not from Capabilities.
type Capabilities struct {
	SupportsQuery     bool
	SupportsStreamAck bool
	QueryConcurrency  QueryConcurrency
}

// Channel is the minimal abstraction every transport backend
// implements. The Client exclusively owns the Channel; the Channel
// exclusively owns its I/O primitive.
type Channel interface {
	// Open establishes underlying I/O if the transport is stateful; a
	// no-op for stateless transports (HTTP).
	Open(ctx context.Context) error

	// Close tears the channel down: releases listeners, cancels
	// pending timers, and lets the caller reject pending queries.
	// Always completes without panicking — an error return is still
	// allowed for diagnostics, but callers must not rely on it to
	// decide whether cleanup happened.
	Close() error

	// IsReady reports synchronously whether the channel currently
	// considers itself usable for requests.
	IsReady() bool

	// AwaitReady blocks until IsReady() becomes true or ctx is done.
	AwaitReady(ctx context.Context) bool

	// Send encodes and hands off one envelope.
	Send(ctx context.Context, env *envelope.Envelope) error

	// SetInbound installs the single handler invoked on each decoded
	// inbound envelope. Calling it again replaces the prior handler.
	SetInbound(handler InboundHandler)

	// Capabilities reports this transport's query/ack support.
	Capabilities() Capabilities
}
