// Package ipcchild implements the child-in-subordinate pipe backend:
// this process is itself the child, launched by a parent that owns the
// other end of the pipe. It exchanges newline-delimited JSON envelopes
// over os.Stdin/os.Stdout rather than spawning anything — the mirror
// image of transport/ipcparent.
package ipcchild

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/internal/logging"
	"github.com/nugget/eventbridge/transport"
)

// Config configures a Channel.
type Config struct {
	// Stdin and Stdout are required; Open fails with
	// TransportInitError when either is nil. The facade passes
	// os.Stdin/os.Stdout; tests pass pipes.
	Stdin  io.Reader
	Stdout io.Writer

	MaxMessageBytes int
	Logger          *slog.Logger
}

// Channel implements transport.Channel over the process's own
// stdin/stdout, framed as one JSON object per line.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	inboundMu sync.Mutex
	inbound   transport.InboundHandler

	readyMu sync.Mutex
	ready   bool

	doneCh chan struct{}
}

// New constructs a Channel. Reading does not start until Open.
func New(cfg Config) *Channel {
	return &Channel{cfg: cfg, logger: logging.Default(cfg.Logger), doneCh: make(chan struct{})}
}

// Open starts the stdin reader loop. There is no dial step: the pipes
// already exist by virtue of this process having been spawned by its
// parent.
func (c *Channel) Open(ctx context.Context) error {
	if c.cfg.Stdin == nil || c.cfg.Stdout == nil {
		return &TransportInitError{Reason: "missing Stdin/Stdout"}
	}

	c.readyMu.Lock()
	c.ready = true
	c.readyMu.Unlock()

	go c.readLoop(c.cfg.Stdin)

	return nil
}

func (c *Channel) readLoop(r io.Reader) {
	defer close(c.doneCh)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("failed to decode inbound ipc frame", "error", err)
			continue
		}
		if !env.Recognized() {
			continue
		}

		c.inboundMu.Lock()
		handler := c.inbound
		c.inboundMu.Unlock()
		if handler != nil {
			handler(context.Background(), &env)
		}
	}

	c.readyMu.Lock()
	c.ready = false
	c.readyMu.Unlock()
}

// Close marks the channel not-ready. There is no pipe to release: the
// parent owns the lifetime of stdin/stdout.
func (c *Channel) Close() error {
	c.readyMu.Lock()
	c.ready = false
	c.readyMu.Unlock()
	return nil
}

// IsReady reports whether Open has run and the stdin reader hasn't hit
// EOF.
func (c *Channel) IsReady() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

// AwaitReady blocks until IsReady() or ctx is done.
func (c *Channel) AwaitReady(ctx context.Context) bool {
	if c.IsReady() {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.doneCh:
		return c.IsReady()
	}
}

// Send writes one envelope as a single JSON line to stdout.
func (c *Channel) Send(ctx context.Context, env *envelope.Envelope) error {
	if !c.IsReady() {
		return &NotConnectedError{}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.cfg.Stdout.Write(data)
	return err
}

// SetInbound installs the envelope handler.
func (c *Channel) SetInbound(handler transport.InboundHandler) {
	c.inboundMu.Lock()
	c.inbound = handler
	c.inboundMu.Unlock()
}

// Capabilities mirrors ipcparent's: parallel queries correlated by
// correlationId with requestId echoed, and stream-ack support.
func (c *Channel) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsQuery:     true,
		SupportsStreamAck: true,
		QueryConcurrency:  transport.Parallel,
	}
}

// TransportInitError mirrors eventbridge.TransportInitError; kept
// local to avoid an import cycle with the root package.
type TransportInitError struct{ Reason string }

func (e *TransportInitError) Error() string { return "ipcchild: " + e.Reason }

// NotConnectedError mirrors eventbridge.NotConnectedError.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "ipcchild: not connected" }
