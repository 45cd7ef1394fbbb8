// Package wsclient implements the persistent bidirectional socket
// backend over github.com/gorilla/websocket. It is a thin adapter over
// one *websocket.Conn: dial, frame decode/encode, and a read loop that
// forwards decoded envelopes to the installed InboundHandler. All
// protocol semantics (heartbeat, dispatch, correlation, handshake
// gating) live above it in the facade.
//
// Grounded on a homeassistant/websocket.go-style Connect/readLoop/
// sendAndWait/Reconnect shape, generalized from a Home-Assistant-
// specific auth_required/auth/auth_ok handshake to a transport-agnostic
// envelope stream, and from a single always-managed connection to an
// explicit Managed/Attached mode switch.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/internal/logging"
	"github.com/nugget/eventbridge/lifecycle"
	"github.com/nugget/eventbridge/transport"
)

// Config configures a Channel.
type Config struct {
	// URL is the ws:// or wss:// endpoint to dial. Required in Managed
	// mode; ignored in Attached mode (the host already owns the conn).
	URL string

	// Mode selects whether this backend owns and reconnects the
	// socket (Managed) or only binds listeners on a host-owned conn
	// (Attached). Attached mode MUST NOT reconnect.
	Mode lifecycle.Mode

	// Reconnect configures managed-mode backoff. Ignored in Attached
	// mode.
	Reconnect lifecycle.ReconnectPolicy

	// ReadBufferSize / WriteBufferSize size the gorilla/websocket
	// dialer buffers. Zero uses the library's defaults.
	ReadBufferSize  int
	WriteBufferSize int

	Logger *slog.Logger
}

// Channel implements transport.Channel over a persistent WebSocket.
type Channel struct {
	cfg     Config
	machine *lifecycle.Machine
	logger  *slog.Logger

	connMu      sync.Mutex
	conn        *websocket.Conn
	attachedSet bool // true once AttachConn has been called in Attached mode

	inboundMu sync.Mutex
	inbound   transport.InboundHandler

	reconnectMu     sync.Mutex
	reconnecting    bool // true while a ReconnectLoop goroutine is active
	cancelReconnect context.CancelFunc
}

// New constructs a Channel in the Closed state.
func New(cfg Config) *Channel {
	logger := logging.Default(cfg.Logger)
	return &Channel{
		cfg:     cfg,
		machine: lifecycle.New(cfg.Mode, logger),
		logger:  logger,
	}
}

// AttachConn installs an already-connected socket for Attached mode.
// The channel binds its read loop to it but never dials or reconnects.
func (c *Channel) AttachConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.attachedSet = true
	c.connMu.Unlock()
}

// Open starts reading the attached conn (Attached mode) or launches the
// managed reconnect loop (Managed mode), which owns the first dial
// attempt itself. It returns before the connection necessarily
// exists in Managed mode; callers await readiness via AwaitReady.
func (c *Channel) Open(ctx context.Context) error {
	c.machine.OnOpening()

	if c.cfg.Mode == lifecycle.Attached {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return &TransportInitError{Reason: "attached mode requires AttachConn before Open"}
		}
		c.machine.OnConnect()
		go c.readLoop(conn)
		return nil
	}

	if c.cfg.URL == "" {
		return &TransportInitError{Reason: "missing URL"}
	}

	c.startReconnectLoop()
	return nil
}

// startReconnectLoop launches the managed-mode reconnect loop unless
// one is already running. readLoop calls this again on every observed
// disconnect, so a fresh loop picks up the retry sequence each time;
// the reconnecting guard keeps Open's initial launch and a racing
// disconnect from ever running two loops at once.
func (c *Channel) startReconnectLoop() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	c.reconnectMu.Unlock()

	go func() {
		c.machine.ReconnectLoop(ctx, c.cfg.Reconnect, c.dial)
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()
}

func (c *Channel) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return &TransportInitError{Reason: fmt.Sprintf("parse url: %v", err)}
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  c.cfg.ReadBufferSize,
		WriteBufferSize: c.cfg.WriteBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.machine.OnConnect()
	go c.readLoop(conn)
	return nil
}

// readLoop continuously reads frames from conn, decoding each into an
// Envelope and forwarding it to the installed InboundHandler. On a
// read error it marks the channel not-connected and, in Managed mode,
// starts a fresh reconnect loop — the one from Open (or a prior
// readLoop) has already returned by this point, since each
// ReconnectLoop run exits as soon as it connects. A read error caused
// by Close (which has already detached conn) starts no new loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("websocket read error, connection lost", "error", err)
			c.connMu.Lock()
			lost := c.conn == conn
			if lost {
				c.conn = nil
			}
			c.connMu.Unlock()
			if lost && c.cfg.Mode == lifecycle.Managed {
				c.machine.OnOpening()
				c.startReconnectLoop()
			}
			return
		}

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("failed to decode inbound frame", "error", err)
			continue
		}
		if !env.Recognized() {
			continue // unknown actions are silently ignored
		}

		c.inboundMu.Lock()
		handler := c.inbound
		c.inboundMu.Unlock()
		if handler != nil {
			handler(context.Background(), &env)
		}
	}
}

// Close tears down the socket and stops the managed reconnect loop.
// Always succeeds from the caller's point of view.
func (c *Channel) Close() error {
	c.reconnectMu.Lock()
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	c.reconnectMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.machine.OnClose()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsReady reports whether the handshake has completed — liveness is
// layered on top by the heartbeat tracker calling OnHandshakeComplete
// through the facade.
func (c *Channel) IsReady() bool {
	return c.machine.IsReady()
}

// AwaitReady blocks until IsReady() or ctx is done.
func (c *Channel) AwaitReady(ctx context.Context) bool {
	return c.machine.AwaitReady(ctx)
}

// Send serializes env and writes it as a single text frame.
func (c *Channel) Send(ctx context.Context, env *envelope.Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return &NotConnectedError{}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return &NotConnectedError{}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SetInbound installs the envelope handler.
func (c *Channel) SetInbound(handler transport.InboundHandler) {
	c.inboundMu.Lock()
	defer c.inboundMu.Unlock()
	c.inbound = handler
}

// Capabilities reports query and stream ACK support like the ipc
// backends, but with single-flight queries where they run in parallel.
func (c *Channel) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsQuery:     true,
		SupportsStreamAck: true,
		QueryConcurrency:  transport.SingleFlight,
	}
}

// Machine exposes the underlying lifecycle.Machine so the facade can
// call OnHandshakeComplete once a Pong (or our Pong reply) is observed.
func (c *Channel) Machine() *lifecycle.Machine { return c.machine }

// TransportInitError mirrors eventbridge.TransportInitError without
// importing the root package (which imports transport/wsclient),
// avoiding an import cycle. The facade converts this to the public
// error type at the boundary.
type TransportInitError struct{ Reason string }

func (e *TransportInitError) Error() string { return "wsclient: " + e.Reason }

// ConnectionError mirrors eventbridge.ConnectionError for the same
// import-cycle reason.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("wsclient: connection error: %v", e.Err) }
func (e *ConnectionError) Unwrap() error  { return e.Err }

// NotConnectedError mirrors eventbridge.NotConnectedError.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "wsclient: not connected" }
