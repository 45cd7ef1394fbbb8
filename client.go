// Package eventbridge is the client-side transport core: it consumes
// an ordered outbox event stream and issues correlated request/response
// queries over one of four interchangeable transports. Client is the
// facade every caller constructs; everything else in this module is an
// implementation detail reachable through it.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/eventbridge/correlate"
	"github.com/nugget/eventbridge/dispatch"
	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/heartbeat"
	"github.com/nugget/eventbridge/internal/logging"
	"github.com/nugget/eventbridge/lifecycle"
	"github.com/nugget/eventbridge/transport"
	"github.com/nugget/eventbridge/transport/httpchannel"
	"github.com/nugget/eventbridge/transport/ipcchild"
	"github.com/nugget/eventbridge/transport/ipcparent"
	"github.com/nugget/eventbridge/transport/wsclient"
)

// Client wires one transport.Channel to the dispatcher, correlator,
// heartbeat tracker, and (for persistent-bidi backends) a lifecycle
// machine, presenting a single Subscribe/Query/Close surface
// regardless of which transport was selected.
type Client struct {
	opts    Options
	logger  *slog.Logger
	channel transport.Channel

	dispatcher *dispatch.Dispatcher
	correlator *correlate.Correlator
	heartbeat  *heartbeat.Tracker
	machine    *lifecycle.Machine // nil for the stateless HTTP backend

	httpChannel *httpchannel.Channel // set only when opts.Transport.Type == TransportHTTP
	wsChannel   *wsclient.Channel    // set only when opts.Transport.Type == TransportWS

	closeMu  sync.Mutex
	closed   bool
	cancelFn context.CancelFunc
}

// New constructs a Client for opts.Transport.Type. The returned Client
// owns the underlying channel; callers must call Close when done.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	opts = applyDefaults(opts)
	logger = logging.Default(logger)

	channel, machine, httpCh, err := newBackend(opts, logger)
	if err != nil {
		return nil, err
	}

	caps := channel.Capabilities()

	multiplicity := dispatch.SingleHandler
	if opts.Transport.Type == TransportHTTP {
		multiplicity = dispatch.MultiHandler
	}
	dispatcher := dispatch.New(multiplicity, opts.ProcessTimeout, logger)

	policy := correlate.SingleFlight
	if caps.QueryConcurrency == transport.Parallel {
		policy = correlate.Parallel
	}
	correlator := correlate.New(policy, opts.MaxMessageBytes, logger)

	c := &Client{
		opts:        opts,
		logger:      logger,
		channel:     channel,
		dispatcher:  dispatcher,
		correlator:  correlator,
		machine:     machine,
		httpChannel: httpCh,
	}
	if wsCh, ok := channel.(*wsclient.Channel); ok {
		c.wsChannel = wsCh
	}
	c.heartbeat = heartbeat.NewTracker(opts.HeartbeatTimeout, opts.Token, c.channel.Send, logger)

	if httpCh != nil {
		httpCh.SetBatchHandler(func(ctx context.Context, batch envelope.BatchPayload) httpchannel.BatchResult {
			result := dispatcher.Dispatch(ctx, batch)
			return httpchannel.BatchResult{OK: result.OK, OKIndices: result.OKIndices}
		})
	} else {
		channel.SetInbound(c.handleInbound)
	}

	return c, nil
}

// newBackend constructs the transport.Channel selected by
// opts.Transport.Type, returning its lifecycle.Machine when the
// backend is persistent-bidi (nil for HTTP) and its concrete
// *httpchannel.Channel when applicable (nil otherwise, so New can wire
// SetBatchHandler instead of SetInbound).
func newBackend(opts Options, logger *slog.Logger) (transport.Channel, *lifecycle.Machine, *httpchannel.Channel, error) {
	switch opts.Transport.Type {
	case TransportWS:
		mode := lifecycle.Managed
		if opts.Transport.Attached {
			mode = lifecycle.Attached
		}
		ch := wsclient.New(wsclient.Config{
			URL:       opts.Transport.URL,
			Mode:      mode,
			Reconnect: toReconnectPolicy(opts.Reconnect),
			Logger:    logger,
		})
		return ch, ch.Machine(), nil, nil

	case TransportHTTP:
		ch := httpchannel.New(httpchannel.Config{
			BaseURL:         opts.Transport.BaseURL,
			ListenAddr:      opts.Transport.ListenAddr,
			WebhookPath:     opts.Transport.WebhookPath,
			PingPath:        opts.Transport.PingPath,
			Token:           opts.Token,
			MaxMessageBytes: opts.MaxMessageBytes,
			Logger:          logger,
		})
		return ch, nil, ch, nil

	case TransportIPCParent:
		// ipcparent tracks its own ready flag rather than a
		// lifecycle.Machine: the child process's stdin/stdout pipes
		// have no separate dial step to gate, so readiness is just
		// "the process is running". No Machine means Connect skips
		// the OpenReady handshake wait; neither Connect nor Query
		// consults the heartbeat tracker's BusinessReady.
		ch := ipcparent.New(ipcparent.Config{
			Command:         opts.Transport.Command,
			Args:            opts.Transport.Args,
			MaxMessageBytes: opts.MaxMessageBytes,
			Logger:          logger,
		})
		return ch, nil, nil, nil

	case TransportIPCChild:
		ch := ipcchild.New(ipcchild.Config{
			Stdin:           os.Stdin,
			Stdout:          os.Stdout,
			MaxMessageBytes: opts.MaxMessageBytes,
			Logger:          logger,
		})
		return ch, nil, nil, nil

	default:
		return nil, nil, nil, &TransportInitError{Reason: fmt.Sprintf("unknown transport type %q", opts.Transport.Type)}
	}
}

func toReconnectPolicy(r ReconnectConfig) lifecycle.ReconnectPolicy {
	return lifecycle.ReconnectPolicy{
		Enabled:    r.Enabled,
		MinDelay:   r.MinDelay,
		MaxDelay:   r.MaxDelay,
		Multiplier: r.Multiplier,
		Jitter:     r.Jitter,
	}
}

// handleInbound is the single InboundHandler installed on persistent-
// bidi channels. It routes by action: Ping gets a Pong reply, Pong and
// outbox.stream.batch feed the heartbeat tracker and dispatcher, and
// query.response/error resolve or fail the matching correlator entry.
func (c *Client) handleInbound(ctx context.Context, env *envelope.Envelope) {
	switch env.Action {
	case envelope.ActionPing:
		if err := c.heartbeat.HandlePing(ctx, env); err == nil {
			c.onHandshakeSignal()
		}

	case envelope.ActionPong:
		c.heartbeat.ObservePong(env)
		c.onHandshakeSignal()

	case envelope.ActionOutboxStreamBatch:
		c.handleBatch(ctx, env)

	case envelope.ActionQueryResponse:
		c.handleQueryResponse(env)

	case envelope.ActionError:
		c.handleServerError(env)
	}
}

func (c *Client) onHandshakeSignal() {
	if c.machine != nil {
		c.machine.OnHandshakeComplete()
	}
}

func (c *Client) handleBatch(ctx context.Context, env *envelope.Envelope) {
	var batch envelope.BatchPayload
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		c.logger.Warn("failed to decode inbound batch payload", "error", err)
		return
	}

	result := c.dispatcher.Dispatch(ctx, batch)
	if !result.OK {
		return
	}

	ack := &envelope.Envelope{
		Action:        envelope.ActionOutboxStreamAck,
		CorrelationID: env.CorrelationID,
		Style:         env.Style,
	}
	payload, _ := json.Marshal(envelope.AckPayload{
		OK:        true,
		OKIndices: result.OKIndices,
		StreamID:  batch.StreamID,
	})
	ack.Payload = payload

	if err := c.channel.Send(context.Background(), ack); err != nil {
		c.logger.Warn("failed to send batch ack", "error", err)
	}
}

func (c *Client) handleQueryResponse(env *envelope.Envelope) {
	var resp envelope.QueryResponsePayload
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		c.logger.Warn("failed to decode query response payload", "error", err)
		return
	}
	c.correlator.HandleResponse(c.correlationKey(env), resp)
}

func (c *Client) handleServerError(env *envelope.Envelope) {
	var errPayload envelope.ErrorPayload
	_ = json.Unmarshal(env.Payload, &errPayload)
	c.correlator.Fail(c.correlationKey(env), &ServerError{Code: errPayload.Code, Message: errPayload.Message})
}

// correlationKey returns the correlator key for env: the ws backend
// correlates queries on requestId, the ipc backends on correlationId
// (Query sets both fields on every request it sends).
func (c *Client) correlationKey(env *envelope.Envelope) correlate.Key {
	if c.wsChannel != nil {
		return correlate.Key{Kind: correlate.ByRequestID, Value: env.RequestID}
	}
	return correlate.Key{Kind: correlate.ByCorrelationID, Value: env.CorrelationID}
}

// AttachSocket binds an already-connected websocket to an attached-mode
// ws Client. Call it before Connect. Returns TransportInitError if the
// Client was not constructed with transport.type=ws and attached=true.
func (c *Client) AttachSocket(conn *websocket.Conn) error {
	if c.wsChannel == nil || !c.opts.Transport.Attached {
		return &TransportInitError{Reason: "AttachSocket requires an attached-mode ws transport"}
	}
	c.wsChannel.AttachConn(conn)
	return nil
}

// Connect opens the underlying channel and, except for HTTP, waits for
// it to report ready, bounded by opts.ConnectionTimeout. For the ws
// backend that means the handshake has reached OpenReady (a Pong
// observed, or our own reply to the peer's first Ping). The ipc
// backends are ready as soon as their pipes are open: Connect does
// not wait for a first Pong on them, and the heartbeat tracker's
// liveness window is not consulted for any backend. If
// EnableClientPing is set, it also starts the self-initiated ping loop
// on the non-HTTP backends.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()

	if err := c.channel.Open(ctx); err != nil {
		return translateTransportError(err)
	}

	if c.httpChannel == nil {
		if !c.channel.AwaitReady(ctx) {
			return &ConnectionError{Err: ctx.Err()}
		}
		if c.machine != nil && !c.machine.AwaitReady(ctx) {
			return &ConnectionError{Err: ctx.Err()}
		}
		if c.opts.EnableClientPing {
			runCtx, runCancel := context.WithCancel(context.Background())
			c.cancelFn = runCancel
			go c.heartbeat.RunPingLoop(runCtx)
		}
	}

	return nil
}

// Subscribe registers h for eventType. On backends with
// dispatch.SingleHandler multiplicity, a second Subscribe for the same
// eventType fails with DuplicateSubscriptionError.
func (c *Client) Subscribe(eventType string, h dispatch.Handler) error {
	if err := c.dispatcher.Subscribe(eventType, h); err != nil {
		var dup *dispatch.DuplicateSubscriptionError
		if asDuplicate(err, &dup) {
			return &DuplicateSubscriptionError{EventType: dup.EventType}
		}
		return err
	}
	return nil
}

// Unsubscribe removes every handler registered for eventType.
func (c *Client) Unsubscribe(eventType string, h dispatch.Handler) {
	c.dispatcher.Unsubscribe(eventType, h)
}

// Query issues a query.request for name with dto as its argument and
// returns the decoded response data. The HTTP backend answers inline
// in the same POST response; every other backend resolves through the
// query correlator, keyed by requestId on ws and by correlationId on
// the ipc backends. Every request is checked against MaxMessageBytes
// before it is sent.
func (c *Client) Query(ctx context.Context, name string, dto any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	dtoBytes, err := json.Marshal(dto)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	payload, err := json.Marshal(envelope.QueryRequestPayload{Name: name, DTO: dtoBytes})
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		Action:        envelope.ActionQueryRequest,
		RequestID:     requestID,
		CorrelationID: requestID,
		Payload:       payload,
	}

	if c.httpChannel != nil {
		fits, size, err := envelope.FitsWithinLimit(env, c.opts.MaxMessageBytes)
		if err != nil {
			return nil, err
		}
		if !fits {
			return nil, &MessageTooLargeError{Size: size, Max: c.opts.MaxMessageBytes}
		}
		resp, err := c.httpChannel.Query(ctx, env)
		if err != nil {
			return nil, translateTransportError(err)
		}
		var respPayload envelope.QueryResponsePayload
		if err := json.Unmarshal(resp.Payload, &respPayload); err != nil {
			return nil, &InvalidResponseError{}
		}
		switch {
		case respPayload.OK:
			return respPayload.Data, nil
		case respPayload.Err != "":
			return nil, &QueryFailedError{Message: respPayload.Err}
		default:
			return nil, &InvalidResponseError{}
		}
	}

	key := c.correlationKey(env)
	data, err := c.correlator.Query(ctx, c.channel.Send, key, env, c.opts.QueryTimeout)
	if err != nil {
		if _, ok := err.(*correlate.ErrQueryTimeout); ok {
			return nil, &QueryTimeoutError{Name: name}
		}
		return nil, translateCorrelatorError(err)
	}
	return data, nil
}

// Close tears the client down: stops the ping loop if running, rejects
// every pending query, and closes the underlying channel. Always
// succeeds from the caller's point of view.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.correlator.DisconnectAll(&DisconnectedError{})
	return c.channel.Close()
}

// asDuplicate is a small errors.As wrapper kept local since
// dispatch.DuplicateSubscriptionError is the only package-local error
// type Subscribe can return.
func asDuplicate(err error, target **dispatch.DuplicateSubscriptionError) bool {
	d, ok := err.(*dispatch.DuplicateSubscriptionError)
	if !ok {
		return false
	}
	*target = d
	return true
}

// translateCorrelatorError maps correlate's package-local error types
// to the exported eventbridge equivalents; anything else (such as a
// backend's send error) goes through translateTransportError.
func translateCorrelatorError(err error) error {
	switch e := err.(type) {
	case *correlate.ErrQueryInFlight:
		return &QueryInFlightError{}
	case *correlate.ErrMessageTooLarge:
		return &MessageTooLargeError{Size: e.Size, Max: e.Max}
	case *correlate.ErrDisconnected:
		return &DisconnectedError{}
	case *correlate.ErrQueryFailed:
		return &QueryFailedError{Message: e.Message}
	case *correlate.ErrInvalidResponse:
		return &InvalidResponseError{}
	default:
		return translateTransportError(err)
	}
}

// translateTransportError maps each backend's package-local error
// types (duplicated per package to avoid an import cycle) to the
// exported eventbridge equivalents.
func translateTransportError(err error) error {
	switch e := err.(type) {
	case *wsclient.TransportInitError:
		return &TransportInitError{Reason: e.Reason}
	case *wsclient.ConnectionError:
		return &ConnectionError{Err: e.Err}
	case *wsclient.NotConnectedError:
		return &NotConnectedError{}
	case *httpchannel.TransportInitError:
		return &TransportInitError{Reason: e.Reason}
	case *httpchannel.ConnectionError:
		return &ConnectionError{Err: e.Err}
	case *httpchannel.ServerError:
		return &ServerError{Code: e.Code, Message: e.Message}
	case *httpchannel.InvalidResponseError:
		return &InvalidResponseError{}
	case *ipcparent.TransportInitError:
		return &TransportInitError{Reason: e.Reason}
	case *ipcparent.ConnectionError:
		return &ConnectionError{Err: e.Err}
	case *ipcparent.NotConnectedError:
		return &NotConnectedError{}
	case *ipcchild.TransportInitError:
		return &TransportInitError{Reason: e.Reason}
	case *ipcchild.NotConnectedError:
		return &NotConnectedError{}
	default:
		return err
	}
}

// QueryTimeout returns the configured per-query deadline, exposed for
// callers (e.g. the demo binary) that need to size their own context.
func (c *Client) QueryTimeout() time.Duration { return c.opts.QueryTimeout }
