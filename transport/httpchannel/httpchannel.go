// Package httpchannel implements the stateless request/response HTTP
// backend. Unlike the persistent-bidi transports it serves two roles at
// once: an inbound HTTP server (the remote service POSTs event batches
// to the webhook path and pings the liveness path) and an outbound HTTP
// client (queries are POSTed to the remote service's query endpoint and
// answered inline in the same response).
//
// The shared net/http client construction is borrowed wholesale from
// internal/transporthttp; the inbound server side has no close analogue
// elsewhere in this codebase, so its routing follows the plain
// net/http ServeMux pattern used by internal/api/server.go instead of
// reaching for a third-party router.
package httpchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/internal/logging"
	"github.com/nugget/eventbridge/internal/transporthttp"
	"github.com/nugget/eventbridge/transport"
)

// BatchResult is what the facade's batch dispatcher hands back
// synchronously, since the HTTP backend's ACK is the webhook's HTTP
// response body rather than a separately sent envelope.
type BatchResult struct {
	OK        bool
	OKIndices []int
}

// BatchHandler processes one inbound batch and returns the result to
// embed in the webhook's HTTP response.
type BatchHandler func(ctx context.Context, batch envelope.BatchPayload) BatchResult

// Config configures a Channel.
type Config struct {
	// BaseURL is the remote service's root; queries POST to
	// BaseURL+"/query".
	BaseURL string

	// ListenAddr is where this channel's inbound server listens, e.g.
	// ":8080". Required.
	ListenAddr string

	// WebhookPath and PingPath must differ; both are served by this
	// channel's inbound HTTP server.
	WebhookPath string
	PingPath    string

	// Token, when non-empty, is required as the X-Transport-Token
	// header on inbound webhook POSTs and is echoed in outbound Pong
	// payloads.
	Token string

	MaxMessageBytes int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Channel implements transport.Channel for the HTTP backend.
type Channel struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	server *http.Server

	batchMu sync.RWMutex
	batch   BatchHandler

	inboundMu sync.Mutex
	inbound   transport.InboundHandler
}

// New constructs a Channel. Call SetBatchHandler before Open so
// inbound POSTs have somewhere to go.
func New(cfg Config) *Channel {
	logger := logging.Default(cfg.Logger)
	client := cfg.HTTPClient
	if client == nil {
		client = transporthttp.NewClient(transporthttp.WithLogger(logger))
	}
	return &Channel{cfg: cfg, client: client, logger: logger}
}

// SetBatchHandler installs the synchronous batch processor invoked by
// the webhook endpoint.
func (c *Channel) SetBatchHandler(h BatchHandler) {
	c.batchMu.Lock()
	c.batch = h
	c.batchMu.Unlock()
}

// Open starts the inbound HTTP server. The outbound query path needs
// no setup: every HTTP backend request/response cycle stands on its
// own.
func (c *Channel) Open(ctx context.Context) error {
	if c.cfg.ListenAddr == "" {
		return &TransportInitError{Reason: "missing ListenAddr"}
	}
	if c.cfg.WebhookPath == "" || c.cfg.PingPath == "" {
		return &TransportInitError{Reason: "missing webhook or ping path"}
	}
	if c.cfg.WebhookPath == c.cfg.PingPath {
		return &TransportInitError{Reason: "webhook and ping paths must differ"}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(c.cfg.WebhookPath, c.handleWebhook)
	mux.HandleFunc(c.cfg.PingPath, c.handlePing)

	c.server = &http.Server{Addr: c.cfg.ListenAddr, Handler: mux}

	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return &TransportInitError{Reason: fmt.Sprintf("listen: %v", err)}
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Warn("http backend server stopped", "error", err)
		}
	}()

	return nil
}

// handleWebhook implements the POST <webhookPath> contract: auth check,
// decode, dispatch, inline ack response.
func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if c.cfg.Token != "" && r.Header.Get("X-Transport-Token") != c.cfg.Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	limit := int64(c.cfg.MaxMessageBytes)
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit-256+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if int64(len(body)) > limit-256 {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if env.Action != envelope.ActionOutboxStreamBatch {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	var batchPayload envelope.BatchPayload
	if err := json.Unmarshal(env.Payload, &batchPayload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c.batchMu.RLock()
	handler := c.batch
	c.batchMu.RUnlock()

	var result BatchResult
	if handler != nil {
		result = handler(r.Context(), batchPayload)
	} else if len(batchPayload.Events) == 0 {
		result = BatchResult{OK: true, OKIndices: envelope.SequentialOKIndices(0)}
	}

	ack := envelope.Envelope{
		Action:        envelope.ActionOutboxStreamAck,
		CorrelationID: env.CorrelationID,
		Style:         env.Style,
	}
	ackPayload := envelope.AckPayload{OK: result.OK, OKIndices: result.OKIndices, StreamID: batchPayload.StreamID}
	ackBytes, _ := json.Marshal(ackPayload)
	ack.Payload = ackBytes

	writeEnvelope(w, http.StatusOK, &ack)
}

// handlePing implements POST <pingPath>.
func (c *Channel) handlePing(w http.ResponseWriter, r *http.Request) {
	var in envelope.Envelope
	style := envelope.StyleDotted
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &in); err == nil {
			style = in.Style
		}
	}

	pong := envelope.Envelope{
		Action:        envelope.ActionPong,
		CorrelationID: in.CorrelationID,
		Style:         style,
	}
	payload := envelope.PingPayload{TS: time.Now().UnixMilli(), Password: c.cfg.Token}
	data, _ := json.Marshal(payload)
	pong.Payload = data

	writeEnvelope(w, http.StatusOK, &pong)
}

func writeEnvelope(w http.ResponseWriter, status int, env *envelope.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// Close shuts the inbound server down. Queries in flight on the
// outbound http.Client are left to their own per-call context.
func (c *Channel) Close() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

// IsReady is always true: every HTTP exchange stands on its own.
func (c *Channel) IsReady() bool { return true }

// AwaitReady returns true immediately.
func (c *Channel) AwaitReady(ctx context.Context) bool { return true }

// Send is a conformance shim: the HTTP backend's real outbound path is
// Query, which returns its result inline rather than through the
// generic fire-and-forget Send/SetInbound pair. Send exists so Channel
// satisfies transport.Channel; it is not used by the facade for HTTP.
func (c *Channel) Send(ctx context.Context, env *envelope.Envelope) error {
	_, err := c.Query(ctx, env)
	return err
}

// Query POSTs a query.request envelope to BaseURL+"/query" and returns
// the query.response envelope synchronously — the HTTP backend's
// inline-result path. The facade uses this return value directly
// instead of waiting on the query correlator.
func (c *Channel) Query(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/query", bytes.NewReader(data))
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("X-Transport-Token", c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg := transporthttp.ReadErrorBody(resp.Body, 4096)
		return nil, &ServerError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: msg}
	}

	body, err := io.ReadAll(resp.Body)
	transporthttp.DrainAndClose(resp.Body, 4096)
	if err != nil {
		return nil, err
	}

	var out envelope.Envelope
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &InvalidResponseError{}
	}
	return &out, nil
}

// SetInbound exists for interface conformance; the HTTP backend routes
// every inbound interaction through handleWebhook/handlePing instead,
// since both require a synchronous HTTP response rather than an async
// callback.
func (c *Channel) SetInbound(handler transport.InboundHandler) {
	c.inboundMu.Lock()
	c.inbound = handler
	c.inboundMu.Unlock()
}

// Capabilities reports the HTTP backend's row: query support with no
// separate stream-ack envelope (the ack rides the webhook's HTTP
// response) and parallel query concurrency (each query is an
// independent POST).
func (c *Channel) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsQuery:     true,
		SupportsStreamAck: false,
		QueryConcurrency:  transport.Parallel,
	}
}

// TransportInitError mirrors eventbridge.TransportInitError; kept
// local to avoid an import cycle with the root package.
type TransportInitError struct{ Reason string }

func (e *TransportInitError) Error() string { return "httpchannel: " + e.Reason }

// ConnectionError mirrors eventbridge.ConnectionError.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("httpchannel: connection error: %v", e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError mirrors eventbridge.ServerError.
type ServerError struct{ Code, Message string }

func (e *ServerError) Error() string { return fmt.Sprintf("httpchannel: server error %s: %s", e.Code, e.Message) }

// InvalidResponseError mirrors eventbridge.InvalidResponseError.
type InvalidResponseError struct{}

func (e *InvalidResponseError) Error() string { return "httpchannel: invalid response" }
