package eventbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/eventbridge/envelope"
)

func TestClient_Subscribe_DuplicateOnSingleHandlerBackend(t *testing.T) {
	client, err := New(DefaultOptions(TransportIPCParent), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := func(ctx context.Context, evt envelope.WireEvent) error { return nil }
	if err := client.Subscribe("order.created", h); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	err = client.Subscribe("order.created", h)
	if _, ok := err.(*DuplicateSubscriptionError); !ok {
		t.Errorf("second Subscribe err = %T, want *DuplicateSubscriptionError", err)
	}
}

func TestClient_Subscribe_MultiHandlerOnHTTPBackend(t *testing.T) {
	opts := DefaultOptions(TransportHTTP)
	opts.Transport.ListenAddr = freeAddr(t)
	opts.Transport.WebhookPath = "/webhook"
	opts.Transport.PingPath = "/ping"

	client, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := func(ctx context.Context, evt envelope.WireEvent) error { return nil }
	if err := client.Subscribe("order.created", h); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := client.Subscribe("order.created", h); err != nil {
		t.Errorf("second Subscribe on MultiHandler backend should succeed, got %v", err)
	}
}

func TestClient_HTTP_QueryRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			RequestID string `json:"requestId"`
		}
		body := json.NewDecoder(r.Body)
		if err := body.Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		respPayload, _ := json.Marshal(envelope.QueryResponsePayload{OK: true, Data: json.RawMessage(`{"balance":42}`)})
		resp := struct {
			Action    string          `json:"action"`
			RequestID string          `json:"requestId"`
			Payload   json.RawMessage `json:"payload"`
		}{Action: "query.response", RequestID: in.RequestID, Payload: respPayload}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	opts := DefaultOptions(TransportHTTP)
	opts.Transport.BaseURL = server.URL
	opts.Transport.ListenAddr = freeAddr(t)
	opts.Transport.WebhookPath = "/webhook"
	opts.Transport.PingPath = "/ping"
	opts.QueryTimeout = 2 * time.Second

	client, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	data, err := client.Query(context.Background(), "getBalance", map[string]string{"accountId": "a1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	var out struct {
		Balance int `json:"balance"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Balance != 42 {
		t.Errorf("balance = %d, want 42", out.Balance)
	}
}

func TestClient_HTTP_QueryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respPayload, _ := json.Marshal(envelope.QueryResponsePayload{OK: false, Err: "account not found"})
		resp := struct {
			Action  string          `json:"action"`
			Payload json.RawMessage `json:"payload"`
		}{Action: "query.response", Payload: respPayload}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	opts := DefaultOptions(TransportHTTP)
	opts.Transport.BaseURL = server.URL
	opts.Transport.ListenAddr = freeAddr(t)
	opts.Transport.WebhookPath = "/webhook"
	opts.Transport.PingPath = "/ping"

	client, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	_, err = client.Query(context.Background(), "getBalance", map[string]string{})
	qf, ok := err.(*QueryFailedError)
	if !ok {
		t.Fatalf("err = %T, want *QueryFailedError", err)
	}
	if qf.Message != "account not found" {
		t.Errorf("Message = %q", qf.Message)
	}
}

func TestClient_IPCParent_InboundBatchDispatch(t *testing.T) {
	opts := DefaultOptions(TransportIPCParent)
	opts.Transport.Command = "/bin/sh"
	opts.Transport.Args = []string{"-c", `printf '%s\n' '{"action":"outbox.stream.batch","correlationId":"c1","payload":{"events":[{"eventType":"order.created"}]}}'; cat`}

	client, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := make(chan envelope.WireEvent, 1)
	err = client.Subscribe("order.created", func(ctx context.Context, evt envelope.WireEvent) error {
		got <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	select {
	case evt := <-got:
		if evt.EventType != "order.created" {
			t.Errorf("EventType = %q", evt.EventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

// freeAddr returns a loopback address with an OS-assigned free port,
// suitable for an HTTP backend's ListenAddr.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
