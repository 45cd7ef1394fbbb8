package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/eventbridge/envelope"
	"github.com/nugget/eventbridge/lifecycle"
)

// echoServer upgrades every connection and echoes back a Pong for
// every Ping it receives, simulating the S5 handshake scenario at the
// channel level.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Action == envelope.ActionPing {
				reply := envelope.Envelope{
					Action:        envelope.ActionPong,
					CorrelationID: env.CorrelationID,
					Style:         env.Style,
				}
				out, _ := json.Marshal(reply)
				conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestChannel_OpenSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ch := New(Config{URL: wsURL(srv.URL), Mode: lifecycle.Managed})

	var mu sync.Mutex
	var received []*envelope.Envelope
	gotPong := make(chan struct{}, 1)
	ch.SetInbound(func(ctx context.Context, env *envelope.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		if env.Action == envelope.ActionPong {
			select {
			case gotPong <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	// Open launches the reconnect loop in the background rather than
	// dialing inline, so wait for the dial to land in OpenUnverified
	// before exercising the handshake-completion stub.
	deadline := time.Now().Add(time.Second)
	for ch.Machine().State() != lifecycle.OpenUnverified {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dial to complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch.Machine().OnHandshakeComplete()
	if !ch.IsReady() {
		t.Fatal("expected ready after handshake completion stub")
	}

	if err := ch.Send(ctx, &envelope.Envelope{Action: envelope.ActionPing, CorrelationID: "c1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-gotPong:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pong")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Action != envelope.ActionPong {
		t.Errorf("received = %+v", received)
	}
}

func TestChannel_SendWithoutOpen_NotConnected(t *testing.T) {
	ch := New(Config{URL: "ws://example.invalid", Mode: lifecycle.Managed})
	err := ch.Send(context.Background(), &envelope.Envelope{Action: envelope.ActionPing})
	if _, ok := err.(*NotConnectedError); !ok {
		t.Errorf("err = %T, want *NotConnectedError", err)
	}
}

func TestChannel_AttachedMode_RequiresAttachConnBeforeOpen(t *testing.T) {
	ch := New(Config{Mode: lifecycle.Attached})
	err := ch.Open(context.Background())
	if _, ok := err.(*TransportInitError); !ok {
		t.Errorf("err = %T, want *TransportInitError", err)
	}
}

func TestChannel_AttachedMode_NeverReconnects(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ch := New(Config{Mode: lifecycle.Attached})
	ch.AttachConn(conn)
	ch.SetInbound(func(context.Context, *envelope.Envelope) {})

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	conn.Close() // simulate the host yanking the underlying socket

	time.Sleep(20 * time.Millisecond)
	if ch.cancelReconnect != nil {
		t.Fatal("attached mode must never start a reconnect loop")
	}
}

func TestChannel_Capabilities(t *testing.T) {
	ch := New(Config{Mode: lifecycle.Managed})
	caps := ch.Capabilities()
	if !caps.SupportsQuery || !caps.SupportsStreamAck {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}
