package ipcparent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nugget/eventbridge/envelope"
)

// echoChild is a minimal shell one-liner that reads newline-delimited
// JSON from stdin and mirrors each line back to stdout immediately,
// standing in for a real child process in these tests.
func newEchoChannel(t *testing.T) *Channel {
	t.Helper()
	ch := New(Config{Command: "/bin/sh", Args: []string{"-c", "cat"}})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestChannel_SendReceive_RoundTrip(t *testing.T) {
	ch := newEchoChannel(t)

	var mu sync.Mutex
	var received []*envelope.Envelope
	got := make(chan struct{}, 1)
	ch.SetInbound(func(ctx context.Context, env *envelope.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})

	env := &envelope.Envelope{Action: envelope.ActionQueryRequest, RequestID: "r1", CorrelationID: "c1"}
	if err := ch.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed envelope")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].CorrelationID != "c1" {
		t.Errorf("received = %+v", received)
	}
}

func TestChannel_IsReady_AfterOpen(t *testing.T) {
	ch := newEchoChannel(t)
	if !ch.IsReady() {
		t.Fatal("expected channel ready after Open")
	}
}

func TestChannel_SendBeforeOpen_NotConnected(t *testing.T) {
	ch := New(Config{Command: "/bin/sh", Args: []string{"-c", "cat"}})
	err := ch.Send(context.Background(), &envelope.Envelope{Action: envelope.ActionPing})
	if _, ok := err.(*NotConnectedError); !ok {
		t.Errorf("err = %T, want *NotConnectedError", err)
	}
}

func TestChannel_Open_MissingCommand(t *testing.T) {
	ch := New(Config{})
	err := ch.Open(context.Background())
	if _, ok := err.(*TransportInitError); !ok {
		t.Errorf("err = %T, want *TransportInitError", err)
	}
}

func TestChannel_Capabilities(t *testing.T) {
	ch := New(Config{})
	caps := ch.Capabilities()
	if !caps.SupportsQuery || !caps.SupportsStreamAck {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}

func TestChannel_Close_StopsReady(t *testing.T) {
	ch := newEchoChannel(t)
	ch.Close()
	if ch.IsReady() {
		t.Fatal("expected not ready after Close")
	}
}

// marshal sanity check: batch payload with correlationId round-trips
// through the echo child unharmed.
func TestChannel_BatchEnvelope_RoundTrip(t *testing.T) {
	ch := newEchoChannel(t)

	got := make(chan *envelope.Envelope, 1)
	ch.SetInbound(func(ctx context.Context, env *envelope.Envelope) {
		got <- env
	})

	batch := envelope.BatchPayload{Events: []envelope.WireEvent{{EventType: "order.created"}}}
	payload, _ := json.Marshal(batch)
	env := &envelope.Envelope{Action: envelope.ActionOutboxStreamBatch, Payload: payload, CorrelationID: "b1"}

	if err := ch.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case in := <-got:
		if in.Action != envelope.ActionOutboxStreamBatch || in.CorrelationID != "b1" {
			t.Errorf("received = %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
