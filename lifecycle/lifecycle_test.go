package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStateMachine_HappyPathTransitions(t *testing.T) {
	m := New(Managed, nil)
	if m.State() != Closed {
		t.Fatalf("initial state = %v, want Closed", m.State())
	}

	m.OnOpening()
	if m.State() != Opening {
		t.Fatalf("state = %v, want Opening", m.State())
	}

	m.OnConnect()
	if m.State() != OpenUnverified {
		t.Fatalf("state = %v, want OpenUnverified", m.State())
	}
	if m.IsReady() {
		t.Fatal("should not be ready before handshake")
	}

	m.OnHandshakeComplete()
	if m.State() != OpenReady {
		t.Fatalf("state = %v, want OpenReady", m.State())
	}
	if !m.IsReady() {
		t.Fatal("expected ready after handshake")
	}

	m.OnClose()
	if m.State() != Closed {
		t.Fatalf("state = %v, want Closed", m.State())
	}
}

func TestAwaitReady_UnblocksOnTransition(t *testing.T) {
	m := New(Managed, nil)
	m.OnOpening()
	m.OnConnect()

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- m.AwaitReady(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	m.OnHandshakeComplete()

	if !<-done {
		t.Fatal("expected AwaitReady to observe readiness")
	}
}

func TestAwaitReady_TimesOutWhenNeverReady(t *testing.T) {
	m := New(Managed, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if m.AwaitReady(ctx) {
		t.Fatal("expected AwaitReady to time out")
	}
}

func TestReconnectLoop_StopsOnSuccess(t *testing.T) {
	m := New(Managed, nil)
	var attempts atomic.Int32
	connect := func(context.Context) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	policy := ReconnectPolicy{Enabled: true, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.ReconnectLoop(ctx, policy, connect)

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestReconnectLoop_AttachedModeNoOp(t *testing.T) {
	m := New(Attached, nil)
	called := false
	m.ReconnectLoop(context.Background(), DefaultReconnectPolicy(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("attached mode must never reconnect")
	}
}

func TestReconnectLoop_StopsOnContextCancel(t *testing.T) {
	m := New(Managed, nil)
	var attempts atomic.Int32
	policy := ReconnectPolicy{Enabled: true, MinDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.ReconnectLoop(ctx, policy, func(context.Context) error {
			attempts.Add(1)
			return errors.New("always fails")
		})
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect loop did not stop after cancel")
	}
}
