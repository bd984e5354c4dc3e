package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// loopback wires a Correlator's SendFunc back into Deliver, simulating a
// peer that echoes a result for every request — enough to exercise
// request/response correlation without a real transport.
func loopback(c **Correlator, result json.RawMessage) SendFunc {
	return func(f Frame) error {
		go (*c).Deliver(Frame{ID: f.ID, Result: result})
		return nil
	}
}

func TestSendDeliverRoundTrip(t *testing.T) {
	var c *Correlator
	c = New("test", loopback(&c, json.RawMessage(`{"ok":true}`)), time.Second)

	got, err := c.Send(context.Background(), "Runtime.enable", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("Send() = %s, want {\"ok\":true}", got)
	}
}

func TestSendDeliverError(t *testing.T) {
	var c *Correlator
	sendFunc := func(f Frame) error {
		go c.Deliver(Frame{ID: f.ID, Error: &FrameError{Code: -32000, Message: "boom"}})
		return nil
	}
	c = New("test", sendFunc, time.Second)

	_, err := c.Send(context.Background(), "Debugger.pause", nil)
	if err == nil {
		t.Fatal("expected an error from a frame carrying Error")
	}
}

func TestSendTimeoutCleansUpPendingEntry(t *testing.T) {
	c := New("test", func(f Frame) error { return nil }, 20*time.Millisecond)

	_, err := c.Send(context.Background(), "slow.method", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no pending entries after timeout, got %d", n)
	}
}

func TestDeliverUnknownIDDoesNotPanic(t *testing.T) {
	c := New("test", func(f Frame) error { return nil }, time.Second)
	c.Deliver(Frame{ID: 999, Result: json.RawMessage(`{}`)})
}

func TestSubscribeFanOut(t *testing.T) {
	c := New("test", func(f Frame) error { return nil }, time.Second)

	received := make(chan json.RawMessage, 1)
	c.Subscribe("Debugger.paused", func(params json.RawMessage) {
		received <- params
	})

	c.Deliver(Frame{Method: "Debugger.paused", Params: json.RawMessage(`{"reason":"breakpoint"}`)})

	select {
	case p := <-received:
		if string(p) != `{"reason":"breakpoint"}` {
			t.Fatalf("unexpected params: %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}

func TestCloseRejectsOutstandingAwaiters(t *testing.T) {
	c := New("test", func(f Frame) error { return nil }, time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "never.responds", nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	closeReason := errors.New("transport closed")
	c.Close(closeReason)

	select {
	case err := <-done:
		if !errors.Is(err, closeReason) {
			t.Fatalf("expected Send to be rejected with close reason, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send never returned after Close")
	}
}

func TestSendAfterCloseFailsImmediately(t *testing.T) {
	c := New("test", func(f Frame) error { return nil }, time.Second)
	c.Close(errors.New("shutdown"))

	_, err := c.Send(context.Background(), "any.method", nil)
	if err == nil {
		t.Fatal("expected Send after Close to fail")
	}
}
