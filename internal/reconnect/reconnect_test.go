package reconnect

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 3000}

	tests := []struct {
		attempt int
		wantMs  int
	}{
		{1, 1000},
		{2, 2000},
		{3, 3000}, // would be 4000, capped
		{4, 3000},
	}

	for _, tt := range tests {
		got := p.Delay(tt.attempt)
		if got != time.Duration(tt.wantMs)*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %dms", tt.attempt, got, tt.wantMs)
		}
	}
}

func TestManagerScheduleRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 10}

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	m := New("test-server", p, nil, nil)
	m.Schedule(func() error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("still failing")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestManagerExhaustedFiresAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 10}

	exhausted := make(chan struct{})
	m := New("test-server", p, nil, func() { close(exhausted) })

	m.Schedule(func() error { return errors.New("always fails") })

	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhaustion signal")
	}
}

func TestManagerResetRestartsAttemptCounter(t *testing.T) {
	p := Policy{MaxAttempts: 1, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 10}
	m := New("test-server", p, nil, nil)

	done := make(chan struct{})
	m.Schedule(func() error {
		close(done)
		return nil
	})
	<-done

	if !m.CanRetry() {
		t.Fatalf("expected CanRetry() to be true after Reset, attempt should have returned to 0")
	}
}

func TestManagerCancelDiscardsPendingTimerWithoutInvoking(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelayMs: 50, BackoffMultiplier: 1, MaxDelayMs: 50}
	m := New("test-server", p, nil, nil)

	invoked := false
	m.Schedule(func() error {
		invoked = true
		return nil
	})
	m.Cancel()

	time.Sleep(150 * time.Millisecond)
	if invoked {
		t.Fatalf("expected cancelled action never to run")
	}
}

func TestManagerAttemptCallbackReportsDelay(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialDelayMs: 10, BackoffMultiplier: 2, MaxDelayMs: 1000}

	var reported []time.Duration
	var mu sync.Mutex
	done := make(chan struct{})

	m := New("test-server", p, func(attempt int, delay time.Duration) {
		mu.Lock()
		reported = append(reported, delay)
		mu.Unlock()
	}, func() { close(done) })

	m.Schedule(func() error { return errors.New("fail") })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 {
		t.Fatalf("expected 2 attempt callbacks, got %d", len(reported))
	}
	if reported[0] != 10*time.Millisecond || reported[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays reported: %v", reported)
	}
}
