// Package reconnect implements the Reconnection Manager of spec §4.1: a
// cancellable, capped exponential backoff scheduler shared by the Target
// Server Connection and the WebSocket Transport.
package reconnect

import (
	"sync"
	"time"

	"github.com/mcp-funnel/funnel/internal/logger"
)

// Policy carries the four backoff parameters from spec §4.1.
type Policy struct {
	MaxAttempts       int
	InitialDelayMs    int
	BackoffMultiplier float64
	MaxDelayMs        int
}

// Delay returns the delay before attempt k (1-based), per spec §4.1:
// min(initialDelayMs × backoffMultiplier^(k−1), maxDelayMs).
func (p Policy) Delay(k int) time.Duration {
	delay := float64(p.InitialDelayMs)
	for i := 1; i < k; i++ {
		delay *= p.BackoffMultiplier
	}
	cap := float64(p.MaxDelayMs)
	if delay > cap {
		delay = cap
	}
	return time.Duration(delay) * time.Millisecond
}

// Action is the work a Manager retries; returning a non-nil error schedules
// the next attempt (subject to canRetry), a nil error resets the attempt
// counter.
type Action func() error

// ExhaustedFunc is invoked once, after the final failed attempt, when
// canRetry() would return false for the next one.
type ExhaustedFunc func()

// AttemptFunc is invoked before each scheduled attempt fires, reporting the
// attempt number and the delay that was waited — this is the
// "reconnecting(attempt, nextDelayMs)" event of spec §4.10/§8 scenario 3.
type AttemptFunc func(attempt int, delay time.Duration)

// Manager schedules retry attempts with capped exponential backoff. Safe
// for concurrent use; only one pending timer is ever armed, matching spec
// §4.1's "re-arming before firing replaces the pending timer."
type Manager struct {
	policy    Policy
	name      string
	onAttempt AttemptFunc
	onExhaust ExhaustedFunc

	mu      sync.Mutex
	timer   *time.Timer
	attempt int
	closed  bool
}

// New constructs a Manager for the named subject (server name or session
// ID — used only for log lines).
func New(name string, policy Policy, onAttempt AttemptFunc, onExhaust ExhaustedFunc) *Manager {
	return &Manager{name: name, policy: policy, onAttempt: onAttempt, onExhaust: onExhaust}
}

// CanRetry reports whether another attempt is permitted under MaxAttempts.
// A MaxAttempts of 0 means unlimited.
func (m *Manager) CanRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canRetryLocked()
}

func (m *Manager) canRetryLocked() bool {
	if m.policy.MaxAttempts <= 0 {
		return true
	}
	return m.attempt < m.policy.MaxAttempts
}

// Reset clears the attempt counter, so the next Schedule begins from
// attempt 1 (spec §8 invariant: "after success, subsequent schedule begins
// from attempt 1").
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
}

// Cancel discards any pending timer without invoking the action.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Manager) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Close cancels any pending timer and marks the manager closed; further
// Schedule calls are no-ops. Used when a targetconn.Connection or
// wsconn.Transport is closed; a manual disconnectServer uses Cancel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.closed = true
}

// Schedule arms a one-shot timer that invokes do after the backoff delay
// for the next attempt. If do returns an error, Schedule re-arms itself for
// the following attempt until CanRetry() returns false, at which point
// onExhaust fires once. If do succeeds, Reset is called.
func (m *Manager) Schedule(do Action) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.canRetryLocked() {
		m.mu.Unlock()
		if m.onExhaust != nil {
			m.onExhaust()
		}
		return
	}
	m.cancelLocked()
	m.attempt++
	attempt := m.attempt
	delay := m.policy.Delay(attempt)
	m.timer = time.AfterFunc(delay, func() { m.fire(attempt, delay, do) })
	m.mu.Unlock()
}

// fire is invoked by the timer once delay has elapsed: it is the moment
// spec §8 scenario 3's "reconnecting(attempt, nextDelayMs)" event reports,
// not the moment Schedule was called.
func (m *Manager) fire(attempt int, delay time.Duration, do Action) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if m.onAttempt != nil {
		m.onAttempt(attempt, delay)
	}

	if err := do(); err != nil {
		logger.Warn("reconnect attempt %d for %s failed: %v", attempt, m.name, err)
		m.Schedule(do)
		return
	}
	m.Reset()
}
