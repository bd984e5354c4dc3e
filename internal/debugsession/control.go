package debugsession

import (
	"context"
	"encoding/json"

	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/metrics"
)

// onPaused handles a `Debugger.paused` event: the sole authoritative
// pause signal (spec §5 "Ordering guarantees"). It latches the call stack,
// transitions to Paused, and wakes any waiter blocked in waitForPauseEvent.
func (s *Session) onPaused(params json.RawMessage) {
	var p cdpPausedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	details := PauseDetails{
		Reason:           mapPauseReason(p.Reason),
		HitBreakpointIDs: p.HitBreakpoints,
		CallFrames:       s.convertCallFrames(p.CallFrames),
	}
	if p.Data != nil {
		details.Exception = &Variable{Type: p.Data.Type, Value: renderPrimitive(p.Data)}
	}

	s.mu.Lock()
	s.latchedFrames = details.CallFrames
	waiters := s.pauseWaiters
	s.pauseWaiters = nil
	s.mu.Unlock()

	s.setState(State{Kind: StatePaused, Pause: &details})
	s.touch()

	for _, ch := range waiters {
		ch <- details
		close(ch)
	}
}

// onResumed handles `Debugger.resumed`: the sole authoritative run signal.
func (s *Session) onResumed() {
	s.mu.Lock()
	s.latchedFrames = nil
	waiters := s.resumeWaiters
	s.resumeWaiters = nil
	s.mu.Unlock()

	s.setState(State{Kind: StateRunning})
	s.touch()

	for _, ch := range waiters {
		close(ch)
	}
}

func mapPauseReason(reason string) PauseReason {
	switch reason {
	case "breakpoint", "Breakpoint", "instrumentation":
		return PauseBreakpoint
	case "exception", "promiseRejection":
		return PauseException
	case "debugCommand", "step":
		return PauseStep
	case "debuggerStatement":
		return PauseDebuggerStatement
	default:
		return PauseOther
	}
}

// waitForPauseEvent blocks until the next Debugger.paused event.
func (s *Session) waitForPauseEvent(ctx context.Context) error {
	ch := make(chan PauseDetails, 1)
	s.mu.Lock()
	s.pauseWaiters = append(s.pauseWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForResumeEvent blocks until the next Debugger.resumed event.
func (s *Session) waitForResumeEvent(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.resumeWaiters = append(s.resumeWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resumeAndWait issues Debugger.resume and waits for the matching
// Debugger.resumed event, per spec §4.6 step 5/7's resume-then-wait shape.
func (s *Session) resumeAndWait(ctx context.Context) error {
	if err := s.client.Send(ctx, "Debugger.resume", nil, nil); err != nil {
		return err
	}
	return s.waitForResumeEvent(ctx)
}

// command runs one outbound control command: transitions to transitioning,
// issues the CDP call, and returns a CommandResult acknowledging only that
// CDP accepted it (spec §4.6 "Pause/resume state machine": "An
// acknowledgment must not be confused with the effect").
func (s *Session) command(ctx context.Context, method string, params any, intent TransitionIntent) (CommandResult, error) {
	current := s.CurrentState()
	if current.Kind == StateTerminated {
		return CommandResult{}, funnelerr.New(funnelerr.StateViolation, s.id, "session is terminated")
	}

	from := current.Kind
	s.setState(State{Kind: StateTransitioning, From: from, Intent: intent})

	if err := s.client.Send(ctx, method, params, nil); err != nil {
		// Revert: the command never reached the runtime, so the prior
		// state still holds.
		s.setState(current)
		return CommandResult{}, funnelerr.Wrap(funnelerr.Transport, s.id, method, err)
	}

	return CommandResult{CommandAck: true}, nil
}

// Continue resumes execution (spec §4.6 "continue").
func (s *Session) Continue(ctx context.Context) (CommandResult, error) {
	return s.command(ctx, "Debugger.resume", nil, IntentResume)
}

// StepOver steps over the current line.
func (s *Session) StepOver(ctx context.Context) (CommandResult, error) {
	return s.command(ctx, "Debugger.stepOver", nil, IntentResume)
}

// StepInto steps into the next call.
func (s *Session) StepInto(ctx context.Context) (CommandResult, error) {
	return s.command(ctx, "Debugger.stepInto", nil, IntentResume)
}

// StepOut steps out of the current function.
func (s *Session) StepOut(ctx context.Context) (CommandResult, error) {
	return s.command(ctx, "Debugger.stepOut", nil, IntentResume)
}

// Pause requests an immediate pause at the next statement.
func (s *Session) Pause(ctx context.Context) (CommandResult, error) {
	return s.command(ctx, "Debugger.pause", nil, IntentPause)
}

// ContinueToLocation resumes execution until scriptID:line:column.
func (s *Session) ContinueToLocation(ctx context.Context, scriptID string, line, column int) (CommandResult, error) {
	return s.command(ctx, "Debugger.continueToLocation", cdpContinueToLocationParams{
		Location: cdpLocation{ScriptID: scriptID, LineNumber: line, ColumnNumber: column},
	}, IntentResume)
}

// Terminate implements spec §4.6 "Termination": cancels any pending wait,
// removes handlers, closes the CDP client, kills the child process if
// owned, and transitions to terminated.
func (s *Session) Terminate(ctx context.Context, reason string) error {
	current := s.CurrentState()
	if current.Kind == StateTerminated {
		return nil
	}

	if s.client != nil {
		_ = s.client.Disconnect()
	}

	var exitCode *int
	var signal string
	if s.proc != nil {
		code, sig := s.proc.terminate(ctx)
		exitCode, signal = code, sig
	}

	s.mu.Lock()
	s.pauseWaiters, s.resumeWaiters = nil, nil
	s.mu.Unlock()

	s.setState(State{Kind: StateTerminated, ExitCode: exitCode, Signal: signal, Reason: reason})
	metrics.RecordDebugSessionEnd()
	return nil
}

// Disconnect satisfies sessionmgr.Session: a manual, non-diagnostic
// termination.
func (s *Session) Disconnect() error {
	return s.Terminate(context.Background(), "disconnected")
}
