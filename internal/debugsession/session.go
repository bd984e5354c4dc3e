package debugsession

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-funnel/funnel/internal/cdp"
	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/metrics"
	"github.com/mcp-funnel/funnel/internal/outputbuffer"
	"github.com/mcp-funnel/funnel/internal/sourcemap"
)

// breakpointPollInterval is how often the initial-connect sequence polls
// for user breakpoint resolution (spec §4.6 step 7: "poll briefly").
const breakpointPollInterval = 100 * time.Millisecond

// DefaultBreakpointPoll matches config.DebuggerDefaults.BreakpointPollMs.
const DefaultBreakpointPoll = 2 * time.Second

// DefaultSessionTimeout matches config.DebuggerDefaults.SessionTimeoutMs.
const DefaultSessionTimeout = 30 * time.Second

// Handlers are the Debug Session's observable events.
type Handlers struct {
	OnReady        func(instructions string)
	OnStateChange  func(State)
	OnScriptParsed func(ScriptMetadata)
}

// Session owns one debuggee: its spawned process (if any), its CDP client,
// its Output Buffer, and its breakpoint/script bookkeeping (spec §3
// Ownership).
type Session struct {
	id       string
	config   Config
	handlers Handlers

	client *cdp.Client
	mapper *sourcemap.Mapper
	output *outputbuffer.Buffer
	proc   *process // nil for attach targets

	breakpointPoll time.Duration

	mu             sync.RWMutex
	state          State
	lastActivity   time.Time
	latchedFrames  []StackFrame
	scripts        map[string]*ScriptMetadata // by scriptId
	scriptOrder    []string                   // LRU, most-recently-touched last
	scriptCacheCap int
	urlToScriptID  map[string]string
	breakpoints    map[string]*BreakpointRecord // by CDP breakpointId
	// pendingUpgrades maps a normalized key (exact URL, file:// form,
	// normalized path, base name — spec §9) to records awaiting a precise
	// upgrade once their script parses.
	pendingUpgrades map[string][]*BreakpointRecord
	internalBpIDs   []string

	pauseWaiters  []chan PauseDetails
	resumeWaiters []chan struct{}
}

// New constructs a Session with a fresh ID. It does not connect; call
// Connect to run the spec §4.6 lifecycle.
func New(cfg Config, mapper *sourcemap.Mapper, handlers Handlers) *Session {
	cap := cfg.ScriptCacheCap
	if cap <= 0 {
		cap = 1000
	}
	poll := DefaultBreakpointPoll

	id := uuid.NewString()
	s := &Session{
		id:              id,
		config:          cfg,
		handlers:        handlers,
		mapper:          mapper,
		output:          outputbuffer.New(id, 0),
		breakpointPoll:  poll,
		state:           State{Kind: StateStarting},
		lastActivity:    time.Now(),
		scripts:         make(map[string]*ScriptMetadata),
		urlToScriptID:   make(map[string]string),
		scriptCacheCap:  cap,
		breakpoints:     make(map[string]*BreakpointRecord),
		pendingUpgrades: make(map[string][]*BreakpointRecord),
	}
	return s
}

// ID returns the session's identifier (satisfies sessionmgr.Session).
func (s *Session) ID() string { return s.id }

// State returns the discriminant name of the current SessionState
// (satisfies sessionmgr.Session: "one of SessionState's discriminant
// names").
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.state.Kind)
}

// CurrentState returns the full State value, including pause/transition
// detail the sessionmgr.Session interface's State() string can't carry.
func (s *Session) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivityAt satisfies sessionmgr.Session.
func (s *Session) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// IsPaused satisfies sessionmgr.Session.
func (s *Session) IsPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Kind == StatePaused
}

// OutputBuffer exposes the session's Output Buffer for search_console_output.
func (s *Session) OutputBuffer() *outputbuffer.Buffer { return s.output }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(next)
	}
}

// Connect runs the spec §4.6 lifecycle: spawn-or-dial, handshake, internal
// breakpoint installation, the initial pause/resume dance, user breakpoint
// application, and a readiness event.
func (s *Session) Connect(ctx context.Context) error {
	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL, err := s.discoverInspectorURL(ctx)
	if err != nil {
		s.setState(State{Kind: StateTerminated, Reason: err.Error()})
		return funnelerr.Wrap(funnelerr.Fatal, s.id, "discovering inspector URL", err)
	}

	s.setState(State{Kind: StateAwaitingDebugger})

	s.client = cdp.New(s.id, cdp.Handlers{
		OnDisconnect: func(err error) { s.handleTransportLoss(err) },
	}, cdp.Options{RequestTimeout: 30 * time.Second, ConnectionTimeout: 10 * time.Second})

	s.client.On("Debugger.scriptParsed", s.onScriptParsed)
	s.client.On("Debugger.paused", s.onPaused)
	s.client.On("Debugger.resumed", func(json.RawMessage) { s.onResumed() })

	if err := s.client.Connect(wsURL); err != nil {
		s.setState(State{Kind: StateTerminated, Reason: err.Error()})
		return funnelerr.Wrap(funnelerr.Fatal, s.id, "connecting to inspector", err)
	}

	if err := s.client.Send(ctx, "Runtime.enable", nil, nil); err != nil {
		return funnelerr.Wrap(funnelerr.Transport, s.id, "Runtime.enable", err)
	}
	if err := s.client.Send(ctx, "Debugger.enable", nil, nil); err != nil {
		return funnelerr.Wrap(funnelerr.Transport, s.id, "Debugger.enable", err)
	}

	if err := s.installInternalBreakpoints(ctx); err != nil {
		logger.Warn("debug session %s: installing internal breakpoints: %v", s.id, err)
	}

	if err := s.client.Send(ctx, "Debugger.pause", nil, nil); err != nil {
		return funnelerr.Wrap(funnelerr.Transport, s.id, "Debugger.pause", err)
	}
	if err := s.client.Send(ctx, "Runtime.runIfWaitingForDebugger", nil, nil); err != nil {
		return funnelerr.Wrap(funnelerr.Transport, s.id, "Runtime.runIfWaitingForDebugger", err)
	}

	if err := s.waitForPauseEvent(ctx); err != nil {
		return funnelerr.Wrap(funnelerr.Fatal, s.id, "awaiting initial pause", err)
	}

	if err := s.resumeAndWait(ctx); err != nil {
		logger.Warn("debug session %s: resuming past the entry pause: %v", s.id, err)
	}

	resolvedAny := s.applyInitialBreakpoints(ctx)

	s.pollBreakpointResolution(ctx)
	s.clearInternalBreakpoints(ctx)

	if resolvedAny && s.config.ResumeAfterConfigure {
		if err := s.resumeAndWait(ctx); err != nil {
			logger.Warn("debug session %s: resuming to user pause: %v", s.id, err)
		}
	}

	metrics.RecordDebugSessionStart()
	instructions := fmt.Sprintf("session %s ready: use continue/step_over/step_into/step_out/pause, "+
		"get_stacktrace/get_scopes/get_variables to inspect, evaluate to run expressions, "+
		"set_breakpoint/remove_breakpoint to manage breakpoints.", s.id)
	if s.handlers.OnReady != nil {
		s.handlers.OnReady(instructions)
	}
	return nil
}

// discoverInspectorURL spawns the launch target (capturing its discovered
// ws:// URL from stderr) or returns the attach URL directly.
func (s *Session) discoverInspectorURL(ctx context.Context) (string, error) {
	if s.config.Kind == TargetAttach {
		if s.config.InspectorURL == "" {
			return "", fmt.Errorf("attach target requires an inspector URL")
		}
		return s.config.InspectorURL, nil
	}
	if s.config.Launch == nil {
		return "", fmt.Errorf("launch target requires a LaunchTarget")
	}
	proc, err := spawn(*s.config.Launch, s.output)
	if err != nil {
		return "", err
	}
	s.proc = proc
	return proc.waitForInspectorURL(ctx)
}

func (s *Session) handleTransportLoss(cause error) {
	s.mu.Lock()
	already := s.state.Kind == StateTerminated
	s.mu.Unlock()
	if already {
		return
	}
	logger.Warn("debug session %s: CDP transport lost: %v", s.id, cause)
	s.setState(State{Kind: StateTerminated, Reason: cause.Error()})
	metrics.RecordDebugSessionEnd()
}

// escapeRegex escapes JS regex metacharacters so a literal URL can be used
// as an exact-match urlRegex in Debugger.setBreakpointByUrl.
func escapeRegex(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`.*+?^${}()|[]\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
