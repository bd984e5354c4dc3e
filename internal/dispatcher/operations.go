package dispatcher

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-funnel/funnel/internal/audit"
	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/debugsession"
	"github.com/mcp-funnel/funnel/internal/outputbuffer"
	"github.com/mcp-funnel/funnel/internal/sessionmgr"
)

// registerDebuggerTools statically registers every debugger operation named
// at the dispatcher layer: start_session, continue, step_over|into|out,
// pause, continue_to_location, get_stacktrace, get_scopes, get_variables,
// evaluate, set_breakpoint, remove_breakpoint, list_sessions, stop_session,
// search_console_output, cleanup_sessions. Every input struct relies on the
// SDK's reflection-based schema inference from its jsonschema tags, the way
// the teacher's SessionMessageInput does — none need an explicit
// InputSchema override.
func (d *Dispatcher) registerDebuggerTools() {
	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "start_session",
		Description: "Launch or attach a Node debug target and run its connect sequence through the initial pause.",
	}, d.handleStartSession)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "continue",
		Description: "Resume a paused debug session.",
	}, d.handleContinue)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "step_over",
		Description: "Step over the current line of a paused debug session.",
	}, d.handleStepOver)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "step_into",
		Description: "Step into the call at the current line of a paused debug session.",
	}, d.handleStepInto)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "step_out",
		Description: "Step out of the current function of a paused debug session.",
	}, d.handleStepOut)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "pause",
		Description: "Pause a running debug session at its next statement.",
	}, d.handlePause)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "continue_to_location",
		Description: "Resume a paused debug session until it reaches a specific script location.",
	}, d.handleContinueToLocation)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "get_stacktrace",
		Description: "Return the latched call stack of a paused debug session.",
	}, d.handleGetStackTrace)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "get_scopes",
		Description: "Return the scope chain of one call frame of a paused debug session.",
	}, d.handleGetScopes)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "get_variables",
		Description: "Inspect variables reachable from a call frame's scope chain, optionally navigating a property/index path.",
	}, d.handleGetVariables)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "evaluate",
		Description: "Evaluate an expression in a debug session, against a paused call frame if one is latched.",
	}, d.handleEvaluate)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "set_breakpoint",
		Description: "Install a breakpoint by URL or script ID and line/column in a debug session.",
	}, d.handleSetBreakpoint)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "remove_breakpoint",
		Description: "Remove a previously installed breakpoint from a debug session.",
	}, d.handleRemoveBreakpoint)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List every indexed debug session's lifecycle metadata.",
	}, d.handleListSessions)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "stop_session",
		Description: "Terminate a debug session and its spawned process, if any.",
	}, d.handleStopSession)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "search_console_output",
		Description: "Search a debug session's Output Buffer for stdio/console/exception entries since a cursor.",
	}, d.handleSearchConsoleOutput)

	mcp.AddTool(d.server, &mcp.Tool{
		Name:        "cleanup_sessions",
		Description: "Manually sweep idle (or, with force, every) debug session.",
	}, d.handleCleanupSessions)
}

// --- start_session ---

type BreakpointSpecInput struct {
	URL          string `json:"url,omitempty" jsonschema:"source URL to match, mutually exclusive with scriptId"`
	ScriptID     string `json:"scriptId,omitempty" jsonschema:"CDP script ID to match, mutually exclusive with url"`
	LineNumber   int    `json:"lineNumber" jsonschema:"0-based line number"`
	ColumnNumber int    `json:"columnNumber,omitempty" jsonschema:"0-based column number"`
	Condition    string `json:"condition,omitempty" jsonschema:"optional JS conditional expression"`
}

func (b BreakpointSpecInput) toSpec() debugsession.BreakpointSpec {
	return debugsession.BreakpointSpec{
		URL:          b.URL,
		ScriptID:     b.ScriptID,
		LineNumber:   b.LineNumber,
		ColumnNumber: b.ColumnNumber,
		Condition:    b.Condition,
	}
}

type StartSessionInput struct {
	Kind                 string                `json:"kind,omitempty" jsonschema:"launch or attach; defaults to launch"`
	Runtime              string                `json:"runtime,omitempty" jsonschema:"runtime binary for a launch target; defaults to node"`
	Entry                string                `json:"entry,omitempty" jsonschema:"entry script path for a launch target"`
	Args                 []string              `json:"args,omitempty"`
	Env                  map[string]string     `json:"env,omitempty"`
	Cwd                  string                `json:"cwd,omitempty"`
	InspectorURL         string                `json:"inspectorUrl,omitempty" jsonschema:"ws:// inspector URL for an attach target"`
	InitialBreakpoints   []BreakpointSpecInput `json:"initialBreakpoints,omitempty"`
	ResumeAfterConfigure bool                  `json:"resumeAfterConfigure,omitempty"`
	TimeoutMs            int                   `json:"timeoutMs,omitempty" jsonschema:"connect sequence deadline in milliseconds; defaults to 30000"`
	ContainerImage       string                `json:"containerImage,omitempty" jsonschema:"when set, launch a target runs inside this container image instead of as a bare subprocess"`
	ContainerBackend     string                `json:"containerBackend,omitempty" jsonschema:"docker or applecontainer; defaults to docker"`
}

type StartSessionOutput struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

func (d *Dispatcher) handleStartSession(ctx context.Context, req *mcp.CallToolRequest, input StartSessionInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded("start_session", func() (StartSessionOutput, error) {
		cfg := debugsession.Config{
			Kind:                 debugsession.TargetKind(input.Kind),
			InspectorURL:         input.InspectorURL,
			ResumeAfterConfigure: input.ResumeAfterConfigure,
			Timeout:              durationMs(input.TimeoutMs, debugsession.DefaultSessionTimeout),
			ScriptCacheCap:       d.debugger.ScriptCacheCap,
		}
		if cfg.Kind == "" {
			cfg.Kind = debugsession.TargetLaunch
		}
		if cfg.Kind == debugsession.TargetLaunch {
			cfg.Launch = &debugsession.LaunchTarget{
				Runtime: input.Runtime,
				Entry:   input.Entry,
				Args:    input.Args,
				Env:     input.Env,
				Cwd:     input.Cwd,
			}
			if input.ContainerImage != "" {
				backend := config.ContainerBackend(input.ContainerBackend)
				if backend == "" {
					backend = config.ContainerBackendDocker
				}
				cfg.Launch.Container = &config.ContainerTransport{
					Backend: backend,
					Image:   input.ContainerImage,
				}
			}
		}
		for _, bp := range input.InitialBreakpoints {
			cfg.InitialBreakpoints = append(cfg.InitialBreakpoints, bp.toSpec())
		}

		sess, err := d.sessions.CreateSession(ctx, cfg)
		if err != nil {
			d.audit.LogFailure(audit.OpDebugSessionStart, "", "", err)
			return StartSessionOutput{}, err
		}
		d.audit.LogSuccess(audit.OpDebugSessionStart, "", sess.ID())
		return StartSessionOutput{SessionID: sess.ID(), State: sess.State()}, nil
	})
	return nil, out, err
}

// --- command operations (continue/step/pause/continue_to_location) ---

type SessionIDInput struct {
	SessionID string `json:"sessionId" jsonschema:"debug session ID"`
}

type CommandOutput struct {
	CommandAck bool   `json:"commandAck"`
	State      string `json:"state"`
}

func (d *Dispatcher) runCommand(sessionID string, op audit.Operation, cmd func(*debugsession.Session) (debugsession.CommandResult, error)) (CommandOutput, error) {
	return guarded(sessionID, func() (CommandOutput, error) {
		sess, err := d.session(sessionID)
		if err != nil {
			return CommandOutput{}, err
		}
		result, err := cmd(sess)
		if err != nil {
			d.audit.LogFailure(op, "", sessionID, err)
			return CommandOutput{}, err
		}
		d.audit.LogSuccess(op, "", sessionID)
		return CommandOutput{CommandAck: result.CommandAck, State: sess.State()}, nil
	})
}

func (d *Dispatcher) handleContinue(ctx context.Context, req *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, any, error) {
	out, err := d.runCommand(input.SessionID, audit.OpDebugSessionResume, func(s *debugsession.Session) (debugsession.CommandResult, error) {
		return s.Continue(ctx)
	})
	return nil, out, err
}

func (d *Dispatcher) handleStepOver(ctx context.Context, req *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, any, error) {
	out, err := d.runCommand(input.SessionID, audit.OpDebugSessionResume, func(s *debugsession.Session) (debugsession.CommandResult, error) {
		return s.StepOver(ctx)
	})
	return nil, out, err
}

func (d *Dispatcher) handleStepInto(ctx context.Context, req *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, any, error) {
	out, err := d.runCommand(input.SessionID, audit.OpDebugSessionResume, func(s *debugsession.Session) (debugsession.CommandResult, error) {
		return s.StepInto(ctx)
	})
	return nil, out, err
}

func (d *Dispatcher) handleStepOut(ctx context.Context, req *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, any, error) {
	out, err := d.runCommand(input.SessionID, audit.OpDebugSessionResume, func(s *debugsession.Session) (debugsession.CommandResult, error) {
		return s.StepOut(ctx)
	})
	return nil, out, err
}

func (d *Dispatcher) handlePause(ctx context.Context, req *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, any, error) {
	out, err := d.runCommand(input.SessionID, audit.OpDebugSessionPause, func(s *debugsession.Session) (debugsession.CommandResult, error) {
		return s.Pause(ctx)
	})
	return nil, out, err
}

type ContinueToLocationInput struct {
	SessionID    string `json:"sessionId" jsonschema:"debug session ID"`
	ScriptID     string `json:"scriptId" jsonschema:"CDP script ID of the target location"`
	LineNumber   int    `json:"lineNumber" jsonschema:"0-based line number"`
	ColumnNumber int    `json:"columnNumber,omitempty" jsonschema:"0-based column number"`
}

func (d *Dispatcher) handleContinueToLocation(ctx context.Context, req *mcp.CallToolRequest, input ContinueToLocationInput) (*mcp.CallToolResult, any, error) {
	out, err := d.runCommand(input.SessionID, audit.OpDebugSessionResume, func(s *debugsession.Session) (debugsession.CommandResult, error) {
		return s.ContinueToLocation(ctx, input.ScriptID, input.LineNumber, input.ColumnNumber)
	})
	return nil, out, err
}

// --- inspection ---

type GetStackTraceOutput struct {
	Frames []debugsession.StackFrame `json:"frames"`
}

func (d *Dispatcher) handleGetStackTrace(ctx context.Context, req *mcp.CallToolRequest, input SessionIDInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (GetStackTraceOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return GetStackTraceOutput{}, err
		}
		frames, err := sess.GetStackTrace()
		if err != nil {
			return GetStackTraceOutput{}, err
		}
		return GetStackTraceOutput{Frames: frames}, nil
	})
	return nil, out, err
}

type GetScopesInput struct {
	SessionID     string `json:"sessionId" jsonschema:"debug session ID"`
	FrameIndex    int    `json:"frameIndex,omitempty" jsonschema:"0-based index into the latched call stack"`
	IncludeGlobal bool   `json:"includeGlobal,omitempty" jsonschema:"include the global scope, normally filtered out"`
}

type GetScopesOutput struct {
	Scopes []debugsession.Scope `json:"scopes"`
}

func (d *Dispatcher) handleGetScopes(ctx context.Context, req *mcp.CallToolRequest, input GetScopesInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (GetScopesOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return GetScopesOutput{}, err
		}
		scopes, err := sess.GetScopes(input.FrameIndex, input.IncludeGlobal)
		if err != nil {
			return GetScopesOutput{}, err
		}
		return GetScopesOutput{Scopes: scopes}, nil
	})
	return nil, out, err
}

type PathSegmentInput struct {
	Name  string `json:"name,omitempty" jsonschema:"a bare property name"`
	Index *int   `json:"index,omitempty" jsonschema:"an array index, mutually exclusive with name"`
}

type GetVariablesInput struct {
	SessionID  string             `json:"sessionId" jsonschema:"debug session ID"`
	FrameIndex int                `json:"frameIndex,omitempty" jsonschema:"0-based index into the latched call stack"`
	Path       []PathSegmentInput `json:"path,omitempty" jsonschema:"dot-notation navigation path from the frame's first scope"`
	MaxDepth   int                `json:"maxDepth,omitempty" jsonschema:"expansion depth cap; defaults to 3"`
}

type GetVariablesOutput struct {
	Variables []debugsession.Variable `json:"variables"`
}

func (d *Dispatcher) handleGetVariables(ctx context.Context, req *mcp.CallToolRequest, input GetVariablesInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (GetVariablesOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return GetVariablesOutput{}, err
		}
		path := make([]debugsession.PathSegment, 0, len(input.Path))
		for _, p := range input.Path {
			path = append(path, debugsession.PathSegment{Name: p.Name, Index: p.Index})
		}
		maxDepth := input.MaxDepth
		if maxDepth <= 0 {
			maxDepth = 3
		}
		vars, err := sess.GetVariables(ctx, input.FrameIndex, path, maxDepth)
		if err != nil {
			return GetVariablesOutput{}, err
		}
		return GetVariablesOutput{Variables: vars}, nil
	})
	return nil, out, err
}

type EvaluateInput struct {
	SessionID  string `json:"sessionId" jsonschema:"debug session ID"`
	Expression string `json:"expression" jsonschema:"JavaScript expression to evaluate"`
	FrameIndex int    `json:"frameIndex,omitempty" jsonschema:"0-based call frame to evaluate against, if paused"`
}

func (d *Dispatcher) handleEvaluate(ctx context.Context, req *mcp.CallToolRequest, input EvaluateInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (debugsession.EvalResult, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return debugsession.EvalResult{}, err
		}
		return sess.Evaluate(ctx, input.Expression, input.FrameIndex)
	})
	return nil, out, err
}

// --- breakpoints ---

type SetBreakpointInput struct {
	SessionID string `json:"sessionId" jsonschema:"debug session ID"`
	BreakpointSpecInput
}

type SetBreakpointOutput struct {
	BreakpointID string                          `json:"breakpointId"`
	Locations    []debugsession.ResolvedLocation `json:"locations,omitempty"`
	Pending      bool                            `json:"pending"`
}

func (d *Dispatcher) handleSetBreakpoint(ctx context.Context, req *mcp.CallToolRequest, input SetBreakpointInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (SetBreakpointOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return SetBreakpointOutput{}, err
		}
		rec, err := sess.SetBreakpoint(ctx, input.BreakpointSpecInput.toSpec())
		if err != nil {
			return SetBreakpointOutput{}, err
		}
		return SetBreakpointOutput{BreakpointID: rec.ID, Locations: rec.Locations, Pending: rec.Pending}, nil
	})
	return nil, out, err
}

type RemoveBreakpointInput struct {
	SessionID    string `json:"sessionId" jsonschema:"debug session ID"`
	BreakpointID string `json:"breakpointId" jsonschema:"CDP breakpoint ID returned by set_breakpoint"`
}

type RemoveBreakpointOutput struct {
	Removed bool `json:"removed"`
}

func (d *Dispatcher) handleRemoveBreakpoint(ctx context.Context, req *mcp.CallToolRequest, input RemoveBreakpointInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (RemoveBreakpointOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return RemoveBreakpointOutput{}, err
		}
		if err := sess.RemoveBreakpoint(ctx, input.BreakpointID); err != nil {
			return RemoveBreakpointOutput{}, err
		}
		return RemoveBreakpointOutput{Removed: true}, nil
	})
	return nil, out, err
}

// --- session lifecycle / housekeeping ---

type ListSessionsInput struct{}

type ListSessionsOutput struct {
	Sessions []sessionmgr.SessionSummary `json:"sessions"`
}

func (d *Dispatcher) handleListSessions(ctx context.Context, req *mcp.CallToolRequest, input ListSessionsInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded("list_sessions", func() (ListSessionsOutput, error) {
		return ListSessionsOutput{Sessions: d.sessions.ListSessions()}, nil
	})
	return nil, out, err
}

type StopSessionInput struct {
	SessionID string `json:"sessionId" jsonschema:"debug session ID"`
	Reason    string `json:"reason,omitempty" jsonschema:"diagnostic reason recorded on the terminated state"`
}

type StopSessionOutput struct {
	Stopped bool `json:"stopped"`
}

func (d *Dispatcher) handleStopSession(ctx context.Context, req *mcp.CallToolRequest, input StopSessionInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (StopSessionOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return StopSessionOutput{}, err
		}
		reason := input.Reason
		if reason == "" {
			reason = "stopped by stop_session"
		}
		if err := sess.Terminate(ctx, reason); err != nil {
			d.audit.LogFailure(audit.OpDebugSessionTerminate, "", input.SessionID, err)
			return StopSessionOutput{}, err
		}
		d.audit.LogSuccess(audit.OpDebugSessionTerminate, "", input.SessionID)
		return StopSessionOutput{Stopped: true}, nil
	})
	return nil, out, err
}

type SearchConsoleOutputInput struct {
	SessionID  string `json:"sessionId" jsonschema:"debug session ID"`
	SinceIndex int64  `json:"sinceIndex,omitempty" jsonschema:"only return entries with a cursor index greater than this"`
	Kind       string `json:"kind,omitempty" jsonschema:"stdio, console, or exception; empty matches all kinds"`
	Query      string `json:"query,omitempty" jsonschema:"case-sensitive substring to match against entry text; empty matches all"`
}

type SearchConsoleOutputOutput struct {
	Entries []outputbuffer.Entry `json:"entries"`
}

func (d *Dispatcher) handleSearchConsoleOutput(ctx context.Context, req *mcp.CallToolRequest, input SearchConsoleOutputInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded(input.SessionID, func() (SearchConsoleOutputOutput, error) {
		sess, err := d.session(input.SessionID)
		if err != nil {
			return SearchConsoleOutputOutput{}, err
		}
		entries := sess.OutputBuffer().After(input.SinceIndex)
		var matchText func(string) bool
		if input.Query != "" {
			matchText = func(text string) bool { return strings.Contains(text, input.Query) }
		}
		entries = outputbuffer.Filter(entries, outputbuffer.EntryKind(input.Kind), matchText)
		return SearchConsoleOutputOutput{Entries: entries}, nil
	})
	return nil, out, err
}

type CleanupSessionsInput struct {
	Force  bool `json:"force,omitempty" jsonschema:"evict every session regardless of idle threshold"`
	DryRun bool `json:"dryRun,omitempty" jsonschema:"report what would be evicted without disconnecting"`
}

func (d *Dispatcher) handleCleanupSessions(ctx context.Context, req *mcp.CallToolRequest, input CleanupSessionsInput) (*mcp.CallToolResult, any, error) {
	out, err := guarded("cleanup_sessions", func() (sessionmgr.CleanupResult, error) {
		return d.sessions.CleanupSessions(sessionmgr.CleanupOptions{Force: input.Force, DryRun: input.DryRun}), nil
	})
	return nil, out, err
}
