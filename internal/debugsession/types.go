// Package debugsession implements the Debug Session of spec §4.6: owns one
// spawned (or attached) Node inspector target, drives its CDP handshake and
// breakpoint lifecycle, and exposes the pause/resume state machine,
// inspection, and evaluation surface the Request Dispatcher's debugger
// operations are built on.
//
// The CDP domain vocabulary (StackFrame/Scope/Variable/PauseDetails) is
// grounded on spencerandtheteagues-apex-build-platform's
// internal/debugging/debugger.go, adapted from its gorm-backed DebugSession
// record into a process-local, mutex-guarded struct in the style of the
// teacher's internal/session/active.go ActiveSession (field groups guarded
// by their own mutex, a LastActivity timestamp, an explicit status getter).
package debugsession

import (
	"time"

	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/sourcemap"
)

// TargetKind selects how a Debug Session reaches its debuggee (spec §3
// DebugSessionConfig: "either Node entry file... or a pre-existing
// inspector WebSocket URL").
type TargetKind string

const (
	TargetLaunch TargetKind = "launch"
	TargetAttach TargetKind = "attach"
)

// LaunchTarget describes a runtime to spawn under --inspect-brk.
type LaunchTarget struct {
	Runtime string // defaults to "node"
	Entry   string
	Args    []string
	Env     map[string]string
	Cwd     string

	// Container, when set, launches the runtime inside a container instead
	// of as a bare subprocess of the funnel process, via the matching
	// container.Runtime backend.
	Container *config.ContainerTransport
}

// Config is the spec §3 DebugSessionConfig.
type Config struct {
	Kind         TargetKind
	Launch       *LaunchTarget
	InspectorURL string // TargetAttach only

	InitialBreakpoints   []BreakpointSpec
	ResumeAfterConfigure bool
	ScriptCacheCap       int // default 1000

	Timeout time.Duration // default 30s, spec §4.7 "config.timeout"
}

// BreakpointSpec is the spec §3 BreakpointSpec: exactly one of URL/ScriptID
// populated (enforced by validation.ValidateBreakpointLocation).
type BreakpointSpec struct {
	URL          string
	ScriptID     string
	LineNumber   int // 0-based
	ColumnNumber int
	Condition    string
}

// ResolvedLocation is one concrete location a BreakpointRecord resolved to.
type ResolvedLocation struct {
	ScriptID     string
	LineNumber   int
	ColumnNumber int
}

// BreakpointRecord is the spec §3 BreakpointRecord.
type BreakpointRecord struct {
	ID        string // CDP-assigned breakpointId
	Spec      BreakpointSpec
	Locations []ResolvedLocation // possibly empty while pending

	// Pending set only for fallback-registered (setBreakpointByUrl)
	// records awaiting a precise upgrade once their script parses.
	Pending           bool
	PendingUpgradeKey string
}

// ScriptMetadata is the spec §3 ScriptMetadata, evicted under an LRU cap.
type ScriptMetadata struct {
	ScriptID     string
	URL          string
	SourceMapURL string
	Consumer     *sourcemap.Consumer // nil until lazily loaded
	BaseName     string
	Dir          string
}

// PathSegment is the §9 Open Question's "union" scope-navigation path
// segment: either a bare property name or an array index, normalized to one
// representation (DESIGN.md's recorded decision).
type PathSegment struct {
	Name  string
	Index *int
}

// PauseReason discriminates why a session stopped (spec §4.6 inspection /
// §3 PauseDetails).
type PauseReason string

const (
	PauseBreakpoint        PauseReason = "breakpoint"
	PauseStep              PauseReason = "step"
	PauseException         PauseReason = "exception"
	PauseDebuggerStatement PauseReason = "debugger_statement"
	PauseOther             PauseReason = "other"
)

// Scope is one entry in a StackFrame's scope chain.
type Scope struct {
	Type     string // local, closure, global, with, catch, block, script
	Name     string
	ObjectID string // CDP remote object ID backing this scope's variables
}

// StackFrame is one frame of a latched call stack.
type StackFrame struct {
	CallFrameID  string
	FunctionName string
	URL          string
	RelativePath string // spec scenario 4: the original (pre-source-map) path, when known
	LineNumber   int
	ColumnNumber int
	ScopeChain   []Scope
}

// Variable is an enriched inspection result (spec §4.6 "Inspection").
type Variable struct {
	Name        string
	Value       string
	Type        string
	ObjectID    string
	HasChildren bool
	Children    []Variable
}

// PauseDetails is the spec §3 PauseDetails.
type PauseDetails struct {
	Reason           PauseReason
	CallFrames       []StackFrame
	HitBreakpointIDs []string
	Exception        *Variable
	AsyncParent      *PauseDetails
}

// StateKind is the discriminant of spec §3 SessionState.
type StateKind string

const (
	StateStarting         StateKind = "starting"
	StateAwaitingDebugger StateKind = "awaiting_debugger"
	StateRunning          StateKind = "running"
	StatePaused           StateKind = "paused"
	StateTransitioning    StateKind = "transitioning"
	StateTerminated       StateKind = "terminated"
)

// TransitionIntent is the `intent` field of a `transitioning` state.
type TransitionIntent string

const (
	IntentResume TransitionIntent = "resume"
	IntentPause  TransitionIntent = "pause"
)

// State is the spec §3 SessionState discriminated union, collapsed into one
// struct with only the fields relevant to Kind populated. The
// `transitioning` variant is mandatory (spec §9): command acknowledgments
// are not state changes, and collapsing transitioning into running/paused
// loses that distinction.
type State struct {
	Kind StateKind

	Pause *PauseDetails // non-nil iff Kind == StatePaused

	From   StateKind        // for Transitioning: StatePaused or StateRunning
	Intent TransitionIntent // for Transitioning

	ExitCode *int   // for Terminated
	Signal   string // for Terminated
	Reason   string // for Terminated, diagnostic text on Fatal (spec §7)
}

// CommandResult is the explicit `{commandAck, pause?}` form spec §9 commits
// to over the source's two competing DebuggerCommandResult shapes.
// Consumers must read Session.State() for authoritative status; this is an
// acknowledgment, not a state change.
type CommandResult struct {
	CommandAck bool
	Pause      *PauseDetails
}

// EvalResult is the structured result of Evaluate (spec §4.6 "Evaluation").
type EvalResult struct {
	Value string
	Type  string
	Error string
}
