// Package config loads the funnel configuration document described in
// spec.md §6: child server specs, tool visibility pattern lists,
// reconnection policy, and debugger session defaults.
package config

// TransportKind selects how a child server (or a debuggee runtime) is
// reached. Default is Stdio; Remote and Container are explicit overrides
// per spec §3 ("optional transport override; stdio by default").
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
	TransportContainer TransportKind = "container"
)

// ContainerBackend selects which container.Runtime implementation launches
// a containerized child server or debuggee (SPEC_FULL.md §11).
type ContainerBackend string

const (
	ContainerBackendDocker         ContainerBackend = "docker"
	ContainerBackendAppleContainer ContainerBackend = "applecontainer"
)

// ContainerTransport configures TransportContainer.
type ContainerTransport struct {
	Backend ContainerBackend `json:"backend,omitempty"`
	Image   string           `json:"image,omitempty"`
}

// RemoteTransport configures TransportSSE/TransportWebSocket.
type RemoteTransport struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// ServerTransport is the optional transport override on a ServerSpec.
type ServerTransport struct {
	Kind      TransportKind       `json:"kind,omitempty"`
	Remote    *RemoteTransport    `json:"remote,omitempty"`
	Container *ContainerTransport `json:"container,omitempty"`
}

// ServerSpec is the immutable descriptor of a child server (spec §3). It is
// loaded once at startup and never mutated; Target Server Connection reads
// it but the Proxy Core owns its lifetime.
type ServerSpec struct {
	Name      string            `json:"name"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Transport *ServerTransport  `json:"transport,omitempty"`
}

// ReconnectPolicy configures the Reconnection Manager (spec §4.1, §4.8).
type ReconnectPolicy struct {
	Enabled           bool    `json:"enabled"`
	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMs    int     `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxDelayMs        int     `json:"maxDelayMs"`
}

// DefaultReconnectPolicy mirrors spec §4.8's stated defaults: max 10
// attempts, 1s initial delay, x2 backoff, 60s cap.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:           true,
		MaxAttempts:       10,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2.0,
		MaxDelayMs:        60_000,
	}
}

// RegistryEndpoint is a discovery endpoint consumed by an external
// collaborator (spec §6: "registries... consumed by an external
// collaborator, not by the core"). The core only carries the config
// through; it never dials these itself.
type RegistryEndpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DebuggerDefaults configures Debug Session / Session Manager defaults
// (spec §4.6, §4.7).
type DebuggerDefaults struct {
	SessionTimeoutMs   int    `json:"sessionTimeoutMs"`
	IdleTimeoutMs      int    `json:"idleTimeoutMs"`
	ScriptCacheCap     int    `json:"scriptCacheCap"`
	BreakpointPollMs   int    `json:"breakpointPollMs"`
	SourceMapMaxBytes  int    `json:"sourceMapMaxBytes"`
	SourceMapTimeoutMs int    `json:"sourceMapTimeoutMs"`
	HousekeepingCron   string `json:"housekeepingCron"`
}

// DefaultDebuggerDefaults matches the defaults called out across spec §3,
// §4.5, §4.6, §4.7.
func DefaultDebuggerDefaults() DebuggerDefaults {
	return DebuggerDefaults{
		SessionTimeoutMs:   30_000,
		IdleTimeoutMs:      30 * 60 * 1000,
		ScriptCacheCap:     1000,
		BreakpointPollMs:   2000,
		SourceMapMaxBytes:  10 * 1024 * 1024,
		SourceMapTimeoutMs: 10_000,
		HousekeepingCron:   "@every 5m",
	}
}

// Document is the single configuration document of spec §6.
type Document struct {
	Servers            []ServerSpec       `json:"servers"`
	ExposeTools        []string           `json:"exposeTools,omitempty"`
	HideTools          []string           `json:"hideTools,omitempty"`
	AlwaysVisibleTools []string           `json:"alwaysVisibleTools,omitempty"`
	ExposeCoreTools    bool               `json:"exposeCoreTools"`
	AutoReconnect      ReconnectPolicy    `json:"autoReconnect"`
	Registries         []RegistryEndpoint `json:"registries,omitempty"`
	Debugger           DebuggerDefaults   `json:"debugger"`
}

// Defaults returns the compiled-in configuration defaults, the base layer
// of the precedence chain described in spec §6 and SPEC_FULL.md §10.3.
func Defaults() *Document {
	return &Document{
		Servers:         nil,
		ExposeCoreTools: true,
		AutoReconnect:   DefaultReconnectPolicy(),
		Debugger:        DefaultDebuggerDefaults(),
	}
}
