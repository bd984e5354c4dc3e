// Package dispatcher implements the Request Dispatcher: it binds the
// upstream MCP server, translates tools/list and tools/call onto the Proxy
// Core, and registers the debugger operations onto the Session Manager and
// Debug Session. Every handler returns a structured result or error; panics
// are recovered and converted to a Fatal error rather than crossing the
// upstream channel.
//
// Adapted from the teacher's internal/mcp/server.go + handlers_*.go: one
// handler function per method, re-pointed at proxycore/sessionmgr instead of
// project/container state. Dynamic proxy-tool registration follows the
// teacher's cmd/oubliette-client pattern of calling mcp.AddTool at runtime
// as new tools are discovered, wrapped in a recover()-guarded closure since
// the SDK panics on malformed registrations rather than returning an error.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-funnel/funnel/internal/audit"
	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/debugsession"
	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/proxycore"
	"github.com/mcp-funnel/funnel/internal/sessionmgr"
	"github.com/mcp-funnel/funnel/internal/toolregistry"
)

// Dispatcher owns the upstream mcp.Server and bridges it to the Proxy Core
// and Session Manager.
type Dispatcher struct {
	server   *mcp.Server
	core     *proxycore.Core
	sessions *sessionmgr.Manager
	debugger config.DebuggerDefaults
	audit    *audit.Logger

	mu              sync.Mutex
	registeredTools map[string]bool
}

// New constructs a Dispatcher and statically registers the debugger
// operations. Call WatchProxy to keep discovered child-server tools synced,
// and Run to serve the bound transport.
func New(core *proxycore.Core, sessions *sessionmgr.Manager, debugger config.DebuggerDefaults, auditLogger *audit.Logger) *Dispatcher {
	if auditLogger == nil {
		auditLogger = audit.Default()
	}
	d := &Dispatcher{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "funnel",
			Version: "0.1.0",
		}, &mcp.ServerOptions{HasTools: true}),
		core:            core,
		sessions:        sessions,
		debugger:        debugger,
		audit:           auditLogger,
		registeredTools: make(map[string]bool),
	}
	d.registerDebuggerTools()
	return d
}

// Run serves the upstream channel over transport until it closes or ctx is
// cancelled. Used for stdio-bound serving (cmd/funnel --stdio) and by
// cmd/funnel-debugctl's own tool surface, if it ever grows one.
func (d *Dispatcher) Run(ctx context.Context, transport mcp.Transport) error {
	return d.server.Run(ctx, transport)
}

// Server returns the bound upstream mcp.Server, for wrapping in
// mcp.NewStreamableHTTPHandler the way the teacher's internal/mcp/server.go
// Serve does.
func (d *Dispatcher) Server() *mcp.Server {
	return d.server
}

// WatchProxy syncs newly discovered child-server tools onto the upstream
// server as the Proxy Core's event stream reports server-state changes, and
// once immediately on entry. It returns when ctx is cancelled or the event
// stream closes.
func (d *Dispatcher) WatchProxy(ctx context.Context) {
	d.syncProxyTools()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.core.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case proxycore.EventServerConnected, proxycore.EventServerReconnecting, proxycore.EventToolsChanged:
				d.syncProxyTools()
			}
		}
	}
}

// syncProxyTools registers every currently-visible server-owned tool that
// hasn't been added to the upstream server yet. There is no corresponding
// removal: the corpus exposes no tool-unregistration API on mcp.Server, so
// a tool that disappears (server disconnected, tool set shrank) stays
// listed but its calls fail with a structured target_not_found/transport
// error from proxycore.Core.CallTool until the server reconnects and the
// name resolves again — recorded as an accepted limitation rather than
// invented API surface.
func (d *Dispatcher) syncProxyTools() {
	for _, rec := range d.core.ListTools() {
		if rec.ServerName == "" {
			continue // core/debugger tool, registered statically
		}
		d.registerProxyTool(rec)
	}
}

func (d *Dispatcher) registerProxyTool(rec toolregistry.ToolRecord) {
	d.mu.Lock()
	if d.registeredTools[rec.FullName] {
		d.mu.Unlock()
		return
	}
	d.registeredTools[rec.FullName] = true
	d.mu.Unlock()

	fullName, description := rec.FullName, rec.Description
	schema := toJSONSchema(rec.InputSchema)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("dispatcher: panic registering proxy tool %s: %v", fullName, r)
			}
		}()
		mcp.AddTool(d.server, &mcp.Tool{
			Name:        fullName,
			Description: description,
			InputSchema: schema,
		}, func(ctx context.Context, req *mcp.CallToolRequest, input ProxyToolInput) (*mcp.CallToolResult, any, error) {
			return d.callProxyTool(ctx, fullName, input)
		})
	}()
	logger.Info("dispatcher: registered proxy tool %s", fullName)
}

// ProxyToolInput is the server-agnostic argument bag a proxied tool call
// carries; the child's own schema governs its shape, so no fixed Go struct
// can describe it.
type ProxyToolInput map[string]any

func (d *Dispatcher) callProxyTool(ctx context.Context, fullName string, input ProxyToolInput) (*mcp.CallToolResult, any, error) {
	result, err := d.core.CallTool(ctx, fullName, map[string]any(input))
	if err != nil {
		d.audit.LogFailure(audit.OpToolCall, fullName, "", err)
		logger.Warn("dispatcher: tools/call %s failed: %v", fullName, err)
		return nil, nil, err
	}
	d.audit.LogSuccess(audit.OpToolCall, fullName, "")
	return result, nil, nil
}

// toJSONSchema converts a registry ToolDescriptor's loosely-typed schema
// (typically the json.Unmarshal-produced map a child server sent) into the
// *jsonschema.Schema the SDK requires, following the teacher's
// marshal-then-unmarshal conversion in cmd/oubliette-client/main.go.
func toJSONSchema(raw any) *jsonschema.Schema {
	if raw == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	if s, ok := raw.(*jsonschema.Schema); ok {
		return s
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return &schema
}

// guarded runs fn, converting any panic into a Fatal funnelerr rather than
// letting it cross the upstream channel.
func guarded[Out any](subject string, fn func() (Out, error)) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = funnelerr.New(funnelerr.Fatal, subject, fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}

// session resolves a session ID to its concrete *debugsession.Session,
// bridging the sessionmgr.Session interface back to the richer surface the
// debugger operations beyond the interface's ID/State/IsPaused/Disconnect
// need (stack/scope/variable inspection, breakpoints, stepping).
func (d *Dispatcher) session(id string) (*debugsession.Session, error) {
	sess, ok := d.sessions.Get(id)
	if !ok {
		return nil, funnelerr.New(funnelerr.TargetNotFound, id, "unknown session")
	}
	ds, ok := sess.(*debugsession.Session)
	if !ok {
		return nil, funnelerr.New(funnelerr.Fatal, id, "session is not a debug session")
	}
	return ds, nil
}

func durationMs(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
