// Package proxycore implements the Proxy Core of spec §4.10: on startup it
// instantiates one Target Server Connection per configured server, connects
// them concurrently, and aggregates their tools through the Tool Registry.
// It exposes listTools/callTool/reconnectServer/disconnectServer/
// getServerStatus/getTargetServers and fans out server-state events.
//
// Grounded on the teacher's internal/mcp/server.go NewServer wiring style:
// one constructor taking every collaborator, with server-state fan-out
// through a plain channel in the manner internal/session uses channels for
// StreamEvent.
package proxycore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/targetconn"
	"github.com/mcp-funnel/funnel/internal/toolregistry"
)

// EventKind discriminates a Core's emitted events.
type EventKind string

const (
	EventServerConnected    EventKind = "server.connected"
	EventServerDisconnected EventKind = "server.disconnected"
	EventServerReconnecting EventKind = "server.reconnecting"
	// EventToolsChanged is an internal signal (beyond the three
	// server-state events) the Request Dispatcher subscribes to so it
	// knows when to sync newly discovered tools onto the upstream server.
	EventToolsChanged EventKind = "tools.changed"
)

// Event is one server-state notification (spec §4.10).
type Event struct {
	Kind         EventKind
	Server       string
	Reason       error
	RetryAttempt int
	NextDelayMs  int64
}

// ServerStatus is the spec §4.10 getServerStatus/getTargetServers payload.
type ServerStatus struct {
	Name  string
	State string
	Tools int
}

// Core owns every Target Server Connection for one configuration document.
type Core struct {
	registry *toolregistry.Registry
	policy   config.ReconnectPolicy

	mu          sync.RWMutex
	connections map[string]*targetconn.Connection

	events chan Event
}

// New constructs a Core against an already-configured Tool Registry. Call
// Start to instantiate and connect every server's connection.
func New(registry *toolregistry.Registry, policy config.ReconnectPolicy) *Core {
	return &Core{
		registry:    registry,
		policy:      policy,
		connections: make(map[string]*targetconn.Connection),
		events:      make(chan Event, 64),
	}
}

// Events returns the Core's event stream. Callers should drain it for the
// lifetime of the Core. The channel buffers 64 events; once it is full,
// emit drops each new event with a warning rather than blocking.
func (c *Core) Events() <-chan Event { return c.events }

func (c *Core) emit(e Event) {
	select {
	case c.events <- e:
	default:
		logger.Warn("proxycore: event channel full, dropping %s for %s", e.Kind, e.Server)
	}
}

// Start instantiates a Connection per ServerSpec and connects them
// concurrently (spec §4.10: "connect them concurrently").
func (c *Core) Start(ctx context.Context, servers []config.ServerSpec) {
	var wg sync.WaitGroup
	for _, spec := range servers {
		spec := spec
		conn := targetconn.New(spec, c.policy, targetconn.Handlers{
			OnConnected: func() {
				c.emit(Event{Kind: EventServerConnected, Server: spec.Name})
			},
			OnDisconnected: func(reason error, attempt int) {
				c.emit(Event{Kind: EventServerDisconnected, Server: spec.Name, Reason: reason, RetryAttempt: attempt})
			},
			OnReconnecting: func(attempt int, delay time.Duration) {
				c.emit(Event{Kind: EventServerReconnecting, Server: spec.Name, RetryAttempt: attempt, NextDelayMs: delay.Milliseconds()})
			},
			OnToolsChanged: func(tools []*mcp.Tool) {
				c.registry.RegisterServerTools(spec.Name, toDescriptors(tools))
				c.emit(Event{Kind: EventToolsChanged, Server: spec.Name})
			},
		})

		c.mu.Lock()
		c.connections[spec.Name] = conn
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Connect(ctx); err != nil {
				logger.Warn("proxycore: initial connect to %s failed: %v", spec.Name, err)
			}
		}()
	}
	wg.Wait()
}

func toDescriptors(tools []*mcp.Tool) []toolregistry.ToolDescriptor {
	out := make([]toolregistry.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolregistry.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// ListTools returns the Tool Registry's merged, visibility-filtered tool
// list (spec §4.10: "listTools() → merged visible tools").
func (c *Core) ListTools() []toolregistry.ToolRecord {
	return c.registry.ListVisible()
}

// CallTool strips fullName's serverName__ prefix and forwards to the
// owning connection (spec §4.10/§4.8).
func (c *Core) CallTool(ctx context.Context, fullName string, args map[string]any) (*mcp.CallToolResult, error) {
	record, ok := c.registry.Get(fullName)
	if !ok || record.ServerName == "" {
		return nil, funnelerr.New(funnelerr.TargetNotFound, fullName, "unknown tool")
	}

	conn, ok := c.connectionFor(record.ServerName)
	if !ok {
		return nil, funnelerr.New(funnelerr.TargetNotFound, record.ServerName, "unknown server")
	}
	return conn.CallTool(ctx, fullName, args)
}

func (c *Core) connectionFor(name string) (*targetconn.Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.connections[name]
	return conn, ok
}

// ReconnectServer triggers a manual reconnect (spec §4.10: "reconnectServer(name)").
func (c *Core) ReconnectServer(ctx context.Context, name string) error {
	conn, ok := c.connectionFor(name)
	if !ok {
		return funnelerr.New(funnelerr.TargetNotFound, name, "unknown server")
	}
	return conn.Reconnect(ctx)
}

// DisconnectServer cancels any pending reconnection and closes the
// connection (spec §4.10: "disconnectServer(name)").
func (c *Core) DisconnectServer(name string) error {
	conn, ok := c.connectionFor(name)
	if !ok {
		return funnelerr.New(funnelerr.TargetNotFound, name, "unknown server")
	}
	return conn.Disconnect()
}

// GetServerStatus reports one server's connection state and tool count
// (spec §4.10: "getServerStatus(name)").
func (c *Core) GetServerStatus(name string) (ServerStatus, error) {
	conn, ok := c.connectionFor(name)
	if !ok {
		return ServerStatus{}, funnelerr.New(funnelerr.TargetNotFound, name, "unknown server")
	}
	return ServerStatus{Name: name, State: conn.State().String(), Tools: len(conn.Tools())}, nil
}

// TargetServers is the spec §4.10 getTargetServers() payload: servers
// split by connected/disconnected.
type TargetServers struct {
	Connected    []string
	Disconnected []string
}

// GetTargetServers partitions every known server by connection state
// (spec §4.10: "getTargetServers() → {connected, disconnected}").
func (c *Core) GetTargetServers() TargetServers {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out TargetServers
	for name, conn := range c.connections {
		if conn.State() == targetconn.StateConnected {
			out.Connected = append(out.Connected, name)
		} else {
			out.Disconnected = append(out.Disconnected, name)
		}
	}
	sort.Strings(out.Connected)
	sort.Strings(out.Disconnected)
	return out
}

// Close disconnects every owned connection.
func (c *Core) Close() error {
	c.mu.RLock()
	conns := make([]*targetconn.Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(c.events)
	return firstErr
}
