// Package testutil provides fixture builders and test doubles shared across
// the module's _test.go files: option-function constructors for config
// documents and debug session configs, and a fake CDP inspector WebSocket
// peer.
//
// Adapted from the teacher's internal/testutil/fixtures.go (option-function
// builders returning sensible defaults) and internal/testutil/containers.go
// (a hand-rolled test double recording calls and configuring responses) —
// re-pointed at this module's config/debugsession types instead of
// project/session, and at a CDP inspector instead of a container runtime.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/debugsession"
)

// ServerSpecOption modifies a config.ServerSpec for testing.
type ServerSpecOption func(*config.ServerSpec)

// NewTestServerSpec returns a stdio-transport ServerSpec with sensible
// defaults for a fake child server.
func NewTestServerSpec(t *testing.T, name string, opts ...ServerSpecOption) config.ServerSpec {
	t.Helper()

	spec := config.ServerSpec{
		Name:    name,
		Command: "echo",
		Args:    []string{"{}"},
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec
}

// WithServerArgs overrides the command-line arguments.
func WithServerArgs(args ...string) ServerSpecOption {
	return func(s *config.ServerSpec) {
		s.Args = args
	}
}

// WithServerEnv sets the environment passed to the child process.
func WithServerEnv(env map[string]string) ServerSpecOption {
	return func(s *config.ServerSpec) {
		s.Env = env
	}
}

// WithRemoteTransport switches the spec to an SSE/WebSocket remote target.
func WithRemoteTransport(kind config.TransportKind, url, token string) ServerSpecOption {
	return func(s *config.ServerSpec) {
		s.Transport = &config.ServerTransport{
			Kind:   kind,
			Remote: &config.RemoteTransport{URL: url, Token: token},
		}
	}
}

// WithContainerTransport switches the spec to a containerized target.
func WithContainerTransport(backend config.ContainerBackend, image string) ServerSpecOption {
	return func(s *config.ServerSpec) {
		s.Transport = &config.ServerTransport{
			Kind:      config.TransportContainer,
			Container: &config.ContainerTransport{Backend: backend, Image: image},
		}
	}
}

// DocumentOption modifies a config.Document for testing.
type DocumentOption func(*config.Document)

// NewTestDocument returns a compiled-defaults Document with the given
// servers, ready to feed into proxycore.Core.Start.
func NewTestDocument(t *testing.T, servers []config.ServerSpec, opts ...DocumentOption) *config.Document {
	t.Helper()

	doc := config.Defaults()
	doc.Servers = servers
	for _, opt := range opts {
		opt(doc)
	}
	return doc
}

// WithExposeTools sets the exposeTools visibility pattern list.
func WithExposeTools(patterns ...string) DocumentOption {
	return func(d *config.Document) {
		d.ExposeTools = patterns
	}
}

// WithHideTools sets the hideTools visibility pattern list.
func WithHideTools(patterns ...string) DocumentOption {
	return func(d *config.Document) {
		d.HideTools = patterns
	}
}

// DebugConfigOption modifies a debugsession.Config for testing.
type DebugConfigOption func(*debugsession.Config)

// NewTestLaunchConfig returns a launch-mode debug session Config targeting
// a short-lived Node script.
func NewTestLaunchConfig(t *testing.T, entry string, opts ...DebugConfigOption) debugsession.Config {
	t.Helper()

	cfg := debugsession.Config{
		Kind: debugsession.TargetLaunch,
		Launch: &debugsession.LaunchTarget{
			Runtime: "node",
			Entry:   entry,
		},
		ScriptCacheCap: 1000,
		Timeout:        30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewTestAttachConfig returns an attach-mode debug session Config pointed
// at an already-listening inspector URL (typically a FakeInspector's
// WSURL).
func NewTestAttachConfig(t *testing.T, inspectorURL string, opts ...DebugConfigOption) debugsession.Config {
	t.Helper()

	cfg := debugsession.Config{
		Kind:           debugsession.TargetAttach,
		InspectorURL:   inspectorURL,
		ScriptCacheCap: 1000,
		Timeout:        30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithInitialBreakpoints attaches breakpoints to set during configuration.
func WithInitialBreakpoints(specs ...debugsession.BreakpointSpec) DebugConfigOption {
	return func(c *debugsession.Config) {
		c.InitialBreakpoints = specs
	}
}

// WithResumeAfterConfigure marks the session to auto-continue past its
// initial pause once breakpoints are set.
func WithResumeAfterConfigure() DebugConfigOption {
	return func(c *debugsession.Config) {
		c.ResumeAfterConfigure = true
	}
}

// NewTestBreakpoint returns a BreakpointSpec matching by URL.
func NewTestBreakpoint(url string, line int) debugsession.BreakpointSpec {
	return debugsession.BreakpointSpec{URL: url, LineNumber: line}
}

// --- fake CDP inspector ---

// InspectorResponder answers one CDP request method, returning the JSON
// value to place in the reply's "result" field. A nil return produces an
// empty object result.
type InspectorResponder func(params json.RawMessage) any

// FakeInspector is a minimal CDP inspector: a WebSocket peer that replies
// to every request with an empty result by default, or a configured
// InspectorResponder when one is registered for that method. Tests can
// push events directly via Emit.
type FakeInspector struct {
	t       *testing.T
	server  *httptest.Server
	conns   chan *websocket.Conn
	methods map[string]InspectorResponder
}

// NewFakeInspector starts a FakeInspector. Call Close when done.
func NewFakeInspector(t *testing.T) *FakeInspector {
	t.Helper()

	fi := &FakeInspector{
		t:       t,
		conns:   make(chan *websocket.Conn, 4),
		methods: make(map[string]InspectorResponder),
	}

	upgrader := websocket.Upgrader{}
	fi.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fi.conns <- conn
		fi.serve(conn)
	}))
	return fi
}

// OnMethod registers a responder for a CDP method, replacing any prior
// registration for that method.
func (fi *FakeInspector) OnMethod(method string, responder InspectorResponder) {
	fi.methods[method] = responder
}

func (fi *FakeInspector) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		var result any = map[string]any{}
		if responder, ok := fi.methods[req.Method]; ok {
			if r := responder(req.Params); r != nil {
				result = r
			}
		}
		resp, err := json.Marshal(map[string]any{"id": req.ID, "result": result})
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			return
		}
	}
}

// Emit sends a CDP event frame ({"method", "params"}) to an accepted
// connection: it takes the oldest one from the accepted-connection queue
// and puts it back at the end, so with several connections successive
// calls rotate among them. It blocks briefly waiting for a connection if
// none has been accepted yet.
func (fi *FakeInspector) Emit(method string, params any) {
	select {
	case conn := <-fi.conns:
		fi.conns <- conn
		frame, err := json.Marshal(map[string]any{"method": method, "params": params})
		if err != nil {
			fi.t.Fatalf("marshaling fake CDP event: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			fi.t.Logf("writing fake CDP event: %v", err)
		}
	case <-time.After(time.Second):
		fi.t.Fatalf("FakeInspector.Emit(%s): no connection accepted within 1s", method)
	}
}

// WSURL returns the ws:// URL a wsconn.Transport/cdp.Client can dial.
func (fi *FakeInspector) WSURL() string {
	u, err := url.Parse(fi.server.URL)
	if err != nil {
		fi.t.Fatalf("parsing fake inspector URL: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

// Close shuts down the underlying httptest.Server.
func (fi *FakeInspector) Close() {
	fi.server.Close()
}
