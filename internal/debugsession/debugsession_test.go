package debugsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeInspectorState lets the fake server hand out scripted responses to a
// few methods while answering everything else with an empty result,
// extending internal/cdp's fakeInspector pattern with the handful of
// Debugger/Runtime methods a Debug Session's connect sequence drives.
type fakeInspectorState struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	resumeCount int32
}

func fakeInspector(t *testing.T) (*httptest.Server, *fakeInspectorState) {
	t.Helper()
	state := &fakeInspectorState{}
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		state.mu.Lock()
		state.conn = conn
		state.mu.Unlock()

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

			switch req.Method {
			case "Debugger.pause":
				writeResult(conn, req.ID, map[string]any{})
				go func() {
					time.Sleep(5 * time.Millisecond)
					writeEvent(conn, "Debugger.paused", map[string]any{
						"reason":     "other",
						"callFrames": []any{},
					})
				}()
			case "Debugger.resume":
				atomic.AddInt32(&state.resumeCount, 1)
				writeResult(conn, req.ID, map[string]any{})
				go func() {
					time.Sleep(5 * time.Millisecond)
					writeEvent(conn, "Debugger.resumed", map[string]any{})
				}()
			case "Debugger.setBreakpointByUrl":
				writeResult(conn, req.ID, map[string]any{
					"breakpointId": "1:0:0:fake",
					"locations":    []any{},
				})
			default:
				writeResult(conn, req.ID, map[string]any{})
			}
		}
	}))
	return server, state
}

func writeResult(conn *websocket.Conn, id int64, result any) {
	resp, _ := json.Marshal(map[string]any{"id": id, "result": result})
	conn.WriteMessage(websocket.TextMessage, resp)
}

func writeEvent(conn *websocket.Conn, method string, params any) {
	event, _ := json.Marshal(map[string]any{"method": method, "params": params})
	conn.WriteMessage(websocket.TextMessage, event)
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestConnectAttachRunsFullLifecycle(t *testing.T) {
	server, state := fakeInspector(t)
	defer server.Close()

	sess := New(Config{
		Kind:         TargetAttach,
		InspectorURL: wsURL(t, server),
		Timeout:      2 * time.Second,
	}, nil, Handlers{})

	ready := make(chan string, 1)
	sess.handlers.OnReady = func(instructions string) { ready <- instructions }

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("OnReady never fired")
	}

	if got := atomic.LoadInt32(&state.resumeCount); got < 1 {
		t.Fatalf("expected at least one Debugger.resume, got %d", got)
	}
	if sess.State() != string(StateRunning) {
		t.Fatalf("State() = %q, want %q", sess.State(), StateRunning)
	}
}

func TestConnectAttachRequiresInspectorURL(t *testing.T) {
	sess := New(Config{Kind: TargetAttach}, nil, Handlers{})
	if err := sess.Connect(context.Background()); err == nil {
		t.Fatal("expected an error when attach target has no inspector URL")
	}
}

func TestEscapeRegexEscapesMetacharacters(t *testing.T) {
	got := escapeRegex("/app/(index).js")
	want := `/app/\(index\)\.js`
	if got != want {
		t.Fatalf("escapeRegex() = %q, want %q", got, want)
	}
}

func TestCandidateKeysIncludesFileURLAndBaseName(t *testing.T) {
	keys := candidateKeys("file:///app/src/index.js", "index.js", nil)
	want := map[string]bool{
		"file:///app/src/index.js": true,
		"/app/src/index.js":        true,
		"index.js":                 true,
	}
	for _, k := range keys {
		delete(want, k)
	}
	if len(want) != 0 {
		t.Fatalf("candidateKeys missing expected keys: %v", want)
	}
}

func TestCandidateKeysIncludesSourceMapSources(t *testing.T) {
	keys := candidateKeys("file:///app/dist/index.js", "index.js", []string{"src/index.ts"})
	want := map[string]bool{"src/index.ts": true, "index.ts": true}
	for _, k := range keys {
		delete(want, k)
	}
	if len(want) != 0 {
		t.Fatalf("candidateKeys missing source-map-derived keys: %v", want)
	}
}

func TestMapPauseReason(t *testing.T) {
	cases := map[string]PauseReason{
		"breakpoint":         PauseBreakpoint,
		"exception":          PauseException,
		"debugCommand":       PauseStep,
		"debuggerStatement":  PauseDebuggerStatement,
		"somethingUnrelated": PauseOther,
	}
	for in, want := range cases {
		if got := mapPauseReason(in); got != want {
			t.Errorf("mapPauseReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTagTypeTagsKnownSubtypes(t *testing.T) {
	cases := []struct {
		obj  *cdpRemoteObject
		want string
	}{
		{&cdpRemoteObject{Type: "function"}, "function"},
		{&cdpRemoteObject{Type: "object", Subtype: "date"}, "date"},
		{&cdpRemoteObject{Type: "object", Subtype: "regexp"}, "regexp"},
		{&cdpRemoteObject{Type: "object", Subtype: "map"}, "map"},
		{&cdpRemoteObject{Type: "object", ClassName: "Widget"}, "Widget"},
	}
	for _, c := range cases {
		if got := tagType(c.obj); got != c.want {
			t.Errorf("tagType(%+v) = %q, want %q", c.obj, got, c.want)
		}
	}
}

func TestTruncationLimitsVaryByKind(t *testing.T) {
	cases := []struct {
		kind          string
		wantOver      int
		wantKeepCount int
	}{
		{"array", maxArrayElementsCap, maxArrayElements},
		{"map", maxCollectionEntries, maxCollectionEntries},
		{"set", maxCollectionEntries, maxCollectionEntries},
		{"", maxObjectPropsCap, maxObjectProps},
		{"Widget", maxObjectPropsCap, maxObjectProps},
	}
	for _, c := range cases {
		over, keep := truncationLimits(c.kind)
		if over != c.wantOver || keep != c.wantKeepCount {
			t.Errorf("truncationLimits(%q) = (%d, %d), want (%d, %d)", c.kind, over, keep, c.wantOver, c.wantKeepCount)
		}
	}
}

func TestResolveSourceMapURLRelative(t *testing.T) {
	got := resolveSourceMapURL("http://localhost:9229/app/index.js", "index.js.map")
	want := "http://localhost:9229/app/index.js.map"
	if got != want {
		t.Fatalf("resolveSourceMapURL() = %q, want %q", got, want)
	}
}

func TestResolveSourceMapURLDataURIPassesThrough(t *testing.T) {
	in := "data:application/json;base64,e30="
	if got := resolveSourceMapURL("http://localhost/app.js", in); got != in {
		t.Fatalf("resolveSourceMapURL() = %q, want unchanged %q", got, in)
	}
}

func TestScriptCacheEvictsUnderCap(t *testing.T) {
	sess := New(Config{Kind: TargetAttach, InspectorURL: "ws://unused", ScriptCacheCap: 2}, nil, Handlers{})

	sess.recordScript(&ScriptMetadata{ScriptID: "1", URL: "a.js", BaseName: "a.js"})
	sess.recordScript(&ScriptMetadata{ScriptID: "2", URL: "b.js", BaseName: "b.js"})
	sess.recordScript(&ScriptMetadata{ScriptID: "3", URL: "c.js", BaseName: "c.js"})

	if _, ok := sess.scriptByID("1"); ok {
		t.Fatal("expected script 1 to have been evicted")
	}
	if _, ok := sess.scriptByID("3"); !ok {
		t.Fatal("expected script 3 to still be cached")
	}
}

func TestCommandRejectsWhenTerminated(t *testing.T) {
	sess := New(Config{Kind: TargetAttach, InspectorURL: "ws://unused"}, nil, Handlers{})
	sess.setState(State{Kind: StateTerminated})

	if _, err := sess.Continue(context.Background()); err == nil {
		t.Fatal("expected Continue on a terminated session to fail")
	}
}

func TestGetStackTraceRequiresPaused(t *testing.T) {
	sess := New(Config{Kind: TargetAttach, InspectorURL: "ws://unused"}, nil, Handlers{})
	sess.setState(State{Kind: StateRunning})

	if _, err := sess.GetStackTrace(); err == nil {
		t.Fatal("expected GetStackTrace to fail while running")
	}
}
