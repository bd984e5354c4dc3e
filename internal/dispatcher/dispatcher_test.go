package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcp-funnel/funnel/internal/audit"
	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/proxycore"
	"github.com/mcp-funnel/funnel/internal/sessionmgr"
	"github.com/mcp-funnel/funnel/internal/toolregistry"
)

// fakeSession is a minimal sessionmgr.Session that is not a
// *debugsession.Session, used to exercise operations that only need the
// interface surface (list_sessions, cleanup_sessions) without spinning up a
// real CDP connection.
type fakeSession struct {
	id       string
	state    string
	lastUsed time.Time
	paused   bool
}

func (f *fakeSession) ID() string                { return f.id }
func (f *fakeSession) State() string             { return f.state }
func (f *fakeSession) LastActivityAt() time.Time { return f.lastUsed }
func (f *fakeSession) IsPaused() bool            { return f.paused }
func (f *fakeSession) Disconnect() error         { f.state = "terminated"; return nil }

func newTestDispatcher(t *testing.T, create sessionmgr.CreateFunc) *Dispatcher {
	t.Helper()
	registry := toolregistry.New(toolregistry.Policy{ExposeCoreTools: true})
	core := proxycore.New(registry, config.DefaultReconnectPolicy())
	sessions := sessionmgr.New(create, time.Hour)
	return New(core, sessions, config.DefaultDebuggerDefaults(), audit.New(false))
}

func TestGuardedRecoversPanic(t *testing.T) {
	_, err := guarded("subject-1", func() (int, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected a recovered panic to surface as an error")
	}
	if funnelerr.KindOf(err) != funnelerr.Fatal {
		t.Fatalf("KindOf(err) = %s, want Fatal", funnelerr.KindOf(err))
	}
}

func TestGuardedPassesThroughOrdinaryResult(t *testing.T) {
	out, err := guarded("subject-1", func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 42 {
		t.Fatalf("out = %d, want 42", out)
	}
}

func TestToJSONSchemaDefaultsObjectType(t *testing.T) {
	schema := toJSONSchema(nil)
	if schema.Type != "object" {
		t.Fatalf("Type = %q, want object", schema.Type)
	}

	schema = toJSONSchema(map[string]any{"type": "object", "properties": map[string]any{}})
	if schema.Type != "object" {
		t.Fatalf("Type = %q, want object", schema.Type)
	}
}

func TestSessionHelperReturnsTargetNotFoundForUnknownID(t *testing.T) {
	d := newTestDispatcher(t, func(ctx context.Context, cfg any) (sessionmgr.Session, error) {
		return nil, errors.New("never called")
	})

	_, err := d.session("missing")
	if funnelerr.KindOf(err) != funnelerr.TargetNotFound {
		t.Fatalf("KindOf(err) = %s, want TargetNotFound", funnelerr.KindOf(err))
	}
}

func TestSessionHelperRejectsNonDebugSession(t *testing.T) {
	fake := &fakeSession{id: "s1", state: "running", lastUsed: time.Now()}
	d := newTestDispatcher(t, func(ctx context.Context, cfg any) (sessionmgr.Session, error) {
		return fake, nil
	})

	if _, err := d.sessions.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_, err := d.session("s1")
	if funnelerr.KindOf(err) != funnelerr.Fatal {
		t.Fatalf("KindOf(err) = %s, want Fatal", funnelerr.KindOf(err))
	}
}

func TestHandleListSessionsReturnsIndexedSessions(t *testing.T) {
	fake := &fakeSession{id: "s1", state: "paused", lastUsed: time.Now(), paused: true}
	d := newTestDispatcher(t, func(ctx context.Context, cfg any) (sessionmgr.Session, error) {
		return fake, nil
	})
	if _, err := d.sessions.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_, out, err := d.handleListSessions(context.Background(), nil, ListSessionsInput{})
	if err != nil {
		t.Fatalf("handleListSessions() error = %v", err)
	}
	summary, ok := out.(ListSessionsOutput)
	if !ok {
		t.Fatalf("out is %T, want ListSessionsOutput", out)
	}
	if len(summary.Sessions) != 1 || summary.Sessions[0].ID != "s1" {
		t.Fatalf("Sessions = %+v, want one entry for s1", summary.Sessions)
	}
}

func TestHandleCleanupSessionsForceEvictsEverySession(t *testing.T) {
	fake := &fakeSession{id: "s1", state: "running", lastUsed: time.Now()}
	d := newTestDispatcher(t, func(ctx context.Context, cfg any) (sessionmgr.Session, error) {
		return fake, nil
	})
	if _, err := d.sessions.CreateSession(context.Background(), nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_, out, err := d.handleCleanupSessions(context.Background(), nil, CleanupSessionsInput{Force: true})
	if err != nil {
		t.Fatalf("handleCleanupSessions() error = %v", err)
	}
	result, ok := out.(sessionmgr.CleanupResult)
	if !ok {
		t.Fatalf("out is %T, want sessionmgr.CleanupResult", out)
	}
	if len(result.Evicted) != 1 || result.Evicted[0] != "s1" {
		t.Fatalf("Evicted = %+v, want [s1]", result.Evicted)
	}
	if fake.state != "terminated" {
		t.Fatalf("fake session state = %q, want terminated", fake.state)
	}
}

func TestSyncProxyToolsSkipsCoreTools(t *testing.T) {
	registry := toolregistry.New(toolregistry.Policy{ExposeCoreTools: true})
	registry.RegisterCoreTool("start_session", "core tool", nil)
	core := proxycore.New(registry, config.DefaultReconnectPolicy())
	sessions := sessionmgr.New(func(ctx context.Context, cfg any) (sessionmgr.Session, error) {
		return nil, errors.New("unused")
	}, time.Hour)
	d := New(core, sessions, config.DefaultDebuggerDefaults(), audit.New(false))

	d.syncProxyTools()

	if len(d.registeredTools) != 0 {
		t.Fatalf("registeredTools = %v, want empty (core tools are statically registered, not synced)", d.registeredTools)
	}
}
