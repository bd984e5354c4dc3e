package sessionmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	id             string
	mu             sync.Mutex
	state          string
	lastActivity   time.Time
	paused         bool
	disconnectErr  error
	disconnectedAt time.Time
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, state: "running", lastActivity: time.Now()}
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) LastActivityAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeSession) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectedAt = time.Now()
	f.state = "terminated"
	return f.disconnectErr
}

func (f *fakeSession) setPaused(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = p
}

func (f *fakeSession) setLastActivity(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActivity = t
}

func TestCreateSessionIndexesByID(t *testing.T) {
	created := newFakeSession("s1")
	m := New(func(ctx context.Context, cfg any) (Session, error) { return created, nil }, time.Hour)
	defer m.Close()

	sess, err := m.CreateSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.ID() != "s1" {
		t.Fatalf("ID() = %s, want s1", sess.ID())
	}

	got, ok := m.Get("s1")
	if !ok || got.ID() != "s1" {
		t.Fatal("expected Get(s1) to find the indexed session")
	}
}

func TestCreateSessionPropagatesFactoryError(t *testing.T) {
	wantErr := errors.New("spawn failed")
	m := New(func(ctx context.Context, cfg any) (Session, error) { return nil, wantErr }, time.Hour)
	defer m.Close()

	_, err := m.CreateSession(context.Background(), nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("CreateSession() error = %v, want %v", err, wantErr)
	}
}

func TestWaitForPauseResolvesOnPause(t *testing.T) {
	sess := newFakeSession("s1")
	m := New(func(ctx context.Context, cfg any) (Session, error) { return sess, nil }, time.Hour)
	defer m.Close()
	m.CreateSession(context.Background(), nil)

	go func() {
		time.Sleep(60 * time.Millisecond)
		sess.setPaused(true)
	}()

	got, err := m.WaitForPause(context.Background(), "s1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForPause() error = %v", err)
	}
	if !got.IsPaused() {
		t.Fatal("expected the returned session to be paused")
	}
}

func TestWaitForPauseTimesOutWithoutError(t *testing.T) {
	sess := newFakeSession("s1")
	m := New(func(ctx context.Context, cfg any) (Session, error) { return sess, nil }, time.Hour)
	defer m.Close()
	m.CreateSession(context.Background(), nil)

	got, err := m.WaitForPause(context.Background(), "s1", 80*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForPause() error = %v, want nil on timeout", err)
	}
	if got.IsPaused() {
		t.Fatal("expected the session to still be unpaused after timeout")
	}
}

func TestWaitForPauseUnknownSessionReturnsError(t *testing.T) {
	m := New(func(ctx context.Context, cfg any) (Session, error) { return nil, nil }, time.Hour)
	defer m.Close()

	if _, err := m.WaitForPause(context.Background(), "missing", time.Second); err == nil {
		t.Fatal("expected an error for an unknown session ID")
	}
}

func TestCleanupSessionsDryRunDoesNotDisconnect(t *testing.T) {
	sess := newFakeSession("s1")
	sess.setLastActivity(time.Now().Add(-time.Hour))
	m := New(func(ctx context.Context, cfg any) (Session, error) { return sess, nil }, time.Minute)
	defer m.Close()
	m.CreateSession(context.Background(), nil)

	result := m.CleanupSessions(CleanupOptions{DryRun: true})
	if len(result.Evicted) != 1 {
		t.Fatalf("CleanupSessions(dryRun) evicted = %+v, want 1 candidate", result.Evicted)
	}
	if _, ok := m.Get("s1"); !ok {
		t.Fatal("expected dry-run cleanup to leave the session indexed")
	}
}

func TestCleanupSessionsForceEvictsEverything(t *testing.T) {
	sess := newFakeSession("s1")
	m := New(func(ctx context.Context, cfg any) (Session, error) { return sess, nil }, time.Hour)
	defer m.Close()
	m.CreateSession(context.Background(), nil)

	result := m.CleanupSessions(CleanupOptions{Force: true})
	if len(result.Evicted) != 1 {
		t.Fatalf("CleanupSessions(force) evicted = %+v, want 1", result.Evicted)
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected the session to be removed from the index after forced cleanup")
	}
}

func TestListSessionsReturnsSummaries(t *testing.T) {
	sess := newFakeSession("s1")
	m := New(func(ctx context.Context, cfg any) (Session, error) { return sess, nil }, time.Hour)
	defer m.Close()
	m.CreateSession(context.Background(), nil)

	list := m.ListSessions()
	if len(list) != 1 || list[0].ID != "s1" || list[0].State != "running" {
		t.Fatalf("ListSessions() = %+v", list)
	}
}
