// Package sessionmgr implements the Session Manager of spec §4.7: indexes
// Debug Sessions by ID, waits for a session's initial pause/running
// transition, and sweeps idle sessions on a schedule.
//
// The by-ID map and idle-sweep shape are adapted from the teacher's
// `internal/session/active.go` ActiveSessionManager (map keyed by session
// ID, RWMutex-guarded, a background loop evicting sessions whose
// LastActivity exceeds a threshold). That loop uses a bare time.Ticker;
// here it is migrated onto a `robfig/cron` entry, the library already
// used elsewhere in this module for periodic work, in place of the
// teacher's hand-rolled ticker.
package sessionmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/logger"
)

// Session is the subset of Debug Session behavior the manager needs. The
// concrete implementation lives in internal/debugsession; this interface
// keeps sessionmgr free of that (much larger) package's dependencies.
type Session interface {
	ID() string
	State() string // one of SessionState's discriminant names, spec §3
	LastActivityAt() time.Time
	IsPaused() bool
	Disconnect() error
}

// CreateFunc constructs and connects a new Session from a config payload,
// returning once the session has reached its initial pause or transitioned
// to running (spec §4.7), or the supplied context's deadline expires.
type CreateFunc func(ctx context.Context, config any) (Session, error)

// Manager indexes Sessions by ID and evicts idle ones.
type Manager struct {
	create      CreateFunc
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]Session

	cron *cron.Cron
}

// DefaultIdleTimeout matches SPEC_FULL.md/config DebuggerDefaults.IdleTimeoutMs default (30 min).
const DefaultIdleTimeout = 30 * time.Minute

// New constructs a Manager. idleTimeout<=0 uses DefaultIdleTimeout. The
// idle sweep starts immediately and runs every minute via a cron @every
// entry until Close.
func New(create CreateFunc, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	m := &Manager{
		create:      create,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]Session),
		cron:        cron.New(),
	}
	if _, err := m.cron.AddFunc("@every 1m", m.sweepIdleSessions); err != nil {
		logger.Error("sessionmgr: failed to schedule idle sweep: %v", err)
	}
	m.cron.Start()
	return m
}

// CreateSession constructs the session via CreateFunc and indexes it under
// the ID the session reports (spec §4.7: "createSession(config) returns
// after the session has either reached its initial pause... or
// transitioned to running").
func (m *Manager) CreateSession(ctx context.Context, config any) (Session, error) {
	sess, err := m.create(ctx, config)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	logger.Info("session %s registered", sess.ID())
	return sess, nil
}

// Get returns the session for id, if indexed.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListSessions returns lifecycle metadata for every indexed session
// (spec §4.7: "listSessions() returns lifecycle metadata").
type SessionSummary struct {
	ID             string
	State          string
	LastActivityAt time.Time
}

func (m *Manager) ListSessions() []SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionSummary{ID: s.ID(), State: s.State(), LastActivityAt: s.LastActivityAt()})
	}
	return out
}

// WaitForPause resolves when the next `paused` event is observed for id,
// or times out returning the session in its current state (spec §4.7).
// Polling (rather than an event subscription) is used because Session is
// an opaque interface here; the session is checked every 50ms.
func (m *Manager) WaitForPause(ctx context.Context, id string, timeout time.Duration) (Session, error) {
	sess, ok := m.Get(id)
	if !ok {
		return nil, funnelerr.New(funnelerr.TargetNotFound, id, "unknown session")
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sess.IsPaused() {
			return sess, nil
		}
		if time.Now().After(deadline) {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return sess, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CleanupOptions configures a manual sweep (spec §4.7: "a manual
// cleanupSessions({force?, dryRun?}) is exposed").
type CleanupOptions struct {
	Force  bool // evict regardless of idle threshold
	DryRun bool // report what would be evicted without disconnecting
}

// CleanupResult reports what CleanupSessions did.
type CleanupResult struct {
	Evicted []string
}

// CleanupSessions evicts idle sessions (or, with Force, every session),
// optionally as a dry run.
func (m *Manager) CleanupSessions(opts CleanupOptions) CleanupResult {
	candidates := m.idleCandidates(opts.Force)
	if opts.DryRun {
		return CleanupResult{Evicted: candidates}
	}
	for _, id := range candidates {
		m.evict(id)
	}
	return CleanupResult{Evicted: candidates}
}

func (m *Manager) idleCandidates(force bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []string
	for id, s := range m.sessions {
		if force || now.Sub(s.LastActivityAt()) > m.idleTimeout {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) sweepIdleSessions() {
	candidates := m.idleCandidates(false)
	if len(candidates) == 0 {
		return
	}
	logger.Info("sessionmgr: evicting %d idle session(s)", len(candidates))
	for _, id := range candidates {
		m.evict(id)
	}
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Disconnect(); err != nil {
		logger.Warn("sessionmgr: error disconnecting evicted session %s: %v", id, err)
	}
}

// Close stops the idle sweep. It does not disconnect indexed sessions.
func (m *Manager) Close() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// NewSessionID mints a session identifier, matching the UUID format
// spec §4.6 assigns debug sessions (validated by validation.ValidateSessionID).
func NewSessionID() string {
	return uuid.NewString()
}
