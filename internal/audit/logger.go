// Package audit records a write-only diagnostic trail of connection and
// session lifecycle events. It is never read back to reconstruct tool or
// session state (spec's explicit non-goal) — only to answer "what happened"
// after the fact.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable event.
type Operation string

const (
	OpServerConnect         Operation = "server.connect"
	OpServerDisconnect      Operation = "server.disconnect"
	OpReconnectAttempt      Operation = "server.reconnect_attempt"
	OpDebugSessionStart     Operation = "debug_session.start"
	OpDebugSessionPause     Operation = "debug_session.pause"
	OpDebugSessionResume    Operation = "debug_session.resume"
	OpDebugSessionTerminate Operation = "debug_session.terminate"
	OpToolCall              Operation = "tool.call"
)

// Event represents an audit log entry.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Operation  Operation              `json:"operation"`
	ServerName string                 `json:"server_name,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Logger handles audit logging: always to a structured slog stream, and
// optionally to a SQLite sink for durable offline inspection.
type Logger struct {
	logger  *slog.Logger
	sink    *SQLiteSink
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger with no SQLite sink attached.
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// AttachSink wires a SQLite sink onto the logger (SPEC_FULL.md §11: the
// diagnostic use of modernc.org/sqlite). Passing nil detaches it.
func (l *Logger) AttachSink(sink *SQLiteSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	sink := l.sink
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.ServerName != "" {
		attrs = append(attrs, slog.String("server_name", event.ServerName))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)

	if sink != nil {
		// Best-effort: a sink write failure never fails the calling
		// operation, it only forfeits the durable copy of this one event.
		if err := sink.Insert(event); err != nil {
			l.logger.Warn("audit sink insert failed", slog.String("error", err.Error()))
		}
	}
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op Operation, serverName, sessionID string) {
	l.Log(&Event{Operation: op, ServerName: serverName, SessionID: sessionID, Success: true})
}

// LogFailure records a failed operation.
func (l *Logger) LogFailure(op Operation, serverName, sessionID string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{Operation: op, ServerName: serverName, SessionID: sessionID, Success: false, Error: errMsg})
}

// Convenience functions using the default logger.

func Log(event *Event) {
	Default().Log(event)
}

func LogSuccess(op Operation, serverName, sessionID string) {
	Default().LogSuccess(op, serverName, sessionID)
}

func LogFailure(op Operation, serverName, sessionID string, err error) {
	Default().LogFailure(op, serverName, sessionID, err)
}
