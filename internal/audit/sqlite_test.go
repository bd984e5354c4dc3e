package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteSink_Insert(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer func() { _ = sink.Close() }()

	event := &Event{
		Timestamp:  time.Now().UTC(),
		Operation:  OpServerConnect,
		ServerName: "filesystem",
		Success:    true,
	}

	if err := sink.Insert(event); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var count int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count); err != nil {
		t.Fatalf("querying audit_events: %v", err)
	}
	if count != 1 {
		t.Fatalf("audit_events count = %d, want 1", count)
	}
}

func TestSQLiteSink_InsertWithDetails(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer func() { _ = sink.Close() }()

	event := &Event{
		Operation: OpToolCall,
		SessionID: "550e8400-e29b-41d4-a716-446655440000",
		Success:   false,
		Error:     "target not found",
		Details:   map[string]interface{}{"tool": "fs.readFile"},
	}

	if err := sink.Insert(event); err != nil {
		t.Fatalf("Insert() with details error = %v", err)
	}
}

func TestLogger_AttachSink(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	defer func() { _ = sink.Close() }()

	logger := New(true)
	logger.AttachSink(sink)

	logger.LogSuccess(OpDebugSessionStart, "", "550e8400-e29b-41d4-a716-446655440000")

	var count int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count); err != nil {
		t.Fatalf("querying audit_events: %v", err)
	}
	if count != 1 {
		t.Fatalf("audit_events count = %d, want 1 after LogSuccess", count)
	}
}
