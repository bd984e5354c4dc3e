package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit events to a local SQLite database for durable,
// offline inspection. It is append-only: nothing in the funnel process
// reads this table back to recover tool registry, session, or connection
// state — that state lives only in memory, rebuilt from child servers and
// CDP on restart.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if necessary) the audit database at path
// and ensures its schema exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	sink := &SQLiteSink{db: db}
	if err := sink.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			operation TEXT NOT NULL,
			server_name TEXT,
			session_id TEXT,
			request_id TEXT,
			success INTEGER NOT NULL,
			error TEXT,
			details TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("migrating audit database: %w", err)
	}
	return nil
}

// Insert appends one event row. Never called to read a row back.
func (s *SQLiteSink) Insert(event *Event) error {
	var detailsJSON []byte
	if event.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshaling audit details: %w", err)
		}
	}

	success := 0
	if event.Success {
		success = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (timestamp, operation, server_name, session_id, request_id, success, error, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		string(event.Operation),
		event.ServerName,
		event.SessionID,
		event.RequestID,
		success,
		event.Error,
		string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
