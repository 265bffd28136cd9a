// Package sqliteaudit provides an append-only SQLite mirror of the audit
// trail, alongside the JSON-Lines file store. Records are inserted and
// never updated or deleted by this package; retention is handled by an
// operator running DELETE against old rows directly, outside the gateway.
package sqliteaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/mcpgate/gateway/internal/domain/audit"
)

// Store mirrors audit.AuditRecord events into a local SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	session_id     TEXT,
	identity_id    TEXT,
	identity_name  TEXT,
	tool_name      TEXT,
	tool_arguments TEXT,
	decision       TEXT,
	reason         TEXT,
	rule_id        TEXT,
	request_id     TEXT,
	latency_micros INTEGER,
	protocol       TEXT,
	framework      TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_records_request_id ON audit_records (request_id);
`

// NewStore opens (creating if necessary) a SQLite database at path and
// ensures the append-only audit_records table exists.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids "database is
	// locked" errors under the gateway's concurrent audit workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Append inserts records into audit_records. It never updates or deletes
// existing rows.
func (s *Store) Append(ctx context.Context, records ...audit.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_records (
			timestamp, event_type, session_id, identity_id, identity_name,
			tool_name, tool_arguments, decision, reason, rule_id,
			request_id, latency_micros, protocol, framework
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		argsJSON, err := json.Marshal(r.ToolArguments)
		if err != nil {
			s.logger.Warn("failed to marshal tool arguments for sqlite mirror", "error", err)
			argsJSON = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			string(r.EventType),
			r.SessionID,
			r.IdentityID,
			r.IdentityName,
			r.ToolName,
			string(argsJSON),
			r.Decision,
			r.Reason,
			r.RuleID,
			r.RequestID,
			r.LatencyMicros,
			r.Protocol,
			r.Framework,
		); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}

	return tx.Commit()
}

// Flush is a no-op: every Append already commits its transaction.
func (s *Store) Flush(ctx context.Context) error {
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ audit.AuditStore = (*Store)(nil)
