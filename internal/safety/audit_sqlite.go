package safety

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore persists audit entries to a local sqlite database so
// the command history survives restarts.
type SQLiteAuditStore struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS command_audit (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	user_id TEXT,
	command TEXT NOT NULL,
	type TEXT NOT NULL,
	risk TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	permission TEXT,
	reason TEXT,
	executed INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	output TEXT
);
CREATE INDEX IF NOT EXISTS idx_command_audit_ts ON command_audit(timestamp);
`

// NewSQLiteAuditStore opens (or creates) the audit database at path.
func NewSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

// Append inserts the entry.
func (s *SQLiteAuditStore) Append(ctx context.Context, entry AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_audit
			(id, timestamp, user_id, command, type, risk, allowed, permission, reason, executed, success, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixMilli(), entry.UserID, entry.Command,
		string(entry.Type), entry.Risk.String(), boolToInt(entry.Allowed),
		entry.Permission, entry.Reason, boolToInt(entry.Executed),
		boolToInt(entry.Success), entry.Output)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// RecordResult marks an entry as executed with its outcome.
func (s *SQLiteAuditStore) RecordResult(ctx context.Context, id string, success bool, output string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_audit SET executed = 1, success = ?, output = ? WHERE id = ?`,
		boolToInt(success), output, id)
	if err != nil {
		return fmt.Errorf("updating audit entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking audit update: %w", err)
	}
	if affected == 0 {
		return ErrAuditEntryNotFound
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteAuditStore) Recent(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, command, type, risk, allowed, permission, reason, executed, success, output
		FROM command_audit ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// Query returns entries matching the filter, newest first.
func (s *SQLiteAuditStore) Query(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	query := `
		SELECT id, timestamp, user_id, command, type, risk, allowed, permission, reason, executed, success, output
		FROM command_audit WHERE 1=1`
	var args []interface{}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UnixMilli())
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]AuditLogEntry, error) {
	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		var ts int64
		var typ, risk string
		var allowed, executed, success int
		if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.Command, &typ, &risk,
			&allowed, &e.Permission, &e.Reason, &executed, &success, &e.Output); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Type = CommandType(typ)
		e.Risk = ParseRiskLevel(risk)
		e.Allowed = allowed == 1
		e.Executed = executed == 1
		e.Success = success == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
