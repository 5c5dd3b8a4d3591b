// Package audit persists the audit journal of model rounds, tool
// invocations, discoveries and run outcomes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

// SQLiteLogger implements domain.AuditLogger on a SQLite database.
type SQLiteLogger struct {
	db        *sql.DB
	closeOnce sync.Once
}

// NewSQLiteLogger opens (or creates) the journal at path and runs the
// schema migration. The parent directory is created with 0700.
func NewSQLiteLogger(path string) (*SQLiteLogger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &SQLiteLogger{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         INTEGER NOT NULL,
			type       TEXT NOT NULL,
			run_id     TEXT NOT NULL DEFAULT '',
			iteration  INTEGER NOT NULL DEFAULT 0,
			outcome    TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
	`)
	return err
}

// Log writes one event. Active spans also get the event attached.
func (l *SQLiteLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return domain.NewDomainError("SQLiteLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	_, err = l.db.ExecContext(ctx,
		"INSERT INTO audit_events (ts, type, run_id, iteration, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)",
		event.Timestamp.UnixNano(), string(event.Type), event.RunID, event.Iteration, event.Outcome, string(detail),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		attrs = append(attrs, tracer.StringAttr("audit.run_id", event.RunID))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	RunID string
	Type  domain.AuditEventType
	Since time.Time
	Limit int
}

// Query returns matching events oldest first.
func (l *SQLiteLogger) Query(ctx context.Context, f Filter) ([]domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}

	q := "SELECT ts, type, run_id, iteration, outcome, detail FROM audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			ts     int64
			typ    string
			detail string
			ev     domain.AuditEvent
		)
		if err := rows.Scan(&ts, &typ, &ev.RunID, &ev.Iteration, &ev.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Type = domain.AuditEventType(typ)
		if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than maxAge and reports how many went.
// A non-positive maxAge keeps everything.
func (l *SQLiteLogger) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database. It is safe to call more than once.
func (l *SQLiteLogger) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.db.Close() })
	return err
}

var _ domain.AuditLogger = (*SQLiteLogger)(nil)
