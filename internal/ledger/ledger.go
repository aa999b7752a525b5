// SPDX-License-Identifier: MIT

// Package ledger records one row per emitted segment outcome in a local
// sqlite database, the queryable counterpart to the fragment journal. Writes
// are best-effort; ledger failures never propagate into the pipeline.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go driver

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id TEXT NOT NULL,
	batch INTEGER NOT NULL,
	kind TEXT NOT NULL,
	"trigger" TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	dubbed INTEGER NOT NULL DEFAULT 0,
	fallback_reason TEXT NOT NULL DEFAULT '',
	sts_latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_stream_batch ON segments(stream_id, batch);
`

// Row is one segment outcome.
type Row struct {
	StreamID       string
	Batch          int64
	Kind           string
	Trigger        string
	DurationMs     int64
	SizeBytes      int64
	Dubbed         bool
	FallbackReason string
	STSLatencyMs   int64
	CreatedAt      time.Time
}

// Summary aggregates a stream's rows for the status surface.
type Summary struct {
	Segments     int64
	Dubbed       int64
	Fallbacks    int64
	AvgLatencyMs float64
}

// Ledger is a sqlite-backed segment outcome store.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open creates or reopens the ledger at path. The pragmas ride the DSN so
// they apply to every pooled connection; the pool is pinned to one
// connection because the worker is the only writer and ":memory:" databases
// are per-connection.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger ping: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: log.WithComponent("ledger"),
		now:    time.Now,
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger migration: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	var current int
	if err := l.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the store.
func (l *Ledger) Close() error { return l.db.Close() }

// Record inserts one outcome row. Failures are logged and swallowed.
func (l *Ledger) Record(ctx context.Context, row Row) {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = l.now()
	}
	const q = `
	INSERT INTO segments (stream_id, batch, kind, "trigger", duration_ms, size_bytes, dubbed, fallback_reason, sts_latency_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, q,
		row.StreamID, row.Batch, row.Kind, row.Trigger,
		row.DurationMs, row.SizeBytes, row.Dubbed,
		row.FallbackReason, row.STSLatencyMs,
		row.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Warn().Err(err).
			Int64(log.FieldBatch, row.Batch).
			Str("kind", row.Kind).
			Msg("ledger write failed")
	}
}

// Summarize aggregates the stream's rows. Failures log and return zeroes.
func (l *Ledger) Summarize(ctx context.Context, streamID string) Summary {
	const q = `
	SELECT COUNT(*),
	       COALESCE(SUM(dubbed), 0),
	       COALESCE(SUM(CASE WHEN fallback_reason != '' THEN 1 ELSE 0 END), 0),
	       COALESCE(AVG(CASE WHEN sts_latency_ms > 0 THEN sts_latency_ms END), 0)
	FROM segments WHERE stream_id = ?
	`
	var s Summary
	err := l.db.QueryRowContext(ctx, q, streamID).Scan(
		&s.Segments, &s.Dubbed, &s.Fallbacks, &s.AvgLatencyMs,
	)
	if err != nil {
		l.logger.Warn().Err(err).Msg("ledger summary failed")
		return Summary{}
	}
	return s
}

// Verify runs a structural integrity check and returns sqlite's diagnostic
// rows, or nil when the database is healthy.
func (l *Ledger) Verify(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "PRAGMA quick_check;")
	if err != nil {
		return nil, fmt.Errorf("integrity pragma: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("scan integrity row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results from integrity check"}, nil
	}
	return results, nil
}
