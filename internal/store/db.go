// Package store persists jobs, findings, schedules, network logs and
// activity records in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// DB wraps the SQLite handle shared by all stores. A single connection keeps
// SQLite writes serialised; WAL keeps readers unblocked.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?%s", path, url.Values{
		"_pragma": []string{
			"busy_timeout(10000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"cache_size(-20000)",
			"foreign_keys(ON)",
		},
	}.Encode())

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under concurrent workers.
	handle.SetMaxOpenConns(1)

	db := &DB{sql: handle, path: path}
	if err := db.initSchema(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Database opened")
	return db, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Path returns the on-disk location of the database file.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			progress INTEGER NOT NULL DEFAULT 0,
			config TEXT,
			metadata TEXT,
			error TEXT,
			execution_logs TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_capability ON jobs(status, capability)`,

		`CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			title TEXT NOT NULL,
			description TEXT,
			evidence TEXT,
			affected_assets TEXT,
			recommendations TEXT,
			risk_score REAL NOT NULL DEFAULT 0,
			target TEXT NOT NULL,
			job_id TEXT,
			discovered_at DATETIME NOT NULL,
			resolved_at DATETIME,
			resolved_by TEXT,
			UNIQUE(tenant_id, identity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_tenant_status ON findings(tenant_id, status, risk_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_job ON findings(job_id)`,

		`CREATE TABLE IF NOT EXISTS positive_indicators (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			indicator_type TEXT NOT NULL,
			category TEXT NOT NULL,
			points_awarded INTEGER NOT NULL DEFAULT 0,
			description TEXT,
			evidence TEXT,
			target TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_tenant_created ON positive_indicators(tenant_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS posture_scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			score REAL NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posture_tenant_cap ON posture_scores(tenant_id, capability, recorded_at DESC)`,

		`CREATE TABLE IF NOT EXISTS scheduled_searches (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			capabilities TEXT NOT NULL,
			target TEXT NOT NULL,
			config TEXT,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			run_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(tenant_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_searches_enabled ON scheduled_searches(enabled, next_run_at)`,

		`CREATE TABLE IF NOT EXISTS company_profiles (
			tenant_id TEXT PRIMARY KEY,
			company_name TEXT NOT NULL,
			primary_domain TEXT NOT NULL,
			industry TEXT,
			automation TEXT,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS network_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT,
			timestamp DATETIME NOT NULL,
			ip TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			query TEXT,
			status INTEGER NOT NULL,
			response_time_ms REAL NOT NULL,
			request_headers TEXT,
			response_headers TEXT,
			request_body TEXT,
			response_body TEXT,
			body_truncated INTEGER NOT NULL DEFAULT 0,
			tunnel_detection TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_netlogs_tenant_ts ON network_logs(tenant_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_netlogs_ip_ts ON network_logs(ip, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_netlogs_path_ts ON network_logs(path, timestamp)`,

		`CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_tenant_created ON activity_log(tenant_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// encodeJSON marshals v into a nullable TEXT column value. Nil maps and empty
// documents store as NULL.
func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case models.JSONMap:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []models.ExecutionLogEntry:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []models.Capability:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// decodeJSON unmarshals a nullable TEXT column into dst; NULL leaves dst alone.
func decodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringOf(col sql.NullString) string {
	if !col.Valid {
		return ""
	}
	return col.String
}

// execContext is a small helper so stores share consistent error wrapping.
func (d *DB) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, query, args...)
}

func (d *DB) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

func (d *DB) queryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

func (d *DB) beginTx(ctx context.Context) (*sql.Tx, error) {
	return d.sql.BeginTx(ctx, nil)
}
