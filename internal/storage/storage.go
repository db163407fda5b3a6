package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"metadump/internal/config"
	"metadump/pkg/types"
)

// SQLWriter mirrors dump records into a relational database.
type SQLWriter struct {
	db     *sql.DB
	driver string
}

// NewSQLWriter opens and pings the configured database, creating the schema when
// auto_migrate is set.
func NewSQLWriter(ctx context.Context, cfg config.StoreConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("store config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		_ = db.Close()
		if err := createDatabase(pingCtx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	if cfg.Driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY; in-memory databases also live per connection.
		db.SetMaxOpenConns(1)
	}

	writer := &SQLWriter{db: db, driver: cfg.Driver}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// BeginRun registers a new dump run.
func (s *SQLWriter) BeginRun(ctx context.Context, runID, baseURL string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO metadata_runs (run_id, base_url, started_at) VALUES (?, ?, ?)`),
		runID, baseURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of a run.
func (s *SQLWriter) FinishRun(ctx context.Context, runID string, stats types.WalkStats, walkErr error) error {
	status := "complete"
	if walkErr != nil {
		status = "interrupted"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
        UPDATE metadata_runs SET
            finished_at = ?,
            status = ?,
            directories = ?,
            files = ?,
            failures = ?
        WHERE run_id = ?`),
		time.Now().UTC(), status, stats.Directories, stats.Files, stats.Failures, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// SaveRecord inserts one record of a run.
func (s *SQLWriter) SaveRecord(ctx context.Context, runID string, rec types.Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
        INSERT INTO metadata_records (run_id, seq, kind, path, value, failed, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`),
		runID, rec.Seq, string(rec.Kind), rec.Path, rec.Value, rec.Failed, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListRecords returns the records of a run in emission order.
func (s *SQLWriter) ListRecords(ctx context.Context, runID string) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
        SELECT seq, kind, path, value, failed, recorded_at
        FROM metadata_records
        WHERE run_id = ?
        ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var (
			rec  types.Record
			kind string
		)
		if err := rows.Scan(&rec.Seq, &kind, &rec.Path, &rec.Value, &rec.Failed, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = types.RecordKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Recorder returns a sink that writes records under runID.
func (s *SQLWriter) Recorder(runID string) *RunRecorder {
	return &RunRecorder{writer: s, runID: runID}
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunRecorder adapts a SQLWriter to the sink contract for a single run.
type RunRecorder struct {
	writer *SQLWriter
	runID  string
}

func (r *RunRecorder) Emit(ctx context.Context, rec types.Record) error {
	return r.writer.SaveRecord(ctx, r.runID, rec)
}

// Close is a no-op; the SQLWriter owns the connection.
func (r *RunRecorder) Close() error {
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLWriter) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	timestamp := "TIMESTAMP"
	if s.driver == "postgres" {
		timestamp = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata_runs (
		    run_id TEXT PRIMARY KEY,
		    base_url TEXT NOT NULL,
		    started_at ` + timestamp + ` NOT NULL,
		    finished_at ` + timestamp + `,
		    status TEXT NOT NULL DEFAULT 'running',
		    directories INTEGER NOT NULL DEFAULT 0,
		    files INTEGER NOT NULL DEFAULT 0,
		    failures INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_records (
		    run_id TEXT NOT NULL,
		    seq BIGINT NOT NULL,
		    kind TEXT NOT NULL,
		    path TEXT NOT NULL,
		    value TEXT NOT NULL,
		    failed BOOLEAN NOT NULL,
		    recorded_at ` + timestamp + ` NOT NULL,
		    PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_records_path ON metadata_records (path)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.StoreConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}
