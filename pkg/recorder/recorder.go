// Package recorder persists finished run transcripts to SQLite.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/agentloop/pkg/runtime"
)

// SQLiteRecorder implements runtime.Recorder on a local SQLite file.
type SQLiteRecorder struct {
	db     *sql.DB
	insert *sql.Stmt
	logger zerolog.Logger
}

// Config configures a SQLiteRecorder.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// New opens (or creates) the database and prepares the insert.
func New(cfg Config) (*SQLiteRecorder, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	insert, err := db.Prepare(`
		INSERT INTO runs (id, client, provider, model, status, output, usage, iterations, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	return &SQLiteRecorder{
		db:     db,
		insert: insert,
		logger: cfg.Logger.With().Str("component", "recorder").Logger(),
	}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			client TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT,
			status TEXT NOT NULL,
			output TEXT,
			usage TEXT,
			iterations INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_client ON runs(client);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordRun implements runtime.Recorder.
func (r *SQLiteRecorder) RecordRun(ctx context.Context, rec runtime.RunRecord) error {
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	_, err = r.insert.ExecContext(ctx,
		rec.ID,
		rec.Client,
		rec.Provider,
		rec.Model,
		rec.Status,
		rec.Output,
		string(usage),
		rec.Iterations,
		rec.StartedAt.UnixMilli(),
		rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	r.logger.Debug().
		Str("run_id", rec.ID).
		Str("status", rec.Status).
		Msg("Run recorded")
	return nil
}

// Runs returns the most recent runs, newest first. An empty client
// matches all clients.
func (r *SQLiteRecorder) Runs(ctx context.Context, client string, limit int) ([]runtime.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, client, provider, model, status, output, usage, iterations, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`
	args := []interface{}{limit}
	if client != "" {
		query = `
			SELECT id, client, provider, model, status, output, usage, iterations, started_at, finished_at
			FROM runs WHERE client = ? ORDER BY started_at DESC LIMIT ?
		`
		args = []interface{}{client, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []runtime.RunRecord
	for rows.Next() {
		var (
			rec        runtime.RunRecord
			usage      string
			startedMs  int64
			finishedMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.Client, &rec.Provider, &rec.Model, &rec.Status,
			&rec.Output, &usage, &rec.Iterations, &startedMs, &finishedMs); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if usage != "" && usage != "null" {
			if err := json.Unmarshal([]byte(usage), &rec.Usage); err != nil {
				r.logger.Warn().Err(err).Str("run_id", rec.ID).Msg("Corrupt usage payload")
			}
		}
		rec.StartedAt = msToTime(startedMs)
		rec.FinishedAt = msToTime(finishedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Close releases the prepared statement and the database handle.
func (r *SQLiteRecorder) Close() error {
	if err := r.insert.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}
