package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/model"
)

// SQLite is an embedded single-file store. Writes are serialized on one
// connection.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and pings it.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite %s: %w", path, err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// DB returns the underlying handle.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// RunMigrations applies the files in migrationsFS that have not run yet.
func (s *SQLite) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("storage: scan applied migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	return runMigrations(ctx, migrationsFS, applied, func(ctx context.Context, name, content string) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, content); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			return err
		}
		return tx.Commit()
	}, s.logger)
}

// Append inserts one decision record.
func (s *SQLite) Append(ctx context.Context, rec model.DecisionRecord) error {
	alts, meta, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_records (
		     id, sequence, recorded_at, trace_id, decision_type,
		     target, reason, alternatives, metadata, prev_hash, hash
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Sequence, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.TraceID, string(rec.DecisionType), rec.Target, rec.Reason,
		string(alts), string(meta), rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("storage: insert decision record: %w", err)
	}
	return nil
}

// Query returns the records of traceID in sequence order.
func (s *SQLite) Query(ctx context.Context, traceID string) ([]model.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, recorded_at, trace_id, decision_type,
		        target, reason, alternatives, metadata, prev_hash, hash
		 FROM decision_records
		 WHERE trace_id = ?
		 ORDER BY sequence`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: query decision records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DecisionRecord
	for rows.Next() {
		var (
			rec            model.DecisionRecord
			id, ts, dt     string
			alts, metadata string
		)
		if err := rows.Scan(&id, &rec.Sequence, &ts, &rec.TraceID, &dt,
			&rec.Target, &rec.Reason, &alts, &metadata, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("storage: scan decision record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse record id %q: %w", id, err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("storage: parse record time %q: %w", ts, err)
		}
		rec.DecisionType = model.DecisionType(dt)
		if err := decodeRecordJSON(&rec, []byte(alts), []byte(metadata)); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate decision records: %w", err)
	}
	return out, nil
}

// MaxSequence returns the highest stored sequence, or 0.
func (s *SQLite) MaxSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM decision_records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("storage: max sequence: %w", err)
	}
	return seq, nil
}

// Save replaces the checkpoint of runID.
func (s *SQLite) Save(ctx context.Context, runID string, p *model.PartialResult) error {
	row, err := encodeCheckpoint(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, trace_id, completion_ratio, failure_mode, partial, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		     trace_id = excluded.trace_id,
		     completion_ratio = excluded.completion_ratio,
		     failure_mode = excluded.failure_mode,
		     partial = excluded.partial,
		     updated_at = excluded.updated_at`,
		runID, row.traceID, row.ratio, row.mode, string(row.partial),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: save checkpoint %s: %w", runID, err)
	}
	return nil
}

// Load returns the checkpoint of runID. A missing run matches both
// ErrNotFound and executor.ErrCheckpointNotFound.
func (s *SQLite) Load(ctx context.Context, runID string) (*model.PartialResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT partial FROM checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: checkpoint %s: %w: %w", runID, ErrNotFound, executor.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load checkpoint %s: %w", runID, err)
	}
	return decodeCheckpoint([]byte(data))
}
