// Package storage provides the relational audit backends and checkpoint
// stores: Postgres through a pgxpool connection pool, and an embedded
// SQLite database for single-node deployments.
//
// Both implement audit.Backend (append-only decision records) and
// executor.Checkpointer (one PartialResult per run, replaced on save).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/model"
)

const (
	appendRetries    = 3
	appendRetryDelay = 10 * time.Millisecond
)

// Postgres wraps a pgxpool.Pool. Safe for concurrent use.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a connection pool for dsn and pings it.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *Postgres) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *Postgres) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

// RunMigrations applies the files in migrationsFS that have not run yet.
func (db *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	return runMigrations(ctx, migrationsFS, applied, func(ctx context.Context, name, content string) error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, content); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name)
			return err
		})
	}, db.logger)
}

// Append inserts one decision record. Rows are never updated.
func (db *Postgres) Append(ctx context.Context, rec model.DecisionRecord) error {
	alts, meta, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	err = WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO decision_records (
			     id, sequence, recorded_at, trace_id, decision_type,
			     target, reason, alternatives, metadata, prev_hash, hash
			 )
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)`,
			rec.ID, rec.Sequence, rec.Timestamp, rec.TraceID, string(rec.DecisionType),
			rec.Target, rec.Reason, alts, meta, rec.PrevHash, rec.Hash,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert decision record: %w", err)
	}
	return nil
}

// Query returns the records of traceID in sequence order.
func (db *Postgres) Query(ctx context.Context, traceID string) ([]model.DecisionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, sequence, recorded_at, trace_id, decision_type,
		        target, reason, alternatives, metadata, prev_hash, hash
		 FROM decision_records
		 WHERE trace_id = $1
		 ORDER BY sequence`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: query decision records: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionRecord
	for rows.Next() {
		var (
			rec        model.DecisionRecord
			dt         string
			alts, meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Sequence, &rec.Timestamp, &rec.TraceID, &dt,
			&rec.Target, &rec.Reason, &alts, &meta, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("storage: scan decision record: %w", err)
		}
		rec.DecisionType = model.DecisionType(dt)
		rec.Timestamp = rec.Timestamp.UTC()
		if err := decodeRecordJSON(&rec, alts, meta); err != nil {
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
func (db *Postgres) MaxSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM decision_records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("storage: max sequence: %w", err)
	}
	return seq, nil
}

// Save replaces the checkpoint of runID.
func (db *Postgres) Save(ctx context.Context, runID string, p *model.PartialResult) error {
	row, err := encodeCheckpoint(p)
	if err != nil {
		return err
	}
	err = WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO checkpoints (run_id, trace_id, completion_ratio, failure_mode, partial, updated_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, now())
			 ON CONFLICT (run_id) DO UPDATE SET
			     trace_id = EXCLUDED.trace_id,
			     completion_ratio = EXCLUDED.completion_ratio,
			     failure_mode = EXCLUDED.failure_mode,
			     partial = EXCLUDED.partial,
			     updated_at = EXCLUDED.updated_at`,
			runID, row.traceID, row.ratio, row.mode, row.partial,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save checkpoint %s: %w", runID, err)
	}
	return nil
}

// Load returns the checkpoint of runID. A missing run matches both
// ErrNotFound and executor.ErrCheckpointNotFound.
func (db *Postgres) Load(ctx context.Context, runID string) (*model.PartialResult, error) {
	var data []byte
	err := db.pool.QueryRow(ctx, `SELECT partial FROM checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("storage: checkpoint %s: %w: %w", runID, ErrNotFound, executor.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load checkpoint %s: %w", runID, err)
	}
	return decodeCheckpoint(data)
}
