// Package postgres persists stage runs in Postgres via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/store"
)

// Schema creates the tables used by RunStore.
const Schema = `
CREATE TABLE IF NOT EXISTS stage_runs (
	id            uuid PRIMARY KEY,
	stage         text        NOT NULL,
	status        text        NOT NULL,
	progress      integer     NOT NULL DEFAULT 0,
	notebook      text        NOT NULL DEFAULT '',
	error_message text        NOT NULL DEFAULT '',
	queued_at     timestamptz NOT NULL,
	started_at    timestamptz,
	finished_at   timestamptz,
	updated_at    timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS stage_runs_stage_updated_idx ON stage_runs (stage, updated_at DESC);
CREATE TABLE IF NOT EXISTS stage_run_notebooks (
	run_id        uuid        NOT NULL REFERENCES stage_runs (id) ON DELETE CASCADE,
	idx           integer     NOT NULL,
	name          text        NOT NULL,
	status        text        NOT NULL,
	duration_ms   bigint      NOT NULL,
	artifact_uri  text        NOT NULL DEFAULT '',
	digest        text        NOT NULL DEFAULT '',
	error_message text        NOT NULL DEFAULT '',
	finished_at   timestamptz NOT NULL,
	PRIMARY KEY (run_id, idx)
);
ALTER TABLE stage_run_notebooks ADD COLUMN IF NOT EXISTS digest text NOT NULL DEFAULT '';`

const runColumns = `id, stage, status, progress, notebook, error_message, queued_at, started_at, finished_at`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// AbandonedMessage is the error recorded on runs left unfinished by a
// previous process.
const AbandonedMessage = "process restarted before the run finished"

// RunStore implements store.RunRepository on the stage_runs table. The stage
// progress table is derived from the most recently updated run started by
// this process, so it reads 0 again after a restart.
type RunStore struct {
	pool  pool
	since time.Time
}

// NewRunStore connects a pgx pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p, since: time.Now().UTC()}, nil
}

// NewRunStoreWithPool wraps an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p, since: time.Now().UTC()}, nil
}

// AbandonRuns marks every queued or running row as failed. The queue holding
// them lived in a previous process, so no worker will ever finish them.
func (s *RunStore) AbandonRuns(ctx context.Context, at time.Time) (int64, error) {
	query := `
		UPDATE stage_runs
		SET status = $1, progress = $2, error_message = $3, finished_at = $4, updated_at = $4
		WHERE status IN ($5, $6);
	`
	tag, err := s.pool.Exec(ctx, query,
		string(pipeline.RunError),
		pipeline.ProgressFailed,
		AbandonedMessage,
		at,
		string(pipeline.RunQueued),
		string(pipeline.RunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("abandon runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Migrate creates the schema when missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate stage_runs: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// CreateRun inserts a queued run.
func (s *RunStore) CreateRun(ctx context.Context, run store.StageRun) error {
	status := run.Status
	if status == "" {
		status = pipeline.RunQueued
	}
	query := `
		INSERT INTO stage_runs (id, stage, status, progress, queued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, query, run.ID, string(run.Stage), string(status), run.Progress, run.QueuedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert run %s: %w", run.ID, store.ErrConflict)
	}
	return nil
}

// StartRun marks the run running with progress 0.
func (s *RunStore) StartRun(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE stage_runs
		SET status = $1, progress = 0, started_at = $2, updated_at = $2
		WHERE id = $3;
	`
	return s.update(ctx, "start run", id, query, string(pipeline.RunRunning), at, id)
}

// UpdateProgress overwrites the run's progress and current notebook.
func (s *RunStore) UpdateProgress(ctx context.Context, id string, notebook string, progress int, at time.Time) error {
	query := `
		UPDATE stage_runs
		SET progress = $1, notebook = CASE WHEN $2 = '' THEN notebook ELSE $2 END, updated_at = $3
		WHERE id = $4;
	`
	return s.update(ctx, "update progress", id, query, progress, notebook, at, id)
}

// RecordNotebook upserts a notebook outcome row.
func (s *RunStore) RecordNotebook(ctx context.Context, id string, nb store.NotebookRun) error {
	query := `
		INSERT INTO stage_run_notebooks (run_id, idx, name, status, duration_ms, artifact_uri, digest, error_message, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, idx) DO UPDATE
		SET status = EXCLUDED.status, duration_ms = EXCLUDED.duration_ms,
			artifact_uri = EXCLUDED.artifact_uri, digest = EXCLUDED.digest,
			error_message = EXCLUDED.error_message, finished_at = EXCLUDED.finished_at;
	`
	_, err := s.pool.Exec(ctx, query,
		id,
		nb.Index,
		nb.Name,
		string(nb.Status),
		nb.Duration.Milliseconds(),
		nb.ArtifactURI,
		nb.Digest,
		nb.Error,
		nb.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record notebook: %w", err)
	}
	return nil
}

// CompleteRun stores the terminal status and the settled progress value.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	id string,
	status pipeline.RunStatus,
	errMsg string,
	at time.Time,
) error {
	query := `
		UPDATE stage_runs
		SET status = $1, progress = $2, error_message = $3, finished_at = $4, updated_at = $4
		WHERE id = $5;
	`
	return s.update(ctx, "complete run", id, query, string(status), store.SettledProgress(status), errMsg, at, id)
}

// DeleteRun removes a run and its notebook rows.
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	return s.update(ctx, "delete run", id, `DELETE FROM stage_runs WHERE id = $1;`, id)
}

func (s *RunStore) update(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, store.ErrNotFound)
	}
	return nil
}

// GetRun loads one run and its notebook outcomes.
func (s *RunStore) GetRun(ctx context.Context, id string) (store.StageRun, error) {
	query := `SELECT ` + runColumns + ` FROM stage_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.StageRun{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
		}
		return store.StageRun{}, fmt.Errorf("get run: %w", err)
	}
	notebooks, err := s.listNotebooks(ctx, id)
	if err != nil {
		return store.StageRun{}, err
	}
	run.Notebooks = notebooks
	return run, nil
}

func (s *RunStore) listNotebooks(ctx context.Context, id string) ([]store.NotebookRun, error) {
	query := `
		SELECT idx, name, status, duration_ms, artifact_uri, digest, error_message, finished_at
		FROM stage_run_notebooks
		WHERE run_id = $1
		ORDER BY idx;
	`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	defer rows.Close()

	var out []store.NotebookRun
	for rows.Next() {
		var (
			nb         store.NotebookRun
			status     string
			durationMS int64
		)
		if err := rows.Scan(
			&nb.Index,
			&nb.Name,
			&status,
			&durationMS,
			&nb.ArtifactURI,
			&nb.Digest,
			&nb.Error,
			&nb.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notebook row: %w", err)
		}
		nb.Status = pipeline.RunStatus(status)
		nb.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, nb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notebook rows: %w", err)
	}
	return out, nil
}

// ListRuns returns runs newest first. Notebook outcomes are not loaded.
func (s *RunStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.StageRun, error) {
	filter = filter.Normalize()
	query := `
		SELECT ` + runColumns + `
		FROM stage_runs
		WHERE ($1 = '' OR stage = $1) AND ($2 = '' OR status = $2)
		ORDER BY queued_at DESC, id DESC
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.pool.Query(ctx, query, string(filter.Stage), string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.StageRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// StageProgress reads the latest progress written for stage, 0 when no run
// of the stage has started since the store was opened.
func (s *RunStore) StageProgress(ctx context.Context, stage pipeline.Stage) (int, error) {
	query := `
		SELECT progress
		FROM stage_runs
		WHERE stage = $1 AND started_at >= $2
		ORDER BY updated_at DESC
		LIMIT 1;
	`
	var progress int
	if err := s.pool.QueryRow(ctx, query, string(stage), s.since).Scan(&progress); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.ProgressIdle, nil
		}
		return 0, fmt.Errorf("stage progress: %w", err)
	}
	return progress, nil
}

func scanRun(row pgx.Row) (store.StageRun, error) {
	var (
		run           store.StageRun
		stage, status string
	)
	if err := row.Scan(
		&run.ID,
		&stage,
		&status,
		&run.Progress,
		&run.Notebook,
		&run.Error,
		&run.QueuedAt,
		&run.StartedAt,
		&run.FinishedAt,
	); err != nil {
		return store.StageRun{}, err
	}
	run.Stage = pipeline.Stage(stage)
	run.Status = pipeline.RunStatus(status)
	return run, nil
}
