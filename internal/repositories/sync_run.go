package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// SyncRunRepository stores finished sync reports.
//
// Runs are append-only; every run gets a sequence number for stable ordering.
type SyncRunRepository struct {
	db *sql.DB
}

// NewSyncRunRepository creates a new SyncRunRepository with the given database connection
func NewSyncRunRepository(db *sql.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Create inserts a finished run and assigns its sequence.
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(r.db, "sync_runs")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}
	run.SetSequence(sequence)

	report := run.Report()
	samples, err := json.Marshal(report.FailedSamples)
	if err != nil {
		return fmt.Errorf("failed to encode failed samples: %w", err)
	}

	query := `
		INSERT INTO sync_runs (
			id, sequence, entity, scope_key, mode, status, scanned, new_count,
			updated_count, unchanged_count, synced, failed, failed_samples,
			error, duration_ms, started_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		report.RunID,
		sequence,
		report.Entity,
		report.Scope,
		string(report.Mode),
		string(report.Status),
		report.Scanned,
		report.New,
		report.Updated,
		report.Unchanged,
		report.Synced,
		report.Failed,
		string(samples),
		report.Error,
		report.DurationMs,
		report.StartedAt,
		report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	return nil
}

const selectSyncRun = `
	SELECT
		id, sequence, entity, scope_key, mode, status, scanned, new_count,
		updated_count, unchanged_count, synced, failed, failed_samples,
		error, duration_ms, started_at, finished_at
	FROM sync_runs
`

// Get retrieves a run by ID
func (r *SyncRunRepository) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	run, err := r.scan(r.db.QueryRowContext(ctx, selectSyncRun+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrRunNotFound, id)
	}
	return run, err
}

// List retrieves runs matching filter, newest first.
func (r *SyncRunRepository) List(ctx context.Context, filter RunFilter) ([]*models.SyncRun, error) {
	query := selectSyncRun + " WHERE 1 = 1"
	args := []any{}

	if filter.Entity != "" {
		query += " AND entity = ?"
		args = append(args, filter.Entity)
	}

	if filter.Scope != "" {
		query += " AND scope_key = ?"
		args = append(args, filter.Scope)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY sequence DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scan reads one sync_runs row from a [sql.Row] or [sql.Rows]
func (r *SyncRunRepository) scan(s scanner) (*models.SyncRun, error) {
	var (
		report     models.SyncReport
		sequence   int
		mode       string
		status     string
		samples    string
		startedAt  time.Time
		finishedAt time.Time
	)

	err := s.Scan(
		&report.RunID,
		&sequence,
		&report.Entity,
		&report.Scope,
		&mode,
		&status,
		&report.Scanned,
		&report.New,
		&report.Updated,
		&report.Unchanged,
		&report.Synced,
		&report.Failed,
		&samples,
		&report.Error,
		&report.DurationMs,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}

	report.Mode = models.Mode(mode)
	report.Status = models.RunStatus(status)
	report.StartedAt = startedAt
	report.FinishedAt = finishedAt
	if err := json.Unmarshal([]byte(samples), &report.FailedSamples); err != nil {
		return nil, fmt.Errorf("failed to decode failed samples: %w", err)
	}

	return models.LoadSyncRun(report, sequence), nil
}
