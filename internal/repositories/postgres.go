package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements [Store] using PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to cfg.DSN and applies the pending migrations.
func NewPostgresStore(ctx context.Context, cfg shared.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := shared.NewMigrator(shared.DialectPostgres, pgxMigrationDB{pool}).Up(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) LoadLedger(ctx context.Context, entity, scope string) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity, external_id, scope_key, version_token, last_synced_at
		FROM ledger
		WHERE entity = $1 AND scope_key = $2
		ORDER BY external_id
	`, entity, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.Entity, &e.ExternalID, &e.ScopeKey, &e.VersionToken, &e.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// childInsert returns the child row statement for policy.
func childInsert(policy models.ChildPolicy) string {
	const insert = `INSERT INTO record_lines (entity, external_id, scope_key, seq, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	switch policy {
	case models.ChildMergeBySequence:
		return insert + ` ON CONFLICT (entity, external_id, scope_key, seq) DO UPDATE SET payload = EXCLUDED.payload`
	case models.ChildAppendOnly:
		return insert + ` ON CONFLICT (entity, external_id, scope_key, seq) DO NOTHING`
	}
	return insert
}

func (s *PostgresStore) PersistRecord(ctx context.Context, entity, scope string, rows models.Rows, policy models.ChildPolicy, syncedAt time.Time) error {
	if err := rows.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMappingFailed, err)
	}
	if !policy.Valid() {
		return fmt.Errorf("%w: unknown child policy %q", shared.ErrInvalidInput, policy)
	}

	header, err := json.Marshal(rows.Header.Fields)
	if err != nil {
		return fmt.Errorf("%w: header: %v", shared.ErrMappingFailed, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id := rows.Header.ExternalID
	if _, err := tx.Exec(ctx, `
		INSERT INTO records (entity, external_id, scope_key, display_number, version_token, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (entity, external_id, scope_key)
		DO UPDATE SET
			display_number = EXCLUDED.display_number,
			version_token = EXCLUDED.version_token,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, entity, id, scope, rows.Header.DisplayNumber, rows.Header.VersionToken, header, syncedAt); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if policy == models.ChildReplaceAll {
		if _, err := tx.Exec(ctx, `DELETE FROM record_lines WHERE entity = $1 AND external_id = $2 AND scope_key = $3`, entity, id, scope); err != nil {
			return fmt.Errorf("failed to delete child rows: %w", err)
		}
	}

	insert := childInsert(policy)
	for _, child := range rows.Children {
		payload, err := json.Marshal(child.Fields)
		if err != nil {
			return fmt.Errorf("%w: child %d: %v", shared.ErrMappingFailed, child.Sequence, err)
		}
		if _, err := tx.Exec(ctx, insert, entity, id, scope, child.Sequence, payload, syncedAt); err != nil {
			return fmt.Errorf("failed to write child row %d: %w", child.Sequence, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger (entity, external_id, scope_key, version_token, last_synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity, external_id, scope_key)
		DO UPDATE SET version_token = EXCLUDED.version_token, last_synced_at = EXCLUDED.last_synced_at
	`, entity, id, scope, rows.Header.VersionToken, syncedAt); err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, entity, scope string, externalID int64) (*StoredRecord, error) {
	var (
		rec     StoredRecord
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT entity, external_id, scope_key, display_number, version_token, payload, updated_at
		FROM records
		WHERE entity = $1 AND scope_key = $2 AND external_id = $3
	`, entity, scope, externalID).Scan(&rec.Entity, &rec.ExternalID, &rec.ScopeKey, &rec.DisplayNumber, &rec.VersionToken, &payload, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%d", shared.ErrRecordNotFound, entity, scope, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record payload: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, payload FROM record_lines
		WHERE entity = $1 AND scope_key = $2 AND external_id = $3
		ORDER BY seq
	`, entity, scope, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			child models.ChildRow
			raw   []byte
		)
		if err := rows.Scan(&child.Sequence, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan child row: %w", err)
		}
		if err := json.Unmarshal(raw, &child.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode child row %d: %w", child.Sequence, err)
		}
		rec.Children = append(rec.Children, child)
	}
	return &rec, rows.Err()
}

func (s *PostgresStore) RecordRun(ctx context.Context, report models.SyncReport) error {
	run := models.NewSyncRun(report)
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	report = run.Report()

	samples, err := json.Marshal(report.FailedSamples)
	if err != nil {
		return fmt.Errorf("failed to encode failed samples: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_runs (
			id, entity, scope_key, mode, status, scanned, new_count,
			updated_count, unchanged_count, synced, failed, failed_samples,
			error, duration_ms, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		report.RunID, report.Entity, report.Scope, string(report.Mode), string(report.Status),
		report.Scanned, report.New, report.Updated, report.Unchanged, report.Synced, report.Failed,
		samples, report.Error, report.DurationMs, report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

// runQuery builds the run history query with numbered placeholders.
func runQuery(filter RunFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" = $"+strconv.Itoa(len(args)))
	}

	if filter.Entity != "" {
		add("entity", filter.Entity)
	}
	if filter.Scope != "" {
		add("scope_key", filter.Scope)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `
		SELECT id, entity, scope_key, mode, status, scanned, new_count,
			updated_count, unchanged_count, synced, failed, failed_samples,
			error, duration_ms, started_at, finished_at
		FROM sync_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	return query, args
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.SyncReport, error) {
	query, args := runQuery(filter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var reports []models.SyncReport
	for rows.Next() {
		var (
			r       models.SyncReport
			mode    string
			status  string
			samples []byte
		)
		if err := rows.Scan(&r.RunID, &r.Entity, &r.Scope, &mode, &status, &r.Scanned, &r.New,
			&r.Updated, &r.Unchanged, &r.Synced, &r.Failed, &samples,
			&r.Error, &r.DurationMs, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		r.Mode = models.Mode(mode)
		r.Status = models.RunStatus(status)
		if err := json.Unmarshal(samples, &r.FailedSamples); err != nil {
			return nil, fmt.Errorf("failed to decode failed samples: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ shared.MigrationDB = pgxMigrationDB{}

// pgxMigrationDB runs the shared migrator on a pgx pool.
type pgxMigrationDB struct {
	pool *pgxpool.Pool
}

func (d pgxMigrationDB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := d.pool.Exec(ctx, query, args...)
	return err
}

func (d pgxMigrationDB) QueryInt(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := d.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (d pgxMigrationDB) Begin(ctx context.Context) (shared.MigrationTx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxMigrationTx{tx}, nil
}

type pgxMigrationTx struct {
	tx pgx.Tx
}

func (t pgxMigrationTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}

func (t pgxMigrationTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }
func (t pgxMigrationTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
