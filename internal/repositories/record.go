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

// RecordRepository persists records and their child rows keyed by (entity, external_id, scope_key[, seq]).
type RecordRepository struct {
	db     *sql.DB
	ledger *LedgerRepository
}

// NewRecordRepository creates a new RecordRepository writing ledger entries through ledger.
func NewRecordRepository(db *sql.DB, ledger *LedgerRepository) *RecordRepository {
	return &RecordRepository{db: db, ledger: ledger}
}

// Persist upserts the header, applies the child policy and advances the ledger, all in one transaction.
//
// Conflicts overwrite mutable columns only; the natural key and created_at stay untouched.
func (r *RecordRepository) Persist(ctx context.Context, entity, scope string, rows models.Rows, policy models.ChildPolicy, syncedAt time.Time) error {
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := rows.Header.ExternalID
	query := `
		INSERT INTO records (entity, external_id, scope_key, display_number, version_token, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, external_id, scope_key)
		DO UPDATE SET
			display_number = excluded.display_number,
			version_token = excluded.version_token,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, entity, id, scope, rows.Header.DisplayNumber, rows.Header.VersionToken, string(header), syncedAt, syncedAt); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if err := r.applyChildren(ctx, tx, entity, scope, id, rows.Children, policy, syncedAt); err != nil {
		return err
	}

	if err := r.ledger.upsertTx(ctx, tx, entity, scope, id, rows.Header.VersionToken, syncedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func (r *RecordRepository) applyChildren(ctx context.Context, tx *sql.Tx, entity, scope string, id int64, children []models.ChildRow, policy models.ChildPolicy, at time.Time) error {
	var insert string
	switch policy {
	case models.ChildReplaceAll:
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM record_lines WHERE entity = ? AND external_id = ? AND scope_key = ?",
			entity, id, scope,
		); err != nil {
			return fmt.Errorf("failed to delete child rows: %w", err)
		}
		insert = `INSERT INTO record_lines (entity, external_id, scope_key, seq, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	case models.ChildMergeBySequence:
		insert = `
			INSERT INTO record_lines (entity, external_id, scope_key, seq, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity, external_id, scope_key, seq) DO UPDATE SET payload = excluded.payload
		`
	case models.ChildAppendOnly:
		insert = `
			INSERT INTO record_lines (entity, external_id, scope_key, seq, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity, external_id, scope_key, seq) DO NOTHING
		`
	}

	for _, child := range children {
		payload, err := json.Marshal(child.Fields)
		if err != nil {
			return fmt.Errorf("%w: child %d: %v", shared.ErrMappingFailed, child.Sequence, err)
		}
		if _, err := tx.ExecContext(ctx, insert, entity, id, scope, child.Sequence, string(payload), at); err != nil {
			return fmt.Errorf("failed to write child row %d: %w", child.Sequence, err)
		}
	}
	return nil
}

// Get retrieves a record and its children ordered by sequence.
func (r *RecordRepository) Get(ctx context.Context, entity, scope string, externalID int64) (*StoredRecord, error) {
	query := `
		SELECT entity, external_id, scope_key, display_number, version_token, payload, updated_at
		FROM records
		WHERE entity = ? AND scope_key = ? AND external_id = ?
	`

	rec, err := r.scanOne(r.db.QueryRowContext(ctx, query, entity, scope, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%d", shared.ErrRecordNotFound, entity, scope, externalID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, payload FROM record_lines
		WHERE entity = ? AND scope_key = ? AND external_id = ?
		ORDER BY seq
	`, entity, scope, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			child   models.ChildRow
			payload string
		)
		if err := rows.Scan(&child.Sequence, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan child row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &child.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode child row %d: %w", child.Sequence, err)
		}
		rec.Children = append(rec.Children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return rec, nil
}

// Count returns the number of stored records of entity in scope.
func (r *RecordRepository) Count(ctx context.Context, entity, scope string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE entity = ? AND scope_key = ?", entity, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// scanOne scans a single [sql.Row] into a [StoredRecord]
func (r *RecordRepository) scanOne(row *sql.Row) (*StoredRecord, error) {
	var (
		rec     StoredRecord
		payload string
	)
	if err := row.Scan(&rec.Entity, &rec.ExternalID, &rec.ScopeKey, &rec.DisplayNumber, &rec.VersionToken, &payload, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record payload: %w", err)
	}
	return &rec, nil
}
