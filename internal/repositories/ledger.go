package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// LedgerRepository reads and writes the version ledger.
//
// Entries are only written inside a record transaction, see [RecordRepository.Persist].
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository creates a new LedgerRepository with the given database connection
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Load returns the ledger projection of entity in scope without touching record payloads.
func (r *LedgerRepository) Load(ctx context.Context, entity, scope string) ([]models.LedgerEntry, error) {
	query := `
		SELECT entity, external_id, scope_key, version_token, last_synced_at
		FROM ledger
		WHERE entity = ? AND scope_key = ?
		ORDER BY external_id
	`

	rows, err := r.db.QueryContext(ctx, query, entity, scope)
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

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}

// Get returns one ledger entry.
func (r *LedgerRepository) Get(ctx context.Context, entity, scope string, externalID int64) (*models.LedgerEntry, error) {
	query := `
		SELECT entity, external_id, scope_key, version_token, last_synced_at
		FROM ledger
		WHERE entity = ? AND scope_key = ? AND external_id = ?
	`

	var e models.LedgerEntry
	err := r.db.QueryRowContext(ctx, query, entity, scope, externalID).
		Scan(&e.Entity, &e.ExternalID, &e.ScopeKey, &e.VersionToken, &e.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ledger %s/%s/%d", shared.ErrRecordNotFound, entity, scope, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &e, nil
}

// upsertTx writes the ledger entry as part of tx.
func (r *LedgerRepository) upsertTx(ctx context.Context, tx *sql.Tx, entity, scope string, externalID, version int64, at time.Time) error {
	query := `
		INSERT INTO ledger (entity, external_id, scope_key, version_token, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity, external_id, scope_key)
		DO UPDATE SET version_token = excluded.version_token, last_synced_at = excluded.last_synced_at
	`

	if _, err := tx.ExecContext(ctx, query, entity, externalID, scope, version, at); err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}
