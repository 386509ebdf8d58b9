// package repositories provides the local relational store of the sync engine.
//
// The store keeps three things: records with their child rows, the version ledger,
// and the history of sync runs.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// Store is the persistence surface used by the engine, the CLI and the HTTP server.
type Store interface {
	// LoadLedger returns every ledger entry of entity in scope.
	LoadLedger(ctx context.Context, entity, scope string) ([]models.LedgerEntry, error)

	// PersistRecord commits one record and its children in its own transaction and
	// advances the ledger in the same transaction.
	PersistRecord(ctx context.Context, entity, scope string, rows models.Rows, policy models.ChildPolicy, syncedAt time.Time) error

	// GetRecord returns a stored record with its children.
	GetRecord(ctx context.Context, entity, scope string, externalID int64) (*StoredRecord, error)

	// RecordRun appends a finished report to the run history.
	RecordRun(ctx context.Context, report models.SyncReport) error

	// ListRuns returns the run history, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]models.SyncReport, error)

	Close() error
}

// StoredRecord is a record read back from the store.
type StoredRecord struct {
	Entity        string
	ExternalID    int64
	ScopeKey      string
	DisplayNumber string
	VersionToken  int64
	Fields        map[string]any
	Children      []models.ChildRow
	UpdatedAt     time.Time
}

// RunFilter narrows [Store.ListRuns].
type RunFilter struct {
	Entity string
	Scope  string
	Status models.RunStatus
	Limit  int
}

// Open opens the store selected by the database config and applies its schema.
func Open(ctx context.Context, cfg shared.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(ctx, cfg)
	case "", "sqlite":
		db, err := shared.NewDatabase(cfg.Path)
		if err != nil {
			return nil, err
		}
		shared.ConfigureDatabase(db, cfg.MaxOpenConns, cfg.MaxIdleConns)

		if err := shared.RunMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return NewSQLiteStore(db), nil
	}
	return nil, fmt.Errorf("%w: unsupported database driver %q", shared.ErrInvalidConfig, cfg.Driver)
}

// SQLiteStore implements [Store] on top of the SQLite repositories.
type SQLiteStore struct {
	db      *sql.DB
	ledger  *LedgerRepository
	records *RecordRepository
	runs    *SyncRunRepository
}

// NewSQLiteStore creates a store on a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	ledger := NewLedgerRepository(db)
	return &SQLiteStore{
		db:      db,
		ledger:  ledger,
		records: NewRecordRepository(db, ledger),
		runs:    NewSyncRunRepository(db),
	}
}

func (s *SQLiteStore) LoadLedger(ctx context.Context, entity, scope string) ([]models.LedgerEntry, error) {
	return s.ledger.Load(ctx, entity, scope)
}

func (s *SQLiteStore) PersistRecord(ctx context.Context, entity, scope string, rows models.Rows, policy models.ChildPolicy, syncedAt time.Time) error {
	return s.records.Persist(ctx, entity, scope, rows, policy, syncedAt)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, entity, scope string, externalID int64) (*StoredRecord, error) {
	return s.records.Get(ctx, entity, scope, externalID)
}

func (s *SQLiteStore) RecordRun(ctx context.Context, report models.SyncReport) error {
	return s.runs.Create(ctx, models.NewSyncRun(report))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.SyncReport, error) {
	runs, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	reports := make([]models.SyncReport, 0, len(runs))
	for _, r := range runs {
		reports = append(reports, r.Report())
	}
	return reports, nil
}

// DB returns the underlying connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// NextSequence atomically increments and returns the next sequence number for the given table.
//
// Sequence numbers give the run history a stable order independent of UUIDs and clock skew.
func NextSequence(db *sql.DB, table string) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sequenceTable := table + "_sequence"

	_, err = tx.Exec(fmt.Sprintf("UPDATE %s SET value = value + 1 WHERE id = 1", sequenceTable))
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	var sequence int
	err = tx.QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE id = 1", sequenceTable)).Scan(&sequence)
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sequence transaction: %w", err)
	}

	return sequence, nil
}
