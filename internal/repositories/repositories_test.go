package repositories

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates an in-memory SQLite database with migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, shared.RunMigrations(db), "failed to run migrations")
	return db
}

func invoiceRows(id, version int64, lines ...int64) models.Rows {
	rows := models.Rows{Header: models.HeaderRow{
		ExternalID:    id,
		DisplayNumber: "INV-" + time.Unix(id, 0).UTC().Format("150405"),
		VersionToken:  version,
		Fields:        map[string]any{"total": float64(100 * version)},
	}}
	for _, seq := range lines {
		rows.Children = append(rows.Children, models.ChildRow{
			Sequence: seq,
			Fields:   map[string]any{"qty": float64(seq), "version": float64(version)},
		})
	}
	return rows
}

func childSeqs(rec *StoredRecord) []int64 {
	out := []int64{}
	for _, c := range rec.Children {
		out = append(out, c.Sequence)
	}
	return out
}

func TestLedgerRepository(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("Load is scoped by entity and scope", func(t *testing.T) {
		store := NewSQLiteStore(setupTestDB(t))

		require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "north", invoiceRows(10, 3), models.ChildReplaceAll, at))
		require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "south", invoiceRows(10, 9), models.ChildReplaceAll, at))
		require.NoError(t, store.PersistRecord(ctx, "customers", "north", invoiceRows(10, 7), models.ChildReplaceAll, at))

		entries, err := store.LoadLedger(ctx, "sales_invoices", "north")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(3), entries[0].VersionToken)
		assert.Equal(t, "north", entries[0].ScopeKey)
		assert.True(t, at.Equal(entries[0].LastSyncedAt))
	})

	t.Run("Get not found", func(t *testing.T) {
		repo := NewLedgerRepository(setupTestDB(t))
		_, err := repo.Get(ctx, "sales_invoices", "north", 1)
		assert.ErrorIs(t, err, shared.ErrRecordNotFound)
	})
}

func TestRecordRepository(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("Persist is idempotent for every policy", func(t *testing.T) {
		for _, policy := range []models.ChildPolicy{models.ChildReplaceAll, models.ChildMergeBySequence, models.ChildAppendOnly} {
			t.Run(string(policy), func(t *testing.T) {
				store := NewSQLiteStore(setupTestDB(t))
				rows := invoiceRows(10, 3, 1, 2, 3)

				require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "north", rows, policy, at))
				first, err := store.GetRecord(ctx, "sales_invoices", "north", 10)
				require.NoError(t, err)

				require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "north", rows, policy, at))
				second, err := store.GetRecord(ctx, "sales_invoices", "north", 10)
				require.NoError(t, err)

				assert.Equal(t, first, second)
				assert.Equal(t, []int64{1, 2, 3}, childSeqs(second))

				ledger, err := store.LoadLedger(ctx, "sales_invoices", "north")
				require.NoError(t, err)
				require.Len(t, ledger, 1)
				assert.Equal(t, int64(3), ledger[0].VersionToken)
			})
		}
	})

	t.Run("replace_all drops children missing from the payload", func(t *testing.T) {
		store := NewSQLiteStore(setupTestDB(t))
		require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "north", invoiceRows(10, 3, 1, 2, 3), models.ChildReplaceAll, at))
		require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "north", invoiceRows(10, 4, 2, 5), models.ChildReplaceAll, at))

		rec, err := store.GetRecord(ctx, "sales_invoices", "north", 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 5}, childSeqs(rec))
		assert.Equal(t, int64(4), rec.VersionToken)
		assert.Equal(t, float64(400), rec.Fields["total"])
	})

	t.Run("merge_by_sequence keeps absent children and updates present ones", func(t *testing.T) {
		store := NewSQLiteStore(setupTestDB(t))
		require.NoError(t, store.PersistRecord(ctx, "sales_returns", "north", invoiceRows(10, 3, 1, 2, 3), models.ChildMergeBySequence, at))
		require.NoError(t, store.PersistRecord(ctx, "sales_returns", "north", invoiceRows(10, 4, 2, 5), models.ChildMergeBySequence, at))

		rec, err := store.GetRecord(ctx, "sales_returns", "north", 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 5}, childSeqs(rec))
		assert.Equal(t, float64(3), rec.Children[0].Fields["version"])
		assert.Equal(t, float64(4), rec.Children[1].Fields["version"])
	})

	t.Run("append_only never rewrites stored children", func(t *testing.T) {
		store := NewSQLiteStore(setupTestDB(t))
		require.NoError(t, store.PersistRecord(ctx, "stock_mutations", "north", invoiceRows(10, 3, 1, 2), models.ChildAppendOnly, at))
		require.NoError(t, store.PersistRecord(ctx, "stock_mutations", "north", invoiceRows(10, 4, 2, 3), models.ChildAppendOnly, at))

		rec, err := store.GetRecord(ctx, "stock_mutations", "north", 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, childSeqs(rec))
		assert.Equal(t, float64(3), rec.Children[1].Fields["version"], "existing row untouched")
		assert.Equal(t, float64(4), rec.Children[2].Fields["version"])
	})

	t.Run("failed child write rolls back header and ledger", func(t *testing.T) {
		db := setupTestDB(t)
		_, err := db.Exec(`
			CREATE TRIGGER reject_seq_99 BEFORE INSERT ON record_lines
			WHEN NEW.seq = 99
			BEGIN SELECT RAISE(ABORT, 'seq 99 rejected'); END
		`)
		require.NoError(t, err)
		store := NewSQLiteStore(db)

		err = store.PersistRecord(ctx, "sales_invoices", "north", invoiceRows(10, 3, 1, 99), models.ChildReplaceAll, at)
		require.Error(t, err)

		_, err = store.GetRecord(ctx, "sales_invoices", "north", 10)
		assert.ErrorIs(t, err, shared.ErrRecordNotFound)

		ledger, err := store.LoadLedger(ctx, "sales_invoices", "north")
		require.NoError(t, err)
		assert.Empty(t, ledger)

		require.NoError(t, store.PersistRecord(ctx, "sales_invoices", "north", invoiceRows(11, 1, 1), models.ChildReplaceAll, at))
		n, err := store.records.Count(ctx, "sales_invoices", "north")
		require.NoError(t, err)
		assert.Equal(t, 1, n, "sibling records are unaffected")
	})

	t.Run("invalid rows are mapping failures", func(t *testing.T) {
		store := NewSQLiteStore(setupTestDB(t))

		err := store.PersistRecord(ctx, "sales_invoices", "north", models.Rows{}, models.ChildReplaceAll, at)
		assert.ErrorIs(t, err, shared.ErrMappingFailed)

		err = store.PersistRecord(ctx, "sales_invoices", "north", invoiceRows(1, 1), "upsert", at)
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestSyncRunRepository(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	report := func(id, entity string, status models.RunStatus) models.SyncReport {
		return models.SyncReport{
			RunID:      id,
			Entity:     entity,
			Scope:      "north",
			Mode:       models.ModeMissingOnly,
			Status:     status,
			Scanned:    5,
			New:        2,
			Updated:    1,
			Unchanged:  2,
			Synced:     2,
			Failed:     1,
			DurationMs: 1500,
			FailedSamples: []models.FailedItem{
				{ExternalID: 3, DisplayNumber: "INV-3", Kind: models.KindTransient, Attempts: 3, Error: "503"},
			},
			StartedAt:  start,
			FinishedAt: start.Add(1500 * time.Millisecond),
		}
	}

	t.Run("Create and Get", func(t *testing.T) {
		repo := NewSyncRunRepository(setupTestDB(t))

		run := models.NewSyncRun(report("run-1", "sales_invoices", models.RunSuccess))
		require.NoError(t, repo.Create(ctx, run))
		assert.Equal(t, 1, run.Sequence())

		got, err := repo.Get(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Sequence())

		r := got.Report()
		assert.Equal(t, models.RunSuccess, r.Status)
		assert.Equal(t, 1, r.Failed)
		require.Len(t, r.FailedSamples, 1)
		assert.Equal(t, models.KindTransient, r.FailedSamples[0].Kind)
		assert.True(t, start.Equal(r.StartedAt))
	})

	t.Run("Create rejects invalid runs", func(t *testing.T) {
		repo := NewSyncRunRepository(setupTestDB(t))
		assert.Error(t, repo.Create(ctx, models.NewSyncRun(models.SyncReport{})))
	})

	t.Run("Get not found", func(t *testing.T) {
		repo := NewSyncRunRepository(setupTestDB(t))
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, shared.ErrRunNotFound)
	})

	t.Run("List filters and orders newest first", func(t *testing.T) {
		store := NewSQLiteStore(setupTestDB(t))
		require.NoError(t, store.RecordRun(ctx, report("run-1", "sales_invoices", models.RunSuccess)))
		require.NoError(t, store.RecordRun(ctx, report("run-2", "customers", models.RunAborted)))
		require.NoError(t, store.RecordRun(ctx, report("run-3", "sales_invoices", models.RunCanceled)))

		all, err := store.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "run-3", all[0].RunID)

		invoices, err := store.ListRuns(ctx, RunFilter{Entity: "sales_invoices"})
		require.NoError(t, err)
		assert.Len(t, invoices, 2)

		aborted, err := store.ListRuns(ctx, RunFilter{Status: models.RunAborted})
		require.NoError(t, err)
		require.Len(t, aborted, 1)
		assert.Equal(t, "run-2", aborted[0].RunID)

		limited, err := store.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		cfg := shared.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "lsync.db"), MaxOpenConns: 4}
		store, err := Open(ctx, cfg)
		require.NoError(t, err)
		defer store.Close()

		require.NoError(t, store.PersistRecord(ctx, "items", "north", invoiceRows(1, 1), models.ChildReplaceAll, time.Now()))

		store.Close()
		reopened, err := Open(ctx, cfg)
		require.NoError(t, err, "migrations are idempotent")
		defer reopened.Close()

		entries, err := reopened.LoadLedger(ctx, "items", "north")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := Open(ctx, shared.DatabaseConfig{Driver: "oracle"})
		assert.ErrorIs(t, err, shared.ErrInvalidConfig)
	})
}

func TestNextSequence(t *testing.T) {
	db := setupTestDB(t)
	for want := 1; want <= 3; want++ {
		got, err := NextSequence(db, "sync_runs")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := NextSequence(db, "missing")
	assert.Error(t, err)
}
