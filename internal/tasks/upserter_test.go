package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/repositories"
	"github.com/desertthunder/ledgersync/internal/shared"
	tu "github.com/desertthunder/ledgersync/internal/testing"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testEntity(src Source, policy models.ChildPolicy) Entity {
	return Entity{
		Name:   "sales_invoices",
		Source: src,
		Mapper: MapperFunc(tu.MapPayload),
		Policy: policy,
	}
}

func okOutcome(ref models.RemoteRecordRef, lines int) models.DetailOutcome {
	return models.DetailOutcome{Ref: ref, Payload: tu.Payload(ref, lines), Attempts: 1}
}

func TestUpserter(t *testing.T) {
	ctx := context.Background()

	t.Run("persist failure affects only its own record", func(t *testing.T) {
		store := tu.NewMemoryStore()
		store.PersistErr[2] = errors.New("constraint violation")
		u := NewUpserter(store, testEntity(nil, models.ChildReplaceAll), "main", func() time.Time { return fixedNow }, nil)

		refs := tu.Refs(1, 2, 3)
		out := u.Apply(ctx, []models.DetailOutcome{okOutcome(refs[0], 1), okOutcome(refs[1], 1), okOutcome(refs[2], 1)})

		require.Len(t, out, 3)
		assert.True(t, out[0].OK())
		assert.Equal(t, models.KindPersistence, out[1].Kind)
		assert.True(t, out[2].OK())
		assert.Equal(t, int64(1), store.LedgerVersion("main", 1))
		assert.Equal(t, int64(-1), store.LedgerVersion("main", 2))
		assert.Equal(t, int64(1), store.LedgerVersion("main", 3))
	})

	t.Run("failed fetches are passed through untouched", func(t *testing.T) {
		store := tu.NewMemoryStore()
		u := NewUpserter(store, testEntity(nil, models.ChildReplaceAll), "main", nil, nil)
		failed := models.DetailOutcome{Ref: tu.Refs(9)[0], Kind: models.KindPermanent, Err: tu.ErrFake, Attempts: 1}

		out := u.Apply(ctx, []models.DetailOutcome{failed})

		assert.Equal(t, failed, out[0])
		assert.Zero(t, store.Writes())
	})

	t.Run("mapping failure is a persistence failure", func(t *testing.T) {
		store := tu.NewMemoryStore()
		u := NewUpserter(store, testEntity(nil, models.ChildReplaceAll), "main", nil, nil)
		bad := models.DetailOutcome{Ref: tu.Refs(4)[0], Payload: json.RawMessage(`[1,2]`), Attempts: 1}

		out := u.Apply(ctx, []models.DetailOutcome{bad})

		assert.Equal(t, models.KindPersistence, out[0].Kind)
		assert.ErrorIs(t, out[0].Err, shared.ErrMappingFailed)
		assert.Nil(t, out[0].Payload)
	})

	t.Run("payload id must match listing id", func(t *testing.T) {
		store := tu.NewMemoryStore()
		u := NewUpserter(store, testEntity(nil, models.ChildReplaceAll), "main", nil, nil)
		o := models.DetailOutcome{Ref: tu.Refs(5)[0], Payload: tu.Payload(tu.Refs(6)[0], 0)}

		err := u.Persist(ctx, o)

		assert.ErrorIs(t, err, shared.ErrMappingFailed)
	})

	t.Run("ledger keeps the listing version when detail is older", func(t *testing.T) {
		store := tu.NewMemoryStore()
		u := NewUpserter(store, testEntity(nil, models.ChildReplaceAll), "main", nil, nil)
		listed := models.RemoteRecordRef{ExternalID: 8, DisplayNumber: "INV-8", VersionToken: 6}
		detail := models.RemoteRecordRef{ExternalID: 8, VersionToken: 5}

		require.NoError(t, u.Persist(ctx, models.DetailOutcome{Ref: listed, Payload: tu.Payload(detail, 0)}))

		assert.Equal(t, int64(6), store.LedgerVersion("main", 8))
		rows, ok := store.Record("main", 8)
		require.True(t, ok)
		assert.Equal(t, "INV-8", rows.Header.DisplayNumber)
	})

	t.Run("applying the same outcome twice leaves identical state", func(t *testing.T) {
		for _, policy := range []models.ChildPolicy{models.ChildReplaceAll, models.ChildMergeBySequence, models.ChildAppendOnly} {
			t.Run(string(policy), func(t *testing.T) {
				store, err := repositories.Open(ctx, shared.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
				require.NoError(t, err)
				defer store.Close()

				u := NewUpserter(store, testEntity(nil, policy), "main", func() time.Time { return fixedNow }, nil)
				o := okOutcome(models.RemoteRecordRef{ExternalID: 42, DisplayNumber: "INV-42", VersionToken: 3}, 3)

				require.NoError(t, u.Persist(ctx, o))
				first, err := store.GetRecord(ctx, "sales_invoices", "main", 42)
				require.NoError(t, err)
				firstLedger, err := store.LoadLedger(ctx, "sales_invoices", "main")
				require.NoError(t, err)

				require.NoError(t, u.Persist(ctx, o))
				second, err := store.GetRecord(ctx, "sales_invoices", "main", 42)
				require.NoError(t, err)
				secondLedger, err := store.LoadLedger(ctx, "sales_invoices", "main")
				require.NoError(t, err)

				assert.Len(t, second.Children, 3)
				assert.Equal(t, first, second)
				assert.Equal(t, firstLedger, secondLedger)
			})
		}
	})
}
