package entities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/repositories"
	"github.com/desertthunder/ledgersync/internal/services"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/desertthunder/ledgersync/internal/tasks"
)

const invoiceDetail = `{
	"id": 501,
	"number": "SI.2025.03.00001",
	"optLock": 7,
	"transDate": "03/03/2025",
	"customer": {"customerNo": "C-001", "name": "Toko Maju"},
	"totalAmount": 150000.5,
	"detailItem": [
		{"seq": 1, "item": {"no": "A-1", "name": "Widget"}, "quantity": 2, "unitPrice": 50000, "warehouse": {"name": "Utama"}},
		{"seq": 2, "item": {"no": "B-2", "name": "Gadget"}, "quantity": 1, "unitPrice": 50000.5}
	]
}`

func TestDefinitions(t *testing.T) {
	t.Run("names are unique and policies valid", func(t *testing.T) {
		seen := map[string]bool{}
		for _, d := range All() {
			assert.False(t, seen[d.Name], "duplicate %s", d.Name)
			seen[d.Name] = true
			assert.True(t, d.Policy.Valid(), d.Name)
			assert.NotEmpty(t, d.Endpoint.ListPath, d.Name)
			assert.NotEmpty(t, d.Endpoint.DetailPath, d.Name)
		}
		assert.Len(t, seen, 6)
	})

	t.Run("lookup", func(t *testing.T) {
		d, ok := Lookup("sales_returns")
		require.True(t, ok)
		assert.Equal(t, models.ChildMergeBySequence, d.Policy)

		d, ok = Lookup("stock_mutations")
		require.True(t, ok)
		assert.Equal(t, models.ChildAppendOnly, d.Policy)

		_, ok = Lookup("journal_vouchers")
		assert.False(t, ok)
	})

	t.Run("All returns a copy", func(t *testing.T) {
		all := All()
		all[0].Name = "changed"
		_, ok := Lookup("sales_invoices")
		assert.True(t, ok)
	})
}

func TestMap(t *testing.T) {
	invoices, _ := Lookup("sales_invoices")

	t.Run("invoice header and lines", func(t *testing.T) {
		rows, err := invoices.Map(models.RemoteRecordRef{ExternalID: 501}, json.RawMessage(invoiceDetail))
		require.NoError(t, err)

		assert.Equal(t, int64(501), rows.Header.ExternalID)
		assert.Equal(t, "SI.2025.03.00001", rows.Header.DisplayNumber)
		assert.Equal(t, int64(7), rows.Header.VersionToken)
		assert.Equal(t, "Toko Maju", rows.Header.Fields["customer.name"])
		assert.Equal(t, json.Number("150000.5"), rows.Header.Fields["totalAmount"])
		assert.NotContains(t, rows.Header.Fields, "description")

		require.Len(t, rows.Children, 2)
		assert.Equal(t, int64(1), rows.Children[0].Sequence)
		assert.Equal(t, "Widget", rows.Children[0].Fields["item.name"])
		assert.Equal(t, "Utama", rows.Children[0].Fields["warehouse.name"])
		assert.NotContains(t, rows.Children[1].Fields, "warehouse.name")
		assert.NoError(t, rows.Validate())
	})

	t.Run("missing sequence falls back to position", func(t *testing.T) {
		rows, err := invoices.Map(models.RemoteRecordRef{}, json.RawMessage(`{"id":1,"detailItem":[{"quantity":1},{"quantity":2}]}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows.Children[0].Sequence)
		assert.Equal(t, int64(2), rows.Children[1].Sequence)
	})

	t.Run("children without a field list keep scalars", func(t *testing.T) {
		customers, _ := Lookup("customers")
		rows, err := customers.Map(models.RemoteRecordRef{}, json.RawMessage(`{"id":9,"customerNo":"C-9","detailContact":[{"id":31,"name":"Ana","address":{"city":"Bandung"}}]}`))
		require.NoError(t, err)

		assert.Equal(t, "C-9", rows.Header.DisplayNumber)
		require.Len(t, rows.Children, 1)
		assert.Equal(t, int64(31), rows.Children[0].Sequence)
		assert.Equal(t, map[string]any{"id": json.Number("31"), "name": "Ana"}, rows.Children[0].Fields)
	})

	t.Run("items have no children", func(t *testing.T) {
		items, _ := Lookup("items")
		rows, err := items.Map(models.RemoteRecordRef{}, json.RawMessage(`{"id":3,"no":"A-1","detailItem":[{"seq":1}]}`))
		require.NoError(t, err)
		assert.Empty(t, rows.Children)
		assert.Equal(t, "A-1", rows.Header.DisplayNumber)
	})

	t.Run("missing id is left to the caller", func(t *testing.T) {
		rows, err := invoices.Map(models.RemoteRecordRef{}, json.RawMessage(`{"number":"X"}`))
		require.NoError(t, err)
		assert.Zero(t, rows.Header.ExternalID)
	})

	errCases := []struct {
		name    string
		payload string
	}{
		{"not json", `<html>`},
		{"not an object", `[1]`},
		{"invalid id", `{"id":"abc"}`},
		{"child list is an object", `{"id":1,"detailItem":{"seq":1}}`},
		{"child is a scalar", `{"id":1,"detailItem":[1]}`},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := invoices.Map(models.RemoteRecordRef{}, json.RawMessage(tc.payload))
			assert.Error(t, err)
		})
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/sales-invoice/list.do":
			page, _ := strconv.Atoi(r.URL.Query().Get("sp.page"))
			d := `[{"id":501,"number":"SI.2025.03.00001","optLock":7}]`
			if page > 1 {
				d = `[]`
			}
			w.Write([]byte(`{"s":true,"d":` + d + `,"sp":{"page":1,"pageSize":100,"pageCount":1,"rowCount":1}}`))
		case "/api/sales-invoice/detail.do":
			w.Write([]byte(`{"s":true,"d":` + invoiceDetail + `}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := shared.DefaultConfig()
	cfg.Remote.PageDelayMs = 0
	cfg.Sync.BatchDelayMs = 0
	cfg.Scopes = []shared.ScopeConfig{{Key: "main", BaseURL: srv.URL, Token: "tok"}}
	store := shared.NewConfigStore("", cfg)

	db, err := repositories.Open(ctx, shared.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	client := services.NewCatalogClient(services.CatalogOpts{Store: store, Limiter: rate.NewLimiter(rate.Inf, 1)})
	engine := tasks.NewEngine(tasks.EngineOpts{Store: db, Runs: db, Config: store})
	require.NoError(t, Register(engine, client))
	assert.Len(t, engine.Entities(), 6)

	report, err := engine.TriggerSync(ctx, tasks.SyncRequest{Entity: "sales_invoices", BatchDelay: shared.Ptr(time.Millisecond)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 0, report.Failed)

	rec, err := db.GetRecord(ctx, "sales_invoices", "main", 501)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.VersionToken)
	assert.Len(t, rec.Children, 2)

	summary, err := engine.CheckStatus(ctx, tasks.StatusRequest{Entity: "sales_invoices"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Zero(t, summary.NeedSync)
}
