package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/ledgersync/internal/metrics"
	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/repositories"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/desertthunder/ledgersync/internal/tasks"
	tu "github.com/desertthunder/ledgersync/internal/testing"
)

type fixture struct {
	api    *API
	router *BasicRouter
	src    *tu.FakeSource
	store  repositories.Store
	config *shared.ConfigStore
}

func newFixture(t *testing.T, configPath string) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := repositories.Open(ctx, shared.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := shared.DefaultConfig()
	cfg.Sync.BatchDelayMs = 0
	cfg.Sync.BaseDelayMs = 1
	if configPath != "" {
		cfg, err = shared.LoadConfig(configPath)
		require.NoError(t, err)
	}
	config := shared.NewConfigStore(configPath, cfg)

	src := tu.NewFakeSource(tu.Refs(1, 2, 3)...)
	m := metrics.New()
	engine := tasks.NewEngine(tasks.EngineOpts{Store: store, Runs: store, Observer: m, Config: config})
	require.NoError(t, engine.Register(tasks.Entity{
		Name:   "sales_invoices",
		Source: src,
		Mapper: tasks.MapperFunc(tu.MapPayload),
		Policy: models.ChildReplaceAll,
	}))

	api := NewAPI(ctx, APIOpts{Engine: engine, Runs: store, Config: config, Metrics: m.Handler()})
	router := NewBasicRouter()
	router.Use(Recoverer(shared.NewLogger(nil)))
	api.Routes(router)

	return &fixture{api: api, router: router, src: src, store: store, config: config}
}

func (f *fixture) do(method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","running":0}`, rec.Body.String())
	})

	t.Run("status", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodGet, "/status?entity=sales_invoices&scope=main", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[statusResponse](t, rec)
		assert.Equal(t, 3, got.New)
		assert.Equal(t, 3, got.NeedSync)
		assert.Zero(t, f.src.TotalAttempts())
	})

	t.Run("status errors", func(t *testing.T) {
		f := newFixture(t, "")

		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/status?entity=nope", nil).Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/status?entity=sales_invoices&scope=other", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/status?entity=sales_invoices&from=2025-01-01", nil).Code)

		f.src.ListErr = tu.ErrFake
		assert.Equal(t, http.StatusBadGateway, f.do(http.MethodGet, "/status?entity=sales_invoices", nil).Code)
	})

	t.Run("sync and wait", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodPost, "/sync?wait=true", SyncBody{Entity: "sales_invoices", BatchSize: 2})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		report := decode[models.SyncReport](t, rec)
		assert.Equal(t, models.RunSuccess, report.Status)
		assert.Equal(t, 3, report.Synced)

		runs := decode[[]models.SyncReport](t, f.do(http.MethodGet, "/runs", nil))
		require.Len(t, runs, 1)
		assert.Equal(t, report.RunID, runs[0].RunID)
	})

	t.Run("aborted sync", func(t *testing.T) {
		f := newFixture(t, "")
		f.src.ListErr = tu.ErrFake

		rec := f.do(http.MethodPost, "/sync?wait=true", SyncBody{Entity: "sales_invoices"})

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, models.RunAborted, decode[models.SyncReport](t, rec).Status)
	})

	t.Run("second run for the same key is rejected", func(t *testing.T) {
		f := newFixture(t, "")
		block := make(chan struct{})
		f.src.OnFetch = func(int64) { <-block }

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() { done <- f.do(http.MethodPost, "/sync?wait=true", SyncBody{Entity: "sales_invoices", Scope: "main"}) }()
		require.Eventually(t, func() bool { return f.api.guard.Running() == 1 }, time.Second, time.Millisecond)

		rec := f.do(http.MethodPost, "/sync", SyncBody{Entity: "sales_invoices"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "already running")

		close(block)
		first := <-done
		assert.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, 0, f.api.guard.Running())
	})

	t.Run("background sync", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodPost, "/sync", SyncBody{Entity: "sales_invoices", Mode: "all"})

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, startedResponse{Entity: "sales_invoices", Scope: "main", Status: "started"}, decode[startedResponse](t, rec))

		f.api.Wait()
		runs := decode[[]models.SyncReport](t, f.do(http.MethodGet, "/runs?entity=sales_invoices&limit=5", nil))
		require.Len(t, runs, 1)
		assert.Equal(t, models.ModeAll, runs[0].Mode)
	})

	t.Run("bad sync requests", func(t *testing.T) {
		f := newFixture(t, "")

		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/sync", SyncBody{}).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/sync?wait=1", SyncBody{Entity: "sales_invoices", Mode: "sometimes"}).Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/sync?wait=1", SyncBody{Entity: "nope"}).Code)
		assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/sync", nil).Code)
	})

	t.Run("sync errors are reported before the run starts", func(t *testing.T) {
		tests := []struct {
			name string
			body SyncBody
			code int
		}{
			{"unknown entity", SyncBody{Entity: "bogus"}, http.StatusNotFound},
			{"unknown scope", SyncBody{Entity: "sales_invoices", Scope: "other"}, http.StatusNotFound},
			{"negative retries", SyncBody{Entity: "sales_invoices", MaxRetries: shared.Ptr(-1)}, http.StatusBadRequest},
			{"bad mode", SyncBody{Entity: "sales_invoices", Mode: "sometimes"}, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t, "")
				rec := f.do(http.MethodPost, "/sync", tt.body)
				f.api.Wait()

				assert.Equal(t, tt.code, rec.Code, rec.Body.String())
				assert.NotEmpty(t, decode[errorBody](t, rec).Error)
				assert.Zero(t, f.src.TotalAttempts())
				assert.Equal(t, "[]\n", f.do(http.MethodGet, "/runs", nil).Body.String())
				assert.JSONEq(t, `{"status":"ok","running":0}`, f.do(http.MethodGet, "/health", nil).Body.String())
			})
		}
	})

	t.Run("explicit zero retries is honoured", func(t *testing.T) {
		f := newFixture(t, "")
		f.src.TransientFailures[2] = 1
		rec := f.do(http.MethodPost, "/sync?wait=true", SyncBody{Entity: "sales_invoices", MaxRetries: shared.Ptr(0), BatchDelayMs: shared.Ptr(0)})

		require.Equal(t, http.StatusOK, rec.Code)
		report := decode[models.SyncReport](t, rec)
		assert.Equal(t, 2, report.Synced)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 1, f.src.Attempts(2))
	})

	t.Run("runs limit must be positive", func(t *testing.T) {
		f := newFixture(t, "")
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/runs?limit=0", nil).Code)
		assert.Equal(t, "[]\n", f.do(http.MethodGet, "/runs", nil).Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		f := newFixture(t, "")
		f.do(http.MethodPost, "/sync?wait=true", SyncBody{Entity: "sales_invoices"})

		rec := f.do(http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `ledgersync_runs_total{entity="sales_invoices",scope="main",status="success"} 1`)
	})

	t.Run("config reload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, shared.CreateConfigFile(path))
		f := newFixture(t, path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, bytes.Replace(data, []byte("batch_size = 25"), []byte("batch_size = 7"), 1), 0644))

		rec := f.do(http.MethodPost, "/config/reload", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 7, f.config.Load().Sync.BatchSize)
	})

	t.Run("config reload failure keeps the old config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, shared.CreateConfigFile(path))
		f := newFixture(t, path)
		before := f.config.Load()
		require.NoError(t, os.WriteFile(path, []byte("[database]\ndriver = \"oracle\"\n"), 0644))

		rec := f.do(http.MethodPost, "/config/reload", nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Same(t, before, f.config.Load())
	})

	t.Run("config reload without a file", func(t *testing.T) {
		f := newFixture(t, "")
		assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/config/reload", nil).Code)
	})
}

func TestRunGuard(t *testing.T) {
	g := NewRunGuard()

	release, err := g.Acquire("items", "main")
	require.NoError(t, err)

	_, err = g.Acquire("items", "main")
	assert.ErrorIs(t, err, shared.ErrRunInProgress)

	other, err := g.Acquire("items", "branch-b")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Running())

	release()
	release()
	other()
	assert.Equal(t, 0, g.Running())

	_, err = g.Acquire("items", "main")
	assert.NoError(t, err)
}
