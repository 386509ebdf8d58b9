package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/repositories"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/desertthunder/ledgersync/internal/tasks"
)

// SyncEngine is the engine surface the API drives. [tasks.Engine] implements it.
type SyncEngine interface {
	CheckStatus(ctx context.Context, req tasks.StatusRequest) (models.StatusSummary, error)
	TriggerSync(ctx context.Context, req tasks.SyncRequest, progress chan<- tasks.ProgressUpdate) (models.SyncReport, error)
	Validate(req tasks.SyncRequest) (string, error)
}

// RunLister reads the run history.
type RunLister interface {
	ListRuns(ctx context.Context, filter repositories.RunFilter) ([]models.SyncReport, error)
}

// APIOpts holds the dependencies of an [API].
type APIOpts struct {
	Engine  SyncEngine
	Runs    RunLister
	Config  *shared.ConfigStore
	Metrics http.Handler
	Logger  *log.Logger
}

// API serves the sync engine over HTTP.
type API struct {
	engine  SyncEngine
	runs    RunLister
	config  *shared.ConfigStore
	metrics http.Handler
	logger  *log.Logger
	guard   *RunGuard

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewAPI creates the API. Background runs use ctx and stop between batches when it is canceled.
func NewAPI(ctx context.Context, opts APIOpts) *API {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Config == nil {
		opts.Config = shared.NewConfigStore("", nil)
	}
	return &API{
		engine:  opts.Engine,
		runs:    opts.Runs,
		config:  opts.Config,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		guard:   NewRunGuard(),
		baseCtx: ctx,
	}
}

// Routes registers every endpoint on r.
func (a *API) Routes(r Router) {
	r.Handle(http.MethodGet, "/health", http.HandlerFunc(a.health))
	r.Handle(http.MethodGet, "/status", http.HandlerFunc(a.status))
	r.Handle(http.MethodPost, "/sync", http.HandlerFunc(a.sync))
	r.Handle(http.MethodGet, "/runs", http.HandlerFunc(a.listRuns))
	r.Handle(http.MethodPost, "/config/reload", http.HandlerFunc(a.reload))
	if a.metrics != nil {
		r.Handle(http.MethodGet, "/metrics", a.metrics)
	}
}

// Wait blocks until every background run has finished.
func (a *API) Wait() {
	a.wg.Wait()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps engine and config errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, shared.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, shared.ErrUnknownEntity), errors.Is(err, shared.ErrUnknownScope):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrInvalidArgument), errors.Is(err, shared.ErrMissingArgument),
		errors.Is(err, shared.ErrInvalidInput), errors.Is(err, shared.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrListingFailed):
		return http.StatusBadGateway
	case errors.Is(err, shared.ErrMissingConfig):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= 500 {
		a.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": a.guard.Running()})
}

type statusResponse struct {
	Entity string `json:"entity"`
	Scope  string `json:"scope"`
	models.StatusSummary
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := models.ParseFilter(q.Get("from"), q.Get("to"), q.Get("warehouse"))
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: %v", shared.ErrInvalidArgument, err))
		return
	}

	req := tasks.StatusRequest{Entity: q.Get("entity"), Scope: q.Get("scope"), Filter: filter}
	summary, err := a.engine.CheckStatus(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Entity: req.Entity, Scope: req.Scope, StatusSummary: summary})
}

// SyncBody is the JSON body of POST /sync. Omitted fields take the configured defaults.
type SyncBody struct {
	Entity       string `json:"entity"`
	Scope        string `json:"scope"`
	Mode         string `json:"mode"`
	BatchSize    int    `json:"batchSize"`
	BatchDelayMs *int   `json:"batchDelayMs,omitempty"`
	MaxRetries   *int   `json:"maxRetries,omitempty"`
	From         string `json:"from"`
	To           string `json:"to"`
	Warehouse    string `json:"warehouse"`
}

func (b SyncBody) request() (tasks.SyncRequest, error) {
	if b.Entity == "" {
		return tasks.SyncRequest{}, fmt.Errorf("%w: entity", shared.ErrMissingArgument)
	}
	filter, err := models.ParseFilter(b.From, b.To, b.Warehouse)
	if err != nil {
		return tasks.SyncRequest{}, fmt.Errorf("%w: %v", shared.ErrInvalidArgument, err)
	}
	req := tasks.SyncRequest{
		Entity:     b.Entity,
		Scope:      b.Scope,
		Filter:     filter,
		Mode:       models.Mode(b.Mode),
		BatchSize:  b.BatchSize,
		MaxRetries: b.MaxRetries,
	}
	if b.BatchDelayMs != nil {
		req.BatchDelay = shared.Ptr(time.Duration(*b.BatchDelayMs) * time.Millisecond)
	}
	return req, nil
}

type startedResponse struct {
	Entity string `json:"entity"`
	Scope  string `json:"scope"`
	Status string `json:"status"`
}

func (a *API) sync(w http.ResponseWriter, r *http.Request) {
	var body SyncBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid JSON body: %v", shared.ErrInvalidInput, err))
		return
	}
	req, err := body.request()
	if err != nil {
		a.writeError(w, err)
		return
	}

	scope, err := a.engine.Validate(req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	release, err := a.guard.Acquire(req.Entity, scope)
	if err != nil {
		a.writeError(w, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		defer release()
		report, err := a.engine.TriggerSync(r.Context(), req, nil)
		if err != nil && report.RunID == "" {
			a.writeError(w, err)
			return
		}
		status := http.StatusOK
		if report.Status == models.RunAborted {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, report)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer release()
		if _, err := a.engine.TriggerSync(a.baseCtx, req, nil); err != nil {
			a.logger.Error("background sync failed", "entity", req.Entity, "scope", scope, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, startedResponse{Entity: req.Entity, Scope: scope, Status: "started"})
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repositories.RunFilter{
		Entity: q.Get("entity"),
		Scope:  q.Get("scope"),
		Status: models.RunStatus(q.Get("status")),
		Limit:  20,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.writeError(w, fmt.Errorf("%w: limit must be a positive integer", shared.ErrInvalidArgument))
			return
		}
		filter.Limit = n
	}

	runs, err := a.runs.ListRuns(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.SyncReport{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.config.Reload(); err != nil {
		a.writeError(w, err)
		return
	}
	a.logger.Info("config reloaded", "path", a.config.Path())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// Serve runs the API on addr until ctx is canceled, then shuts down and waits for background runs.
func Serve(ctx context.Context, addr string, api *API, logger *log.Logger) error {
	router := NewBasicRouter()
	router.Use(Recoverer(logger), RequestLogger(logger))
	api.Routes(router)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	api.Wait()
	return nil
}
