package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// StatusRequest selects the listing a status check classifies.
type StatusRequest struct {
	Entity string
	Scope  string
	Filter models.Filter
}

// SyncRequest describes one sync run. An empty mode, a zero batch size and nil
// knobs take the configured defaults.
type SyncRequest struct {
	Entity     string
	Scope      string
	Filter     models.Filter
	Mode       models.Mode
	BatchSize  int
	BatchDelay *time.Duration
	MaxRetries *int
}

// runSettings are the knobs of one run after defaults are applied.
type runSettings struct {
	mode       models.Mode
	batchSize  int
	batchDelay time.Duration
	maxRetries int
}

// EngineOpts holds the dependencies of an [Engine]. Only Store is required.
type EngineOpts struct {
	Store    Store
	Runs     RunRecorder
	Observer Observer
	Config   *shared.ConfigStore
	Logger   *log.Logger
	Now      func() time.Time
}

// Engine reconciles remote entities into the local store.
type Engine struct {
	store    Store
	runs     RunRecorder
	observer Observer
	config   *shared.ConfigStore
	logger   *log.Logger
	now      func() time.Time

	mu       sync.RWMutex
	entities map[string]Entity
}

// NewEngine creates an engine with no registered entities.
func NewEngine(opts EngineOpts) *Engine {
	if opts.Config == nil {
		opts.Config = shared.NewConfigStore("", nil)
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    opts.Store,
		runs:     opts.Runs,
		observer: opts.Observer,
		config:   opts.Config,
		logger:   opts.Logger,
		now:      opts.Now,
		entities: make(map[string]Entity),
	}
}

// Register adds or replaces an entity definition.
func (e *Engine) Register(entities ...Entity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range entities {
		switch {
		case ent.Name == "":
			return fmt.Errorf("%w: entity without name", shared.ErrInvalidInput)
		case ent.Source == nil || ent.Mapper == nil:
			return fmt.Errorf("%w: entity %q needs a source and a mapper", shared.ErrInvalidInput, ent.Name)
		case !ent.Policy.Valid():
			return fmt.Errorf("%w: entity %q has invalid child policy %q", shared.ErrInvalidInput, ent.Name, ent.Policy)
		}
		e.entities[ent.Name] = ent
	}
	return nil
}

// Entity returns the registered entity called name.
func (e *Engine) Entity(name string) (Entity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entities[name]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %q", shared.ErrUnknownEntity, name)
	}
	return ent, nil
}

// Entities returns the registered entities sorted by name.
func (e *Engine) Entities() []Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Entity, 0, len(e.entities))
	for _, name := range slices.Sorted(maps.Keys(e.entities)) {
		out = append(out, e.entities[name])
	}
	return out
}

// resolveScope fills an empty scope with the first configured one and rejects unknown keys.
func (e *Engine) resolveScope(scope string) (string, error) {
	cfg := e.config.Load()
	if len(cfg.Scopes) == 0 {
		if scope == "" {
			return "", fmt.Errorf("%w: no scopes configured", shared.ErrUnknownScope)
		}
		return scope, nil
	}
	if scope == "" {
		return cfg.Scopes[0].Key, nil
	}
	if _, err := cfg.Scope(scope); err != nil {
		return "", err
	}
	return scope, nil
}

// snapshot reads the full remote listing and the ledger of one entity and scope.
func (e *Engine) snapshot(ctx context.Context, ent Entity, scope string, filter models.Filter, progress chan<- ProgressUpdate) ([]models.RemoteRecordRef, []models.LedgerEntry, error) {
	ledger, err := e.store.LoadLedger(ctx, ent.Name, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger: %w", err)
	}

	var remote []models.RemoteRecordRef
	for ref, err := range ent.Source.List(ctx, scope, filter) {
		if err != nil {
			return nil, nil, err
		}
		remote = append(remote, ref)
		if len(remote)%100 == 0 {
			sendProgress(progress, listingUpdate(len(remote)))
		}
	}
	sendProgress(progress, listingUpdate(len(remote)))
	return remote, ledger, nil
}

// CheckStatus lists and classifies without fetching or writing anything.
func (e *Engine) CheckStatus(ctx context.Context, req StatusRequest) (models.StatusSummary, error) {
	ent, err := e.Entity(req.Entity)
	if err != nil {
		return models.StatusSummary{}, err
	}
	scope, err := e.resolveScope(req.Scope)
	if err != nil {
		return models.StatusSummary{}, err
	}

	m := newMachine(nil)
	m.to(Listing)
	remote, ledger, err := e.snapshot(ctx, ent, scope, req.Filter, nil)
	if err != nil {
		m.to(Aborted)
		m.to(Idle)
		return models.StatusSummary{}, fmt.Errorf("%w: %w", shared.ErrListingFailed, err)
	}

	m.to(Classifying)
	summary := Classify(remote, ledger, scope).Summary()
	m.to(Idle)
	return summary, nil
}

// TriggerSync runs one full reconciliation and returns its report.
//
// Only invalid requests and listing failures are returned as errors; a failed listing still
// produces a report with status [models.RunAborted]. Per-record failures are counted in the
// report. Cancellation of ctx is honoured between batches and yields [models.RunCanceled].
func (e *Engine) TriggerSync(ctx context.Context, req SyncRequest, progress chan<- ProgressUpdate) (models.SyncReport, error) {
	ent, scope, run, err := e.prepare(req)
	if err != nil {
		return models.SyncReport{}, err
	}
	cfg := e.config.Load().Sync

	report := models.SyncReport{
		RunID:         shared.GenerateID(),
		Entity:        ent.Name,
		Scope:         scope,
		Mode:          run.mode,
		FailedSamples: []models.FailedItem{},
		StartedAt:     e.now(),
	}
	logger := shared.WithLogger(e.logger, "entity", ent.Name, "scope", scope, "run", report.RunID)
	m := newMachine(func(p Phase) { logger.Debug("phase", "phase", p) })

	m.to(Listing)
	logger.Info("sync started", "mode", run.mode, "batch_size", run.batchSize, "max_retries", run.maxRetries)
	remote, ledger, err := e.snapshot(ctx, ent, scope, req.Filter, progress)
	if err != nil {
		m.to(Aborted)
		err = fmt.Errorf("%w: %w", shared.ErrListingFailed, err)
		report.Status = models.RunAborted
		report.Error = err.Error()
		logger.Error("listing failed", "err", err)
		sendProgress(progress, listingFailedUpdate(err))
		e.finish(ctx, logger, &report)
		m.to(Idle)
		return report, err
	}

	m.to(Classifying)
	c := Classify(remote, ledger, scope)
	report.Scanned = c.Total()
	report.New, report.Updated, report.Unchanged = len(c.New), len(c.Updated), len(c.Unchanged)
	sendProgress(progress, classifiedUpdate(c))

	refs := c.NeedSync()
	if run.mode == models.ModeAll {
		refs = Dedupe(remote)
	}

	m.to(Fetching)
	sendProgress(progress, fetchStartUpdate(len(refs), run.batchSize))
	pipeline := NewPipeline(PipelineOpts{
		BatchSize:  run.batchSize,
		BatchDelay: run.batchDelay,
		Retry: RetryPolicy{
			MaxRetries: run.maxRetries,
			BaseDelay:  cfg.BaseDelay(),
			MaxDelay:   cfg.MaxDelay(),
		},
		OnOutcome: func(done, total int, o models.DetailOutcome) {
			if e.observer != nil {
				e.observer.ObserveFetch(ent.Name, o)
			}
			sendProgress(progress, fetchedUpdate(done, total, o))
		},
	})
	outcomes, canceled := pipeline.Run(ctx, refs, func(ctx context.Context, id int64) (json.RawMessage, error) {
		return ent.Source.Fetch(ctx, scope, id)
	})

	m.to(Persisting)
	sendProgress(progress, persistingUpdate(len(outcomes)))
	outcomes = NewUpserter(e.store, ent, scope, e.now, logger).Apply(context.WithoutCancel(ctx), outcomes)

	m.to(Reporting)
	report.Status = models.RunSuccess
	if canceled {
		report.Status = models.RunCanceled
		report.Error = context.Cause(ctx).Error()
	}
	tally(&report, outcomes, cfg.FailedSampleLimit)
	e.finish(ctx, logger, &report)
	sendProgress(progress, reportUpdate(report))
	m.to(Idle)

	return report, nil
}

// Validate checks req without running it and returns the scope the run would use.
func (e *Engine) Validate(req SyncRequest) (string, error) {
	_, scope, _, err := e.prepare(req)
	return scope, err
}

func (e *Engine) prepare(req SyncRequest) (Entity, string, runSettings, error) {
	ent, err := e.Entity(req.Entity)
	if err != nil {
		return Entity{}, "", runSettings{}, err
	}
	scope, err := e.resolveScope(req.Scope)
	if err != nil {
		return Entity{}, "", runSettings{}, err
	}
	run, err := e.withDefaults(req)
	if err != nil {
		return Entity{}, "", runSettings{}, err
	}
	return ent, scope, run, nil
}

// withDefaults resolves the run knobs. An explicit zero delay or retry count is kept.
func (e *Engine) withDefaults(req SyncRequest) (runSettings, error) {
	cfg := e.config.Load().Sync

	if req.Mode == "" {
		req.Mode = models.Mode(cfg.Mode)
	}
	mode, err := models.ParseMode(string(req.Mode))
	if err != nil {
		return runSettings{}, fmt.Errorf("%w: %v", shared.ErrInvalidArgument, err)
	}

	run := runSettings{
		mode:       mode,
		batchSize:  req.BatchSize,
		batchDelay: cfg.BatchDelay(),
		maxRetries: cfg.MaxRetries,
	}
	if req.BatchDelay != nil {
		run.batchDelay = *req.BatchDelay
	}
	if req.MaxRetries != nil {
		run.maxRetries = *req.MaxRetries
	}
	if run.batchSize < 0 || run.batchDelay < 0 || run.maxRetries < 0 {
		return runSettings{}, fmt.Errorf("%w: batch size, batch delay and max retries must not be negative", shared.ErrInvalidArgument)
	}
	if run.batchSize == 0 {
		run.batchSize = orDefault(cfg.BatchSize, 25)
	}
	return run, nil
}

// orDefault returns v, or fallback when v is not positive.
func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// tally counts synced and failed records and keeps the first limit failures as samples.
func tally(report *models.SyncReport, outcomes []models.DetailOutcome, limit int) {
	if limit <= 0 {
		limit = 10
	}
	for _, o := range outcomes {
		if o.OK() {
			report.Synced++
			continue
		}
		report.Failed++
		if len(report.FailedSamples) < limit {
			report.FailedSamples = append(report.FailedSamples, models.FailedItem{
				ExternalID:    o.Ref.ExternalID,
				DisplayNumber: o.Ref.DisplayNumber,
				Kind:          o.Kind,
				Attempts:      o.Attempts,
				Error:         errorText(o.Err),
			})
		}
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// finish stamps the report and hands it to the run history and the observer.
func (e *Engine) finish(ctx context.Context, logger *log.Logger, report *models.SyncReport) {
	report.FinishedAt = e.now()
	report.DurationMs = report.FinishedAt.Sub(report.StartedAt).Milliseconds()

	if e.runs != nil {
		if err := e.runs.RecordRun(context.WithoutCancel(ctx), *report); err != nil {
			logger.Error("failed to record sync run", "err", err)
		}
	}
	if e.observer != nil {
		e.observer.ObserveRun(*report)
	}

	logger.Info("sync finished",
		"status", report.Status,
		"scanned", report.Scanned,
		"synced", report.Synced,
		"failed", report.Failed,
		"duration_ms", report.DurationMs,
	)
}

// sendProgress sends a progress update through the channel without blocking.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

