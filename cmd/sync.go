package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/ledgersync/internal/formatter"
	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/repositories"
	"github.com/desertthunder/ledgersync/internal/server"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/desertthunder/ledgersync/internal/tasks"
	"github.com/urfave/cli/v3"
)

type entityInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Policy      models.ChildPolicy `json:"policy"`
}

// Entities prints the registered entity types.
func (r *Runner) Entities(ctx context.Context, cmd *cli.Command) error {
	engine, err := r.Engine(ctx)
	if err != nil {
		return err
	}

	list := engine.Entities()
	if cmd.Bool("json") {
		out := make([]entityInfo, len(list))
		for i, e := range list {
			out[i] = entityInfo{Name: e.Name, Description: e.Description, Policy: e.Policy}
		}
		return r.writeJSON(out, true)
	}

	r.writePlainHeader(fmt.Sprintf("Entities (%d)", len(list)))
	for _, e := range list {
		if err := r.writePlain("%-18s %-18s %s\n", e.Name, e.Policy, e.Description); err != nil {
			return err
		}
	}
	return nil
}

// entityArg reads the required entity argument.
func entityArg(cmd *cli.Command) (string, error) {
	entity := cmd.StringArg("entity")
	if entity == "" {
		return "", fmt.Errorf("%w: entity (see 'lsync entities')", shared.ErrMissingArgument)
	}
	return entity, nil
}

func filterFromFlags(cmd *cli.Command) (models.Filter, error) {
	filter, err := models.ParseFilter(cmd.String("from"), cmd.String("to"), cmd.String("warehouse"))
	if err != nil {
		return models.Filter{}, fmt.Errorf("%w: %v", shared.ErrInvalidFlag, err)
	}
	return filter, nil
}

// Status prints how the remote listing compares with the ledger.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	entity, err := entityArg(cmd)
	if err != nil {
		return err
	}
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}

	engine, err := r.Engine(ctx)
	if err != nil {
		return err
	}

	scope := cmd.String("scope")
	summary, err := engine.CheckStatus(ctx, tasks.StatusRequest{Entity: entity, Scope: scope, Filter: filter})
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(summary, true)
	}
	if scope == "" {
		scope = r.defaultScope()
	}
	return r.writeBytes(formatter.StatusToText(entity, scope, summary))
}

func (r *Runner) defaultScope() string {
	if scopes := r.config.Load().Scopes; len(scopes) > 0 {
		return scopes[0].Key
	}
	return ""
}

// syncRequest builds the engine request from the sync flags. Knobs left unset take the config defaults.
func syncRequest(cmd *cli.Command) (tasks.SyncRequest, error) {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return tasks.SyncRequest{}, err
	}

	req := tasks.SyncRequest{
		Entity:    cmd.StringArg("entity"),
		Scope:     cmd.String("scope"),
		Filter:    filter,
		BatchSize: int(cmd.Int("batch-size")),
	}
	if cmd.IsSet("batch-delay") {
		req.BatchDelay = shared.Ptr(cmd.Duration("batch-delay"))
	}
	if cmd.IsSet("max-retries") {
		req.MaxRetries = shared.Ptr(int(cmd.Int("max-retries")))
	}
	if m := cmd.String("mode"); m != "" {
		mode, err := models.ParseMode(m)
		if err != nil {
			return tasks.SyncRequest{}, fmt.Errorf("%w: %v", shared.ErrInvalidFlag, err)
		}
		req.Mode = mode
	}
	if req.BatchSize < 0 ||
		(req.MaxRetries != nil && *req.MaxRetries < 0) ||
		(req.BatchDelay != nil && *req.BatchDelay < 0) {
		return tasks.SyncRequest{}, fmt.Errorf("%w: batch size, batch delay and retries must not be negative", shared.ErrInvalidFlag)
	}
	return req, nil
}

// Sync runs one reconciliation and prints its report.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	if _, err := entityArg(cmd); err != nil {
		return err
	}
	req, err := syncRequest(cmd)
	if err != nil {
		return err
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	if cmd.Bool("tui") {
		return r.runTUI(ctx, req)
	}

	engine, err := r.Engine(ctx)
	if err != nil {
		return err
	}

	quiet := cmd.Bool("quiet")
	progress := make(chan tasks.ProgressUpdate, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range progress {
			if !quiet {
				r.logger.Info(u.Message, "phase", u.Phase)
			}
		}
	}()

	start := time.Now()
	report, err := engine.TriggerSync(ctx, req, progress)
	close(progress)
	<-done

	if err != nil && report.RunID == "" {
		return err
	}
	r.logger.Debug("sync finished", "run", report.RunID, "elapsed", time.Since(start))

	if path := cmd.String("output"); path != "" {
		written, werr := formatter.WriteReport(report, format, path)
		if werr != nil {
			return werr
		}
		r.logger.Info("report written", "path", written)
	} else {
		data, ferr := formatter.FormatReport(report, format)
		if ferr != nil {
			return ferr
		}
		if werr := r.writeBytes(data); werr != nil {
			return werr
		}
	}

	if cmd.Bool("save") {
		written, werr := formatter.WriteReport(report, format, "")
		if werr != nil {
			return werr
		}
		r.logger.Info("report saved", "path", written)
	}

	// An aborted or canceled run still printed its report; the exit status reflects the failure.
	return err
}

// Runs prints the run history, newest first.
func (r *Runner) Runs(ctx context.Context, cmd *cli.Command) error {
	limit := int(cmd.Int("limit"))
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", shared.ErrInvalidFlag)
	}

	if _, err := r.Engine(ctx); err != nil {
		return err
	}

	runs, err := r.store.ListRuns(ctx, repositories.RunFilter{
		Entity: cmd.String("entity"),
		Scope:  cmd.String("scope"),
		Status: models.RunStatus(cmd.String("status")),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		if runs == nil {
			runs = []models.SyncReport{}
		}
		return r.writeJSON(runs, true)
	}
	return r.writeBytes(formatter.RunsToText(runs))
}

// Serve runs the HTTP API until the process is interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	engine, err := r.Engine(ctx)
	if err != nil {
		return err
	}

	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Load().Server.Addr()
	}

	api := server.NewAPI(ctx, server.APIOpts{
		Engine:  engine,
		Runs:    r.store,
		Config:  r.config,
		Metrics: r.metrics.Handler(),
		Logger:  r.logger,
	})

	if err := server.Serve(ctx, addr, api, r.logger); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	r.logger.Info("server stopped")
	return nil
}
