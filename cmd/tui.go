package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/desertthunder/ledgersync/internal/tasks"
	"github.com/desertthunder/ledgersync/internal/ui"
	"github.com/urfave/cli/v3"
)

// TUI launches the interactive terminal UI on the entity list.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	return r.runTUI(ctx, tasks.SyncRequest{Scope: cmd.String("scope"), Filter: filter})
}

// runTUI opens the UI for req. A request naming an entity starts on its status check.
func (r *Runner) runTUI(ctx context.Context, req tasks.SyncRequest) error {
	// Redirect logs to file to avoid interfering with TUI rendering
	path := r.config.Load().Log.File
	if path == "" {
		path = "./tmp/lsync-tui.log"
	}
	fileLogger, err := shared.NewFileLogger(path)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	fileLogger.SetLevel(r.logger.GetLevel())
	r.SetLogger(fileLogger)

	engine, err := r.Engine(ctx)
	if err != nil {
		return err
	}

	model := ui.NewModel(ctx, engine, req)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	if report, ok := model.Report(); ok {
		r.logger.Info("tui sync finished", "run", report.RunID, "status", report.Status)
	}
	return nil
}
