package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/ledgersync/internal/entities"
	"github.com/desertthunder/ledgersync/internal/metrics"
	"github.com/desertthunder/ledgersync/internal/repositories"
	"github.com/desertthunder/ledgersync/internal/services"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/desertthunder/ledgersync/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The store, catalog client and engine are built on first use so commands such as
// config init work without a database.
type Runner struct {
	configPath string
	config     *shared.ConfigStore
	store      repositories.Store
	transport  http.RoundTripper
	logger     *log.Logger
	output     io.Writer
	catalog    *services.CatalogClient
	metrics    *metrics.Metrics
	engine     *tasks.Engine
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	ConfigPath string
	Config     *shared.ConfigStore
	Store      repositories.Store // opened from the database config when nil
	Transport  http.RoundTripper  // base transport of the catalog client
	Logger     *log.Logger
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		configPath: opts.ConfigPath,
		config:     opts.Config,
		store:      opts.Store,
		transport:  opts.Transport,
		logger:     opts.Logger,
		output:     opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, configCommand, entitiesCommand, statusCommand, syncCommand, runsCommand, serveCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// before resolves the config file and applies the log level.
func (r *Runner) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if path := cmd.String("config"); path != "" {
		r.configPath = path
	}
	if err := r.loadConfig(); err != nil {
		return ctx, err
	}

	shared.ApplyLogConfig(r.logger, r.config.Load().Log)
	if lvl := cmd.String("log-level"); lvl != "" {
		parsed, err := log.ParseLevel(strings.ToLower(lvl))
		if err != nil {
			return ctx, fmt.Errorf("%w: log level %q", shared.ErrInvalidFlag, lvl)
		}
		shared.SetLogLevel(r.logger, parsed)
	}
	return ctx, nil
}

func (r *Runner) after(ctx context.Context, cmd *cli.Command) error {
	return r.Close()
}

// loadConfig builds the config store. A missing file falls back to the built-in defaults.
func (r *Runner) loadConfig() error {
	if r.config != nil {
		return nil
	}

	if r.configPath == "" {
		r.config = shared.NewConfigStore("", nil)
		return nil
	}

	if _, err := os.Stat(r.configPath); errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("config file not found, using defaults", "path", r.configPath)
		r.config = shared.NewConfigStore("", nil)
		return nil
	}

	cfg, err := shared.LoadConfig(r.configPath)
	if err != nil {
		return err
	}
	r.config = shared.NewConfigStore(r.configPath, cfg)
	return nil
}

// Engine opens the store and builds the engine with every built-in entity registered.
func (r *Runner) Engine(ctx context.Context) (*tasks.Engine, error) {
	if r.engine != nil {
		return r.engine, nil
	}
	if err := r.loadConfig(); err != nil {
		return nil, err
	}

	if r.store == nil {
		cfg := r.config.Load()
		r.logger.Debug("opening store", "driver", cfg.Database.Driver)
		store, err := repositories.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		r.store = store
	}

	r.catalog = services.NewCatalogClient(services.CatalogOpts{
		Store:     r.config,
		Transport: r.transport,
		Logger:    r.logger,
	})
	r.metrics = metrics.New()

	engine := tasks.NewEngine(tasks.EngineOpts{
		Store:    r.store,
		Runs:     r.store,
		Observer: r.metrics,
		Config:   r.config,
		Logger:   r.logger,
	})
	if err := entities.Register(engine, r.catalog); err != nil {
		return nil, err
	}

	r.engine = engine
	return engine, nil
}

// SetLogger replaces the logger, e.g. when stderr belongs to the TUI.
func (r *Runner) SetLogger(l *log.Logger) {
	r.logger = l
}

// Close releases the store.
func (r *Runner) Close() error {
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	r.engine = nil
	return err
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writeBytes(b []byte) error {
	if _, err := r.output.Write(b); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
