package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/urfave/cli/v3"
)

// SetupDatabase initializes the local store and runs migrations.
//
// Creates the config file from the template when it does not exist yet.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	if r.configPath != "" {
		if _, err := os.Stat(r.configPath); errors.Is(err, os.ErrNotExist) {
			r.logger.Info("config file not found, creating from template", "path", r.configPath)
			if err := shared.CreateConfigFile(r.configPath); err != nil {
				r.logger.Warn("failed to create config file, using defaults", "error", err)
			} else {
				r.config = nil
				if err := r.loadConfig(); err != nil {
					return err
				}
			}
		}
	}

	db := r.config.Load().Database
	r.logger.Info("initializing database", "driver", db.Driver, "path", db.Path)

	if _, err := r.Engine(ctx); err != nil {
		return err
	}

	r.logger.Infof("setup complete for database: %v", db.Path)
	return r.writePlain("✓ Database ready\n")
}

// ConfigInit writes the built-in config template to the config path.
func (r *Runner) ConfigInit(ctx context.Context, cmd *cli.Command) error {
	if r.configPath == "" {
		return fmt.Errorf("%w: --config", shared.ErrMissingArgument)
	}

	if cmd.Bool("force") {
		if err := os.Remove(r.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}

	if err := shared.CreateConfigFile(r.configPath); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidArgument, err)
	}

	r.logger.Info("config file created", "path", r.configPath)
	r.writePlain("✓ Config written to %s\n", r.configPath)
	r.writePlain("\nNext steps:\n")
	r.writePlain("1. Set remote.base_url and the [[scopes]] credentials\n")
	r.writePlain("2. Run 'lsync setup database' to create the local store\n")
	return r.writePlain("3. Run 'lsync status <entity>' to preview a sync\n")
}

// ConfigShow prints the active configuration as TOML. Credentials are masked.
func (r *Runner) ConfigShow(ctx context.Context, cmd *cli.Command) error {
	cfg := *r.config.Load()
	cfg.Database.DSN = mask(cfg.Database.DSN)
	cfg.Scopes = make([]shared.ScopeConfig, len(r.config.Load().Scopes))
	for i, s := range r.config.Load().Scopes {
		s.SessionID = mask(s.SessionID)
		s.Token = mask(s.Token)
		s.ClientSecret = mask(s.ClientSecret)
		s.SignatureSecret = mask(s.SignatureSecret)
		cfg.Scopes[i] = s
	}

	source := r.config.Path()
	if source == "" {
		source = "built-in defaults"
	}
	r.writePlain("# source: %s\n", source)

	if err := toml.NewEncoder(r.output).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
