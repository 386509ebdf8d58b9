// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

// app builds the root command. The config flag is global so every subcommand can read it.
func (r *Runner) app() *cli.Command {
	return &cli.Command{
		Name:    "lsync",
		Usage:   "Reconcile remote ERP records into a local ledger-tracked store",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
				Sources: cli.EnvVars("LSYNC_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
		},
		Before:   r.before,
		After:    r.after,
		Commands: r.register(),
	}
}

// setupCommand handles setup operations for the local store.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Initialize the local store and run migrations",
				Action: r.SetupDatabase,
			},
		},
	}
}

// configCommand manages the TOML config file.
func configCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration file commands",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a config file from the built-in template",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: r.ConfigInit,
			},
			{
				Name:   "show",
				Usage:  "Print the active configuration with secrets masked",
				Action: r.ConfigShow,
			},
		},
	}
}

// entitiesCommand lists the registered entity types.
func entitiesCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "entities",
		Usage: "List the entity types that can be synced",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.Entities,
	}
}

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "scope",
			Aliases: []string{"s"},
			Usage:   "Scope key (defaults to the first configured scope)",
		},
		&cli.StringFlag{
			Name:  "from",
			Usage: "Transaction date range start (YYYY-MM-DD)",
		},
		&cli.StringFlag{
			Name:  "to",
			Usage: "Transaction date range end (YYYY-MM-DD)",
		},
		&cli.StringFlag{
			Name:  "warehouse",
			Usage: "Restrict the listing to one warehouse",
		},
	}
}

// statusCommand previews what a sync would do.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Compare the remote listing with the ledger without fetching details",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "entity"},
		},
		Flags: append(filterFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		),
		Action: r.Status,
	}
}

// syncCommand runs a reconciliation.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Fetch new and updated records and persist them",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "entity"},
		},
		Flags: append(filterFlags(),
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				Usage:   "missingOnly or all (defaults to sync.mode)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Concurrent fetches per batch (defaults to sync.batch_size)",
			},
			&cli.DurationFlag{
				Name:  "batch-delay",
				Usage: "Pause between batches (defaults to sync.batch_delay_ms)",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Retries after a transient failure (defaults to sync.max_retries)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Report format: text, json, markdown or csv",
				Value:   "text",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the report to this file instead of stdout",
			},
			&cli.BoolFlag{
				Name:  "save",
				Usage: "Also save the report as {entity}_{run}.{ext}",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Do not log progress",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Follow the run in the interactive UI",
			},
		),
		Action: r.Sync,
	}
}

// runsCommand prints the run history.
func runsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Show recent sync runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "entity",
				Usage: "Only runs of this entity",
			},
			&cli.StringFlag{
				Name:    "scope",
				Aliases: []string{"s"},
				Usage:   "Only runs of this scope",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only runs with this status (success, aborted, canceled)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of runs",
				Value:   20,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.Runs,
	}
}

// serveCommand exposes the engine over HTTP.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the status, sync, runs and metrics endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (defaults to server.host:server.port)",
			},
		},
		Action: r.Serve,
	}
}

// tuiCommand returns the top-level TUI command.
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "tui",
		Aliases: []string{"interactive", "ui"},
		Usage:   "Launch the interactive UI to pick an entity and follow its sync",
		Flags:   filterFlags(),
		Action:  r.TUI,
	}
}
