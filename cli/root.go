/*
root.go - rosterctl command tree

PURPOSE:
  Command-line access to the roster engine without the HTTP server:
  import files straight into the database and inspect the registry.

COMMANDS:
  rosterctl import <file>...   Import roster files, one batch per file
  rosterctl persons            List persons (--role)
  rosterctl ledger <key>       Show the ledger entry of a person
  rosterctl runs               Import history (--limit)
  rosterctl version            Print the build version

GLOBAL FLAGS:
  --config   YAML config file (ROSTER_* env and .env still apply)
  --db       Database path, overrides the config
  --format   text | json

SEE ALSO:
  - cmd/rosterctl/main.go: Entry point
  - config/config.go: Settings
*/
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/warp/roster-engine/config"
	"github.com/warp/roster-engine/store/sqlite"
)

// Version is set at build time with -ldflags "-X .../cli.Version=...".
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for rosterctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rosterctl",
		Short: "Roster engine command line",
		Long:  "Import enrollment spreadsheets into the student registry and inspect the result.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log import progress to stderr")

	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewPersonsCommand(opts))
	cmd.AddCommand(NewLedgerCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// env is what every data command needs: settings, a logger and an open store.
type env struct {
	cfg   *config.Config
	log   *slog.Logger
	store *sqlite.Store
}

func openEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.DBPath != "" {
		cfg.DatabasePath = opts.DBPath
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return &env{cfg: cfg, log: log, store: st}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}
