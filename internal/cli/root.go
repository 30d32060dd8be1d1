// Package cli implements the checkin command line: the store server, the
// operator station and the offline queue tools.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ceremonia/checkin/internal/config"
	"github.com/ceremonia/checkin/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Set by the root pre-run.
	Config *config.Config
	Logger *logging.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Graduation check-in station and store",
		Long: `Offline-tolerant admission logging for graduation ceremonies.

The station records ticket check-ins against the check-in store and keeps
them in a durable local queue while the store is unreachable. Queued
check-ins are synced automatically once connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			opts.Config = cfg

			level := cfg.LogLevel()
			if opts.Verbose {
				level = logging.LevelDebug
			}
			// Components built without an explicit logger fall back to Get().
			logging.InitWithFormat(cmd.ErrOrStderr(), level, cfg.Log.Format)
			opts.Logger = logging.Get()
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("CHECKIN_CONFIG"), "path to YAML config file")

	cmd.AddCommand(NewServerCommand(opts))
	cmd.AddCommand(NewStationCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
