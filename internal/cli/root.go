package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/ids"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to the YAML config file
	State   string // device state database, overrides device.state_db
	Offline bool   // device commands never touch the network

	// Clock and IDs override the device wall clock and id generator (for
	// testing). If nil, the system clock and UUIDv7 ids are used.
	Clock clock.Clock
	IDs   ids.Generator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the liftsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "liftsync",
		Short: "liftsync - offline-first workout logging",
		Long: `Log workouts on a device that may be offline and reconcile them with a server.

Sessions are drafted locally and survive restarts. Finished sessions are pushed
when the server is reachable and queued when it is not; "liftsync sync" drains
the queue and pulls changes made on other devices.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to liftsync.yaml")
	cmd.PersistentFlags().StringVar(&opts.State, "state", "", "device state database (overrides device.state_db)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "treat the server as unreachable")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewTemplateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
