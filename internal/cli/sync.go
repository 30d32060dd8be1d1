package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/ceremonia/checkin/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Submit queued check-ins to the store once",
		Long: `Run one sync pass over the local queue: every queued check-in is
submitted to the store, removed when the store confirms it and retry-marked
otherwise.

Example:
  checkin sync
  checkin sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "upper bound of the pass")

	return cmd
}

type syncReport struct {
	*syncpkg.SyncResult
	Remaining int `json:"remaining"`
}

func (r syncReport) RenderText(w io.Writer) {
	if r.Attempted == 0 {
		fmt.Fprintln(w, "Nothing to sync.")
		return
	}
	fmt.Fprintf(w, "Synced %d of %d queued check-ins", r.Synced, r.Attempted)
	if r.Duplicates > 0 {
		fmt.Fprintf(w, " (%d already in the store)", r.Duplicates)
	}
	fmt.Fprintf(w, " in %s.\n", r.Duration.Round(time.Millisecond))
	if r.Failed > 0 {
		fmt.Fprintf(w, "%d failed and stay queued.\n", r.Failed)
	}
	if len(r.Stuck) > 0 {
		fmt.Fprintf(w, "Needs operator review: %s\n", strings.Join(r.Stuck, ", "))
	}
	if r.Canceled {
		fmt.Fprintln(w, "Pass was interrupted.")
	}
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	rt, err := openStation(opts.Config.Station, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open station", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	result, err := rt.reconciler.SyncPending(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read the local queue", err)
	}

	report := syncReport{SyncResult: result, Remaining: result.Remaining()}
	if err := opts.formatter(cmd).Success(report); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d check-ins could not be synced", result.Failed))
	}
	return nil
}
