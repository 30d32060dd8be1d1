package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
)

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List check-ins waiting in the local queue",
		Long: `List the check-ins recorded while the store was unreachable, oldest
first, with their retry state.

Example:
  checkin pending
  checkin pending --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd, rootOpts)
		},
	}
	return cmd
}

type pendingReport struct {
	Stats        queue.Stats                 `json:"stats"`
	RetryCeiling int                         `json:"retryCeiling"`
	Items        []*models.PendingSyncRecord `json:"items"`
}

func (r pendingReport) RenderText(w io.Writer) {
	if len(r.Items) == 0 {
		fmt.Fprintln(w, "No check-ins waiting to sync.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tINVITEE\tCEREMONY\tQUEUED\tRETRIES\tLAST ERROR")
	for _, p := range r.Items {
		retries := fmt.Sprintf("%d", p.RetryCount)
		if p.LastTriedAt != nil {
			retries += " (" + humanize.Time(*p.LastTriedAt) + ")"
		}
		if p.ExceedsRetries(r.RetryCeiling) {
			retries += " !"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.TicketCode, p.InviteeID, p.CeremonyID, humanize.Time(p.QueuedAt), retries, p.LastError)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%s waiting", humanize.Comma(int64(r.Stats.Total)))
	if r.Stats.Retrying > 0 {
		fmt.Fprintf(w, ", %d retried", r.Stats.Retrying)
	}
	if r.Stats.Stuck > 0 {
		fmt.Fprintf(w, ", %d at the retry ceiling (!)", r.Stats.Stuck)
	}
	fmt.Fprintln(w)
}

func runPending(cmd *cobra.Command, opts *RootOptions) error {
	cfg := opts.Config.Station
	rt, err := openStation(cfg, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open station", err)
	}
	defer rt.Close()

	ctx := cmd.Context()
	items, err := rt.queue.GetPendingCheckIns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read the local queue", err)
	}
	stats, err := queue.Summarize(ctx, rt.queue, cfg.RetryCeiling)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read the local queue", err)
	}
	if items == nil {
		items = []*models.PendingSyncRecord{}
	}

	return opts.formatter(cmd).Success(pendingReport{
		Stats:        stats,
		RetryCeiling: cfg.RetryCeiling,
		Items:        items,
	})
}
