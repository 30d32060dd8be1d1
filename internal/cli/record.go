package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ceremonia/checkin/internal/checkin"
	"github.com/ceremonia/checkin/internal/errors"
	"github.com/ceremonia/checkin/internal/models"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	CeremonyID string
	RosterPath string
	InviteeID  string
	Name       string
	Role       string
	Source     string
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <ticket-code>",
		Short: "Record one check-in from the command line",
		Long: `Record a single admission the same way the station does: submit it to
the store and queue it locally when the store is unreachable.

The invitee is resolved from --roster, or described with --invitee.

Example:
  checkin record GRAD-001 --roster invitees.json
  checkin record GRAD-002 --invitee inv-2 --name "Luis Soto" --role guest`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.CeremonyID, "ceremony", "", "ceremony id (overrides station.ceremony_id)")
	cmd.Flags().StringVar(&opts.RosterPath, "roster", "", "JSON file with the ceremony's invitees")
	cmd.Flags().StringVar(&opts.InviteeID, "invitee", "", "invitee id when no roster is given")
	cmd.Flags().StringVar(&opts.Name, "name", "", "invitee name")
	cmd.Flags().StringVar(&opts.Role, "role", "", "invitee role (student|guest)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "check-in source (scanner|manual)")

	return cmd
}

// recordResult is the printable form of an outcome.
type recordResult struct {
	*checkin.Outcome
}

func (r recordResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s: %s\n", r.Status, r.Message)
	if r.Record.ID != "" {
		fmt.Fprintf(w, "  record    %s\n", r.Record.ID)
		fmt.Fprintf(w, "  scanned   %s\n", models.FormatTimestamp(r.Record.ScannedAt))
	}
	if r.Warning != "" {
		fmt.Fprintf(w, "  warning   %s\n", r.Warning)
	}
}

func runRecord(cmd *cobra.Command, opts *RecordOptions, ticketCode string) error {
	cfg := opts.Config.Station
	if opts.CeremonyID != "" {
		cfg.CeremonyID = opts.CeremonyID
	}
	if cfg.CeremonyID == "" {
		return NewExitError(ExitCommandError, "a ceremony id is required (--ceremony or station.ceremony_id)")
	}
	if opts.RosterPath == "" && opts.InviteeID == "" {
		return NewExitError(ExitCommandError, "either --roster or --invitee is required")
	}

	rt, err := openStation(cfg, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open station", err)
	}
	defer rt.Close()

	ctx := cmd.Context()
	hydrateCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout.Std())
	if _, err := rt.recorder.Hydrate(hydrateCtx, rt.client); err != nil {
		opts.Logger.Debug("Store listing unavailable", map[string]interface{}{"error": err.Error()})
	}
	cancel()

	var (
		outcome *checkin.Outcome
		recErr  error
	)
	if opts.RosterPath != "" {
		roster, err := loadRoster(opts.RosterPath, cfg.CeremonyID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load roster", err)
		}
		rt.recorder.SetRoster(roster)
		if opts.Source != "" && opts.Source != string(models.SourceScanner) {
			invitee, ok := roster.Lookup(ticketCode)
			if !ok {
				recErr = errors.Newf(errors.ErrTicketUnknown, "ticket %s does not belong to this ceremony", ticketCode)
			} else {
				outcome, recErr = rt.recorder.RecordCheckIn(ctx, invitee, models.Source(opts.Source))
			}
		} else {
			outcome, recErr = rt.recorder.RecordScan(ctx, ticketCode)
		}
	} else {
		source := models.Source(opts.Source)
		if source == "" {
			source = models.SourceManual
		}
		outcome, recErr = rt.recorder.RecordCheckIn(ctx, models.Invitee{
			ID:         opts.InviteeID,
			CeremonyID: cfg.CeremonyID,
			TicketCode: ticketCode,
			Name:       opts.Name,
			Role:       models.Role(opts.Role),
		}, source)
	}

	out := opts.formatter(cmd)
	if recErr != nil {
		if outcome != nil {
			out.Success(recordResult{outcome})
			return WrapExitError(ExitFailure, outcome.Message, recErr)
		}
		out.Error(string(errors.CodeOf(recErr)), recErr.Error(), nil)
		return WrapExitError(ExitFailure, "check-in not recorded", recErr)
	}
	return out.Success(recordResult{outcome})
}
