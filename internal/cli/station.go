package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceremonia/checkin/internal/metrics"
	"github.com/ceremonia/checkin/internal/station"
	"github.com/ceremonia/checkin/internal/sync/connectivity"
	"github.com/ceremonia/checkin/internal/sync/scheduler"
)

// StationOptions holds flags for the station command.
type StationOptions struct {
	*RootOptions
	Listen     string
	CeremonyID string
	RosterPath string
}

// NewStationCommand creates the station command.
func NewStationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "station",
		Short: "Run an operator check-in station",
		Long: `Run the station backend that operator screens talk to.

The station records scans against the check-in store, queues them locally
while the store is unreachable and syncs the queue when it comes back.

Example:
  checkin station --ceremony cer-2026 --roster invitees.json
  checkin station --listen :8090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStation(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides station.listen)")
	cmd.Flags().StringVar(&opts.CeremonyID, "ceremony", "", "ceremony id (overrides station.ceremony_id)")
	cmd.Flags().StringVar(&opts.RosterPath, "roster", "", "JSON file with the ceremony's invitees")

	return cmd
}

func runStation(cmd *cobra.Command, opts *StationOptions) error {
	cfg := opts.Config.Station
	logger := opts.Logger
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.CeremonyID != "" {
		cfg.CeremonyID = opts.CeremonyID
	}
	if cfg.CeremonyID == "" {
		return NewExitError(ExitCommandError, "a ceremony id is required (--ceremony or station.ceremony_id)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	rt, err := openStation(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start station", err)
	}
	defer rt.Close()

	if opts.RosterPath != "" {
		roster, err := loadRoster(opts.RosterPath, cfg.CeremonyID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load roster", err)
		}
		rt.recorder.SetRoster(roster)
		logger.Info("Roster loaded", map[string]interface{}{"invitees": roster.Len()})
	}

	hydrateCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout.Std())
	added, err := rt.recorder.Hydrate(hydrateCtx, rt.client)
	cancel()
	if err != nil {
		logger.Warn("Store listing unavailable; duplicate detection starts from the local queue",
			map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Check-in state loaded", map[string]interface{}{"records": added, "ceremony_id": cfg.CeremonyID})

	hub := station.NewHub(logger)
	defer hub.Close()
	rt.recorder.AddListener(hub)
	rt.reconciler.AddHandler(hub)

	monitor := connectivity.NewMonitor(false)
	unsubscribe := monitor.Subscribe(hub.ConnectivityChanged)
	defer unsubscribe()

	prober := connectivity.NewProber(rt.client, monitor, &connectivity.ProberConfig{
		Interval:   cfg.ProbeInterval.Std(),
		MaxBackoff: cfg.MaxProbeBackoff.Std(),
		Timeout:    cfg.RequestTimeout.Std(),
		Logger:     logger,
	})

	sched := scheduler.NewScheduler(rt.reconciler, rt.queue, monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.SyncInterval.Std(),
		PassTimeout:  scheduler.DefaultSchedulerConfig().PassTimeout,
		Logger:       logger,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Run probes immediately; going online triggers the first sync pass.
	// This defer runs before sched.Stop and the hub unsubscribe, so the
	// last probe lands while they still listen.
	stopProber := prober.Start(ctx)
	defer stopProber()

	srv := station.New(station.Options{
		Recorder:     rt.recorder,
		Queue:        rt.queue,
		Sync:         sched,
		Hub:          hub,
		RetryCeiling: cfg.RetryCeiling,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "station stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down station")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	return nil
}
