package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceremonia/checkin/internal/metrics"
	"github.com/ceremonia/checkin/internal/server"
)

// ServerOptions holds flags for the server command.
type ServerOptions struct {
	*RootOptions
	Listen string
}

// NewServerCommand creates the server command.
func NewServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the check-in store",
		Long: `Run the remote check-in store that stations submit admissions to.

The store keeps one check-in per invitee per ceremony in SQLite or
PostgreSQL and optionally announces new admissions on a Redis stream.

Example:
  checkin server --listen :8080
  CHECKIN_DB_DRIVER=pgx CHECKIN_DB_DSN=postgres://... checkin server`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

func runServer(cmd *cobra.Command, opts *ServerOptions) error {
	cfg := opts.Config.Server
	logger := opts.Logger
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	store, err := server.OpenStore(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open check-in database", err)
	}
	defer store.Close()

	serverOpts := server.Options{
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	}
	if cfg.CacheSize > 0 {
		index, err := server.NewIndex(cfg.CacheSize)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create dedupe index", err)
		}
		serverOpts.Index = index
	}
	if cfg.RedisURL != "" {
		rdb, err := server.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		defer rdb.Close()
		serverOpts.Publisher = server.NewStreamPublisher(rdb, cfg.Stream, logger)
		logger.Info("Publishing admissions", map[string]interface{}{"stream": cfg.Stream})
	}

	srv := server.New(store, serverOpts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "check-in store stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down check-in store")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	return nil
}
