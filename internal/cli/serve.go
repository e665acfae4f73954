package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kobopay/kobod/internal/di"
)

// shutdownGrace bounds how long in-flight HTTP requests may run after the
// stop signal before the listener is torn down.
const shutdownGrace = 10 * time.Second

// serveCmd represents the serve command (default action)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger daemon",
	Long: `Start kobod: the HTTP API, the outbox dispatcher, the approval
sweeper and, when enabled, the gRPC health probe. The process runs until
SIGINT or SIGTERM and shuts down in order: listeners first, then the
background loops, then storage.

This is the default command when no subcommand is given.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Running the bare binary starts the daemon.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return err
	}

	log, err := provider.GetLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() {
		if err := container.CloseAll(); err != nil {
			log.Warn("closing services", zap.Error(err))
		}
	}()

	srv, err := provider.GetHTTPServer()
	if err != nil {
		return err
	}
	defer func() { _ = srv.Hub().Close() }()

	dispatcher, err := provider.GetDispatcher()
	if err != nil {
		return err
	}
	sweeper, err := provider.GetSweeper()
	if err != nil {
		return err
	}
	probe, err := provider.GetProbe()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if probe != nil {
		if err := probe.StartAsync(); err != nil {
			return err
		}
		defer probe.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http api listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if !quiet {
		fmt.Printf("kobod listening on %s\n", cfg.Server.Address)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("kobod stopped")
	return nil
}
