package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tributary/internal/api"
	"tributary/internal/metrics"
)

var flagWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve [path]",
	Short: "Index the workspace, keep it current with a live watch and serve the agent API",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&flagWorkers, "workers", 0, "parallel workers per stage (default from config)")
	serveCmd.PreRun = applyWorkers
	rootCmd.AddCommand(serveCmd)
}

func applyWorkers(cmd *cobra.Command, args []string) {
	if cmd.Flags().Changed("workers") && flagWorkers > 0 {
		cfg.Pipeline.Workers = flagWorkers
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := rootArg(args); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.ensureFormat(ctx); err != nil {
		return err
	}
	a.metrics = metrics.New(prometheus.DefaultRegisterer)

	idx, err := a.indexer()
	if err != nil {
		return err
	}

	handler := api.New(a.port(), a.lock, a.store, idx, a.healthChecker())
	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return idx.Serve(gctx)
	})
	g.Go(func() error {
		slog.Info("api listening", "addr", server.Addr, "root", cfg.Workspace.Root)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Addr, a.metrics)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownMetrics(shutdownCtx)
		})
	}

	err = g.Wait()
	slog.Info("tributary stopped")
	return err
}
