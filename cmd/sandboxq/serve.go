package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxq/internal/httpapi"
	"github.com/jkaninda/sandboxq/internal/orchestrator"
)

var (
	serveAddr   string
	serveWorker bool
	serveDocs   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator endpoints (health, metrics, session status)",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override listen address (e.g. :8090)")
		cmd.Flags().BoolVar(&serveWorker, "worker", false, "also run a consumer in this process (always on with the memory queue)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	logger := sc.Logger
	cfg := sc.Config

	addr := cfg.Server.ListenAddress()
	if serveAddr != "" {
		addr = serveAddr
	}

	srvCfg := httpapi.Config{
		ListenAddr:    addr,
		EnableDocs:    serveDocs,
		HealthChecker: sc.Obs.Health,
		Tracer:        sc.Obs.SpanTracer(),
	}
	if sc.Obs.Metrics != nil {
		srvCfg.Metrics = sc.Obs.Metrics
		srvCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		srvCfg.MetricsPath = cfg.MetricsPath()
	}
	server := httpapi.NewServer(srvCfg, sc.Sessions.Open(orchestrator.Identity{}), logger)

	if serveWorker || sc.Local() {
		consumer := sc.newConsumer("")
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("embedded consumer exited", slog.String("error", err.Error()))
			}
		}()
		logger.Info("embedded consumer started", slog.String("consumer_id", consumer.ID()))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("operator api exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping operator api", slog.String("error", err.Error()))
	}
	return nil
}
