package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxq/internal/scheduler"
)

var (
	workerOnce  bool
	workerSweep string
	workerMax   int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued jobs and record their outcome",
	Long: `Consume queued jobs. With --once the worker handles at most one message
and exits, which is how a triggered job execution runs. Otherwise it polls
the subscription until interrupted, optionally sweeping on a cron schedule.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "handle at most one message and exit")
	workerCmd.Flags().StringVar(&workerSweep, "sweep", "", `cron schedule for periodic drains (e.g. "*/5 * * * *")`)
	workerCmd.Flags().IntVar(&workerMax, "max", 0, "messages per sweep (0 = drain everything)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	logger := sc.Logger

	consumer := sc.newConsumer(goutils.Env("SANDBOX_MESSAGE_ID", ""))

	if workerOnce {
		processed, err := consumer.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("worker finished", slog.Bool("processed", processed))
		return nil
	}

	sweep := workerSweep
	if sweep == "" {
		sweep = sc.Config.Worker.Sweep
	}
	if sweep != "" {
		perSweep := workerMax
		if perSweep == 0 {
			perSweep = sc.Config.Worker.MaxPerSweep
		}
		sweeper, err := scheduler.New(consumer.Drain, scheduler.Config{
			Schedule:    sweep,
			MaxPerTick:  perSweep,
			TickTimeout: sc.Config.Worker.JobTimeout(),
		}, scheduler.NewMetrics(sc.Obs.Registry()), logger)
		if err != nil {
			return fmt.Errorf("initializing sweeper: %w", err)
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
		logger.Debug("sweeper started", slog.String("schedule", sweep))
	}

	logger.Info("worker started",
		slog.String("consumer_id", consumer.ID()),
		slog.String("poll_interval", sc.Config.Worker.PollInterval().String()),
	)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
