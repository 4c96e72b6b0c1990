package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxq/internal/orchestrator"
)

var (
	statusWait     bool
	statusInterval time.Duration
	statusTimeout  time.Duration
	statusLogs     bool
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the latest job status of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWait, "wait", false, "poll until the job is no longer pending")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", orchestrator.DefaultPollInterval, "poll interval with --wait")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Minute, "give up waiting after this long")
	statusCmd.Flags().BoolVar(&statusLogs, "logs", false, "print recorded log lines instead of the status")
}

func runStatus(_ *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	sessionID := args[0]
	svc := sc.Sessions.Open(orchestrator.Identity{SessionID: sessionID})

	if statusLogs {
		resp, err := svc.GetLogs(ctx, sessionID, false)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, resp.Stdout)
		return err
	}

	if !statusWait {
		resp, err := svc.GetInstanceStatus(ctx, sessionID)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, resp)
	}

	waitCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	resp, err := orchestrator.WaitForTerminal(waitCtx, svc, sessionID, statusInterval)
	if resp != nil {
		if perr := printJSON(os.Stdout, resp); perr != nil {
			return perr
		}
	}
	if err != nil {
		return fmt.Errorf("waiting for session %s: %w", sessionID, err)
	}
	if !resp.IsHealthy {
		return fmt.Errorf("session %s job failed: %s", sessionID, resp.Error)
	}
	return nil
}
