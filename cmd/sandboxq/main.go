// sandboxq dispatches sandbox jobs onto a queue and runs the workers that
// execute them.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sandboxq",
	Short: "sandboxq: asynchronous sandbox job orchestrator",
	Long: `sandboxq turns sandbox operations into queued jobs. The dispatcher records
a status, publishes the job envelope and triggers an out-of-process worker.
Callers poll the status record for the outcome.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML or JSON)")
	rootCmd.AddCommand(serveCmd, workerCmd, dispatchCmd, statusCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
