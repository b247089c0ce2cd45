package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/cmd/pocketflow/commands"
	"github.com/philiplau114/PocketFlowProject/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pocketflow",
	Short: "PocketFlow - EA parameter optimization controller",
	Long: `PocketFlow - distributed EA parameter optimization controller.

The controller ingests parameter set files, schedules optimization tasks to
workers through a local broker, evaluates their metrics, spawns fine-tune
passes, and recycles the best results back into the pipeline.

Available commands:
  controller  - Run the control plane (ingestor, scheduler, watchdog, reoptimizer)
  ingest      - Ingest a set file or rescan the watch folder once
  queue       - Inspect the broker queues
  db          - Manage the database (migrate, stats, thresholds)
  reoptimize  - Manually reoptimize from a metric
  version     - Show build information

Examples:
  pocketflow controller              # Run the control plane
  pocketflow ingest EURUSD_H1_MyEA.set
  pocketflow db stats
  pocketflow db threshold set DISTANCE_THRESHOLD 0.05
  pocketflow queue ls`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var jsonLogs bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(commands.ControllerCmd)
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.NotifyCmd)
	rootCmd.AddCommand(commands.ReoptimizeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
