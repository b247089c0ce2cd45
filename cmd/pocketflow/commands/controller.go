// Package commands holds the pocketflow CLI commands.
package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/controller"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/logger"
)

// ControllerCmd runs the control plane
var ControllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the control plane",
	Long: `Run the PocketFlow control plane: ingestor, scheduler, watchdog and
reoptimizer, behind a single leader lease. The process exits non-zero if the
lease is lost so a supervisor can restart it.`,
	RunE: runController,
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(*cfg, logger.Logger)
	if err := ctrl.Run(ctx); err != nil {
		if errors.Is(err, errors.ErrLeaseLost) {
			logger.Logger.Errorw("Exiting after losing leader lease", "error", err)
			os.Exit(1)
		}
		return err
	}
	return nil
}
