package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/db"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/ingest"
	"github.com/philiplau114/PocketFlowProject/logger"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/store"
)

// IngestCmd ingests set files outside the running controller
var IngestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a set file, or rescan the watch folder once",
	Long: `Ingest one parameter set file into a new job, or with no argument
rescan the watch folder once and ingest everything found.

Examples:
  pocketflow ingest EURUSD_H1_MyEA.set
  pocketflow ingest`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, logger.Logger); err != nil {
		return err
	}

	st := store.New(database, logger.Logger)
	holder := config.NewThresholdHolder(config.ThresholdsFromConfig(cfg.Thresholds))
	notifier := notify.NewLogNotifier(logger.Logger)
	ingestor := ingest.New(st, holder, notifier, cfg.Ingest, cfg.Controller.UserID, logger.Logger)

	if len(args) == 1 {
		if err := ingestor.IngestFile(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Ingested %s\n", args[0])
		return nil
	}

	ingestor.ScanOnce(cmd.Context())
	fmt.Println("Watch folder rescan complete")
	return nil
}
