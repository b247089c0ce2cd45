package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/db"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/logger"
	"github.com/philiplau114/PocketFlowProject/reoptimizer"
	"github.com/philiplau114/PocketFlowProject/store"
)

// ReoptimizeCmd manually reoptimizes from a metric
var ReoptimizeCmd = &cobra.Command{
	Use:   "reoptimize <metric-id>",
	Short: "Manually reoptimize from a metric",
	Long: `Write the output parameter set of a metric back into the watch
folder under a derivative name, creating a fresh optimization job from it.

A metric can seed at most one reoptimization; a second trigger is refused.

Examples:
  pocketflow reoptimize 42
  pocketflow reoptimize 42 --user alice`,
	Args: cobra.ExactArgs(1),
	RunE: runReoptimize,
}

var reoptimizeUserFlag string

func init() {
	ReoptimizeCmd.Flags().StringVar(&reoptimizeUserFlag, "user", "", "User recorded on the reoptimize history row")
}

func runReoptimize(cmd *cobra.Command, args []string) error {
	metricID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse metric id %q", args[0])
	}

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

	br, err := broker.OpenBadger(cfg.Broker.Path, logger.Logger)
	if err != nil {
		return err
	}
	defer br.Close()

	ctx := cmd.Context()
	metric, err := st.GetMetric(ctx, metricID)
	if err != nil {
		return err
	}
	done, err := st.MetricWasReoptimized(ctx, metricID)
	if err != nil {
		return err
	}
	if done {
		return errors.Newf("metric %d already seeded a reoptimization", metricID)
	}

	task, err := st.GetTask(ctx, metric.TaskID)
	if err != nil {
		return err
	}
	job, err := st.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}

	userID := reoptimizeUserFlag
	if userID == "" {
		userID = cfg.Controller.UserID
	}

	holder := config.NewThresholdHolder(config.ThresholdsFromConfig(cfg.Thresholds))
	reopt := reoptimizer.New(st, br, holder, cfg.Ingest.WatchFolder, cfg.Controller.UserID, logger.Logger)
	if err := reopt.Trigger(ctx, store.ReoptimizeCandidate{Metric: metric, Job: job}, store.TriggerManual, userID); err != nil {
		return err
	}

	fmt.Printf("Reoptimize triggered from metric %d (job %d)\n", metricID, job.ID)
	return nil
}
