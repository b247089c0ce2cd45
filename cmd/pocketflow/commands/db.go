package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/db"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/logger"
	"github.com/philiplau114/PocketFlowProject/store"
)

// DbCmd manages the controller database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the controller database",
	Long: `Manage the controller database: apply migrations, show statistics,
and read or tune the scheduling thresholds.

Examples:
  pocketflow db migrate
  pocketflow db stats
  pocketflow db threshold ls
  pocketflow db threshold set DISTANCE_THRESHOLD 0.05`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job, task and metric counts",
	RunE:  runDbStats,
}

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Read or tune scheduling thresholds",
}

var thresholdLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List threshold overrides stored in the database",
	RunE:  runThresholdLs,
}

var thresholdSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Set a threshold override (picked up on the next reload)",
	Args:  cobra.ExactArgs(2),
	RunE:  runThresholdSet,
}

func init() {
	thresholdCmd.AddCommand(thresholdLsCmd)
	thresholdCmd.AddCommand(thresholdSetCmd)
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(thresholdCmd)
}

func openStore(cmd *cobra.Command) (*store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load configuration")
	}
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, err
	}
	return store.New(database, logger.Logger), func() { database.Close() }, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	_, closeDB, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()
	fmt.Println("Migrations applied")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	st, closeDB, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	type counter struct {
		label string
		query string
	}
	counters := []counter{
		{"Jobs", "SELECT COUNT(*) FROM jobs"},
		{"  active", "SELECT COUNT(*) FROM jobs WHERE status IN ('new', 'in_progress')"},
		{"  succeeded", "SELECT COUNT(*) FROM jobs WHERE status = 'completed_success'"},
		{"  failed", "SELECT COUNT(*) FROM jobs WHERE status = 'failed'"},
		{"Tasks", "SELECT COUNT(*) FROM tasks"},
		{"  dispatchable", "SELECT COUNT(*) FROM tasks WHERE status IN ('new', 'retrying', 'fine_tuning')"},
		{"  in flight", "SELECT COUNT(*) FROM tasks WHERE status IN ('queued', 'worker_in_progress')"},
		{"Metrics", "SELECT COUNT(*) FROM metrics"},
		{"Artifacts", "SELECT COUNT(*) FROM artifacts"},
		{"Reoptimizations", "SELECT COUNT(*) FROM reoptimize_history"},
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, c := range counters {
		var n int
		if err := st.DB().QueryRowContext(cmd.Context(), c.query).Scan(&n); err != nil {
			return errors.Wrapf(err, "count %s", c.label)
		}
		fmt.Printf("%-18s %d\n", c.label+":", n)
	}
	return nil
}

func runThresholdLs(cmd *cobra.Command, args []string) error {
	st, closeDB, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	values, err := st.ThresholdValues(cmd.Context())
	if err != nil {
		return err
	}
	if len(values) == 0 {
		fmt.Println("No overrides stored; configured defaults apply")
		return nil
	}
	for name, value := range values {
		fmt.Printf("%-28s %g\n", name, value)
	}
	return nil
}

func runThresholdSet(cmd *cobra.Command, args []string) error {
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return errors.Wrapf(err, "parse value %q", args[1])
	}

	st, closeDB, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := st.SetThreshold(cmd.Context(), args[0], value); err != nil {
		return err
	}
	fmt.Printf("%s = %g (applies on next reload)\n", args[0], value)
	return nil
}
