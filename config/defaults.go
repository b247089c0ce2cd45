package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "pocketflow.db")

	// Broker defaults
	v.SetDefault("broker.path", "pocketflow-broker")

	// Ingest defaults
	v.SetDefault("ingest.watch_folder", "setfiles/01_user_inputs")
	v.SetDefault("ingest.processed_folder", "") // empty = <watch_folder>/processed
	v.SetDefault("ingest.max_file_bytes", 4*1024*1024)
	v.SetDefault("ingest.rescan_seconds", 10)

	// Controller defaults
	v.SetDefault("controller.user_id", "system")
	v.SetDefault("controller.lease_ttl_seconds", 60)

	// Threshold defaults (overridden at runtime by rows in the thresholds table)
	v.SetDefault("thresholds.task_max_attempts", 3)
	v.SetDefault("thresholds.max_fine_tune_depth", 2)
	v.SetDefault("thresholds.distance_threshold", 0.1)
	v.SetDefault("thresholds.score_threshold", 0.8)
	v.SetDefault("thresholds.aging_factor", 1.0)
	v.SetDefault("thresholds.job_stuck_minutes", 60)
	v.SetDefault("thresholds.worker_inactive_minutes", 5)
	v.SetDefault("thresholds.supervisor_poll_seconds", 20)
	v.SetDefault("thresholds.reload_seconds", 60)
	v.SetDefault("thresholds.lock_retry_count", 5)
	v.SetDefault("thresholds.lock_retry_sleep_ms", 100)

	// Notification defaults
	v.SetDefault("notify.smtp.port", 587)
}
