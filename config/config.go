// Package config loads controller configuration and holds the hot-reloadable
// scheduling thresholds.
package config

// Config represents the PocketFlow controller configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Controller ControllerConfig `mapstructure:"controller"`
	Thresholds ThresholdConfig  `mapstructure:"thresholds"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BrokerConfig configures the embedded Badger broker
type BrokerConfig struct {
	Path string `mapstructure:"path"`
}

// IngestConfig configures the handoff directory watcher
type IngestConfig struct {
	WatchFolder     string `mapstructure:"watch_folder"`
	ProcessedFolder string `mapstructure:"processed_folder"` // defaults to <watch_folder>/processed
	MaxFileBytes    int64  `mapstructure:"max_file_bytes"`
	RescanSeconds   int    `mapstructure:"rescan_seconds"`
}

// ControllerConfig configures the control-plane process itself
type ControllerConfig struct {
	UserID          string `mapstructure:"user_id"`           // owner recorded on auto-created jobs
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"` // leader lease TTL
}

// ThresholdConfig carries the environment defaults for the thresholds table.
// Rows present in the store override these at runtime (see Thresholds).
type ThresholdConfig struct {
	TaskMaxAttempts         int     `mapstructure:"task_max_attempts"`
	MaxFineTuneDepth        int     `mapstructure:"max_fine_tune_depth"`
	DistanceThreshold       float64 `mapstructure:"distance_threshold"`
	ScoreThreshold          float64 `mapstructure:"score_threshold"`
	AgingFactor             float64 `mapstructure:"aging_factor"`
	JobStuckMinutes         int     `mapstructure:"job_stuck_minutes"`
	WorkerInactiveMinutes   int     `mapstructure:"worker_inactive_minutes"`
	SupervisorPollSeconds   int     `mapstructure:"supervisor_poll_seconds"`
	ReloadSeconds           int     `mapstructure:"reload_seconds"`
	LockRetryCount          int     `mapstructure:"lock_retry_count"`
	LockRetrySleepMillis    int     `mapstructure:"lock_retry_sleep_ms"`
}

// NotifyConfig configures the outbound notification channels
type NotifyConfig struct {
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// SMTPConfig configures email notifications
type SMTPConfig struct {
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"` // comma-separated recipients
}

// TelegramConfig configures Telegram bot notifications
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}
