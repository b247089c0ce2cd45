package config

import (
	"sync/atomic"
	"time"
)

// Threshold row names as stored in the thresholds table.
// JOB_STUCK_THRESHOLD and WORKER_INACTIVE_THRESHOLD are minutes;
// SUPERVISOR_POLL_INTERVAL and RELOAD_INTERVAL are seconds.
const (
	NameTaskMaxAttempts         = "TASK_MAX_ATTEMPTS"
	NameMaxFineTuneDepth        = "MAX_FINE_TUNE_DEPTH"
	NameDistanceThreshold       = "DISTANCE_THRESHOLD"
	NameScoreThreshold          = "SCORE_THRESHOLD"
	NameAgingFactor             = "AGING_FACTOR"
	NameJobStuckThreshold       = "JOB_STUCK_THRESHOLD"
	NameWorkerInactiveThreshold = "WORKER_INACTIVE_THRESHOLD"
	NameSupervisorPollInterval  = "SUPERVISOR_POLL_INTERVAL"
	NameReloadInterval          = "RELOAD_INTERVAL"
)

// Thresholds is an immutable snapshot of the scheduling thresholds.
// Readers obtain a whole snapshot from a Holder; fields are never mutated
// individually after construction.
type Thresholds struct {
	TaskMaxAttempts         int
	MaxFineTuneDepth        int
	DistanceThreshold       float64
	ScoreThreshold          float64
	AgingFactor             float64
	JobStuckThreshold       time.Duration
	WorkerInactiveThreshold time.Duration
	SupervisorPollInterval  time.Duration
	ReloadInterval          time.Duration
	LockRetryCount          int
	LockRetrySleep          time.Duration
}

// ThresholdsFromConfig builds the boot-time snapshot from environment defaults
func ThresholdsFromConfig(tc ThresholdConfig) Thresholds {
	return Thresholds{
		TaskMaxAttempts:         tc.TaskMaxAttempts,
		MaxFineTuneDepth:        tc.MaxFineTuneDepth,
		DistanceThreshold:       tc.DistanceThreshold,
		ScoreThreshold:          tc.ScoreThreshold,
		AgingFactor:             tc.AgingFactor,
		JobStuckThreshold:       time.Duration(tc.JobStuckMinutes) * time.Minute,
		WorkerInactiveThreshold: time.Duration(tc.WorkerInactiveMinutes) * time.Minute,
		SupervisorPollInterval:  time.Duration(tc.SupervisorPollSeconds) * time.Second,
		ReloadInterval:          time.Duration(tc.ReloadSeconds) * time.Second,
		LockRetryCount:          tc.LockRetryCount,
		LockRetrySleep:          time.Duration(tc.LockRetrySleepMillis) * time.Millisecond,
	}
}

// Override returns a copy of the snapshot with any values present in the
// store's thresholds table applied. Missing rows keep their defaults.
func (t Thresholds) Override(values map[string]float64) Thresholds {
	out := t
	if v, ok := values[NameTaskMaxAttempts]; ok {
		out.TaskMaxAttempts = int(v)
	}
	if v, ok := values[NameMaxFineTuneDepth]; ok {
		out.MaxFineTuneDepth = int(v)
	}
	if v, ok := values[NameDistanceThreshold]; ok {
		out.DistanceThreshold = v
	}
	if v, ok := values[NameScoreThreshold]; ok {
		out.ScoreThreshold = v
	}
	if v, ok := values[NameAgingFactor]; ok {
		out.AgingFactor = v
	}
	if v, ok := values[NameJobStuckThreshold]; ok {
		out.JobStuckThreshold = time.Duration(v) * time.Minute
	}
	if v, ok := values[NameWorkerInactiveThreshold]; ok {
		out.WorkerInactiveThreshold = time.Duration(v) * time.Minute
	}
	if v, ok := values[NameSupervisorPollInterval]; ok {
		out.SupervisorPollInterval = time.Duration(v) * time.Second
	}
	if v, ok := values[NameReloadInterval]; ok {
		out.ReloadInterval = time.Duration(v) * time.Second
	}
	return out
}

// ThresholdHolder holds the current Thresholds snapshot behind an atomic
// pointer so control loops always read a consistent set of values.
type ThresholdHolder struct {
	current atomic.Pointer[Thresholds]
}

// NewThresholdHolder creates a holder seeded with the given snapshot
func NewThresholdHolder(initial Thresholds) *ThresholdHolder {
	h := &ThresholdHolder{}
	h.current.Store(&initial)
	return h
}

// Load returns the current snapshot
func (h *ThresholdHolder) Load() Thresholds {
	return *h.current.Load()
}

// Store atomically swaps in a new snapshot
func (h *ThresholdHolder) Store(t Thresholds) {
	h.current.Store(&t)
}
