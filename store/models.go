// Package store persists jobs, tasks, metrics, artifacts and the reoptimize
// audit trail, and owns every task state transition.
package store

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusNew              TaskStatus = "new"
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusWorkerInProgress TaskStatus = "worker_in_progress"
	TaskStatusWorkerCompleted  TaskStatus = "worker_completed"
	TaskStatusWorkerFailed     TaskStatus = "worker_failed"
	TaskStatusRetrying         TaskStatus = "retrying"
	TaskStatusFineTuning       TaskStatus = "fine_tuning"
	TaskStatusCompletedSuccess TaskStatus = "completed_success"
	TaskStatusCompletedPartial TaskStatus = "completed_partial"
	TaskStatusFailed           TaskStatus = "failed"
)

// IsTerminal returns true for statuses a task can never leave
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompletedSuccess, TaskStatusCompletedPartial, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// JobStatus represents the aggregate state of a job
type JobStatus string

const (
	JobStatusNew              JobStatus = "new"
	JobStatusInProgress       JobStatus = "in_progress"
	JobStatusCompletedSuccess JobStatus = "completed_success"
	JobStatusCompletedPartial JobStatus = "completed_partial"
	JobStatusFailed           JobStatus = "failed"
)

// Step names for tasks
const (
	StepOptimize = "optimize"
	StepFineTune = "fine_tune"
)

// Artifact kinds the core reads
const (
	ArtifactOutputSet = "output_set"

	// LinkTypeMetric marks artifacts attached to a specific metric row
	LinkTypeMetric = "metrics"
)

// Reoptimize trigger kinds
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// Job is a user-initiated optimization request bound to one parameter file
type Job struct {
	ID           int64
	UserID       string
	JobType      string
	Symbol       string
	Timeframe    string
	EAName       string
	OriginalFile string
	Status       JobStatus
	MaxAttempts  int
	AttemptCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is a single evaluation pass of a job: the initial optimization, a
// retry, or a fine-tune child seeded from a parent's best metric.
type Task struct {
	ID            int64
	JobID         int64
	ParentTaskID  *int64
	StepNumber    int
	StepName      string
	Status        TaskStatus
	StatusReason  string
	Priority      float64
	AssignedWorker string
	FilePath      string
	FileBlob      []byte
	Description   string
	AttemptCount  int
	MaxAttempts   int
	FineTuneDepth int
	BestMetricID  *int64
	LastError     string
	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Metric is a scored evaluation result attached to a task. Distance and Score
// are the only fields the core interprets; everything else a worker reports
// rides in Payload.
type Metric struct {
	ID          int64
	TaskID      int64
	Distance    *float64
	Score       *float64
	Symbol      string
	SetFileName string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// Artifact is a byte blob attached to a task, optionally linked to a metric
type Artifact struct {
	ID           int64
	TaskID       int64
	ArtifactType string
	FileName     string
	FilePath     string
	FileBlob     []byte
	LinkType     string
	LinkID       *int64
	MetaJSON     string
	CreatedAt    time.Time
}

// ReoptimizeHistory is one append-only audit row per reoptimize action
type ReoptimizeHistory struct {
	ID                 int64
	JobID              int64
	MetricID           int64
	TriggerKind        string
	UserID             string
	JobStatusAtTrigger JobStatus
	DerivativeFile     string
	CreatedAt          time.Time
}

// TaskLog is one append-only audit row per task transition
type TaskLog struct {
	ID        int64
	TaskID    int64
	EventType string
	Message   string
	CreatedAt time.Time
}

// DispatchCandidate is a task eligible for dispatch plus the distance of its
// best prior metric (set for fine-tune children, nil otherwise).
type DispatchCandidate struct {
	Task         Task
	BestDistance *float64
}
