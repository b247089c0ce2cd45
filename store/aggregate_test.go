package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []TaskStatus
		want     JobStatus
	}{
		{
			name:     "single new task",
			statuses: []TaskStatus{TaskStatusNew},
			want:     JobStatusInProgress,
		},
		{
			name:     "active task outranks finished siblings",
			statuses: []TaskStatus{TaskStatusCompletedSuccess, TaskStatusQueued},
			want:     JobStatusInProgress,
		},
		{
			name:     "success outranks failures",
			statuses: []TaskStatus{TaskStatusFailed, TaskStatusCompletedSuccess, TaskStatusFailed},
			want:     JobStatusCompletedSuccess,
		},
		{
			name:     "all failed",
			statuses: []TaskStatus{TaskStatusFailed, TaskStatusFailed},
			want:     JobStatusFailed,
		},
		{
			name:     "partial and failed mix",
			statuses: []TaskStatus{TaskStatusCompletedPartial, TaskStatusFailed},
			want:     JobStatusCompletedPartial,
		},
		{
			name:     "single partial",
			statuses: []TaskStatus{TaskStatusCompletedPartial},
			want:     JobStatusCompletedPartial,
		},
		{
			name:     "retrying counts as active",
			statuses: []TaskStatus{TaskStatusRetrying, TaskStatusFailed},
			want:     JobStatusInProgress,
		},
		{
			name:     "fine-tune child keeps job open",
			statuses: []TaskStatus{TaskStatusCompletedPartial, TaskStatusFineTuning},
			want:     JobStatusInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateJobStatus(tt.statuses))
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompletedSuccess, TaskStatusCompletedPartial, TaskStatusFailed}
	for _, st := range terminal {
		assert.True(t, st.IsTerminal(), "%s should be terminal", st)
	}

	active := []TaskStatus{
		TaskStatusNew, TaskStatusQueued, TaskStatusWorkerInProgress,
		TaskStatusWorkerCompleted, TaskStatusWorkerFailed,
		TaskStatusRetrying, TaskStatusFineTuning,
	}
	for _, st := range active {
		assert.False(t, st.IsTerminal(), "%s should not be terminal", st)
	}
}
