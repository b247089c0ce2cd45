package store

// AggregateJobStatus derives a job's status from the statuses of its tasks.
// Precedence, highest first:
//  1. any task still active (non-terminal) -> in progress
//  2. any task succeeded -> success
//  3. every task failed -> failed
//  4. otherwise (terminal mix with at least one partial) -> partial
//
// A job with no tasks keeps its stored status untouched by transitions, so
// callers only invoke this with a non-empty slice.
func AggregateJobStatus(statuses []TaskStatus) JobStatus {
	if len(statuses) == 0 {
		return JobStatusNew
	}

	anyActive := false
	anySuccess := false
	allFailed := true
	for _, st := range statuses {
		if !st.IsTerminal() {
			anyActive = true
		}
		if st == TaskStatusCompletedSuccess {
			anySuccess = true
		}
		if st != TaskStatusFailed {
			allFailed = false
		}
	}

	switch {
	case anyActive:
		return JobStatusInProgress
	case anySuccess:
		return JobStatusCompletedSuccess
	case allFailed:
		return JobStatusFailed
	default:
		return JobStatusCompletedPartial
	}
}
