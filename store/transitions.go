package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// Transition describes one guarded task status change. The update only lands
// if the task's current status is in From and not terminal; otherwise the
// transaction rolls back and the caller gets ErrForbiddenTransition or
// ErrTaskTerminal.
type Transition struct {
	TaskID int64
	From   []TaskStatus
	To     TaskStatus

	// Reason is recorded on the task row and in the task log
	Reason string

	// IncrementAttempt bumps attempt_count as part of the same update
	IncrementAttempt bool

	// AssignWorker, when non-nil, overwrites assigned_worker ("" clears it)
	AssignWorker *string

	// LastError, when non-nil, overwrites last_error
	LastError *string

	// BestMetricID, when non-nil, records the metric the transition is based on
	BestMetricID *int64

	// TouchHeartbeat stamps last_heartbeat with the transition time
	TouchHeartbeat bool
}

// TransitionTask applies a guarded status transition. In one transaction it
// re-checks the current status, updates the task row, appends a task log
// entry, and recomputes the owning job's aggregate status.
func (s *Store) TransitionTask(ctx context.Context, tr Transition) (Task, error) {
	var out Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, selectTaskSQL+" WHERE id = ?", tr.TaskID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errors.Wrapf(errors.ErrNotFound, "task %d", tr.TaskID)
			}
			return errors.Wrapf(err, "load task %d", tr.TaskID)
		}

		if task.Status.IsTerminal() {
			return errors.Wrapf(errors.ErrTaskTerminal, "task %d is %s", task.ID, task.Status)
		}
		if len(tr.From) > 0 && !statusIn(task.Status, tr.From) {
			return errors.Wrapf(errors.ErrForbiddenTransition,
				"task %d: %s -> %s not allowed from current status", task.ID, task.Status, tr.To)
		}

		now := s.now()
		attempt := task.AttemptCount
		if tr.IncrementAttempt {
			attempt++
		}
		worker := task.AssignedWorker
		if tr.AssignWorker != nil {
			worker = *tr.AssignWorker
		}
		lastErr := task.LastError
		if tr.LastError != nil {
			lastErr = *tr.LastError
		}
		bestMetric := task.BestMetricID
		if tr.BestMetricID != nil {
			bestMetric = tr.BestMetricID
		}
		heartbeat := task.LastHeartbeat
		if tr.TouchHeartbeat {
			heartbeat = &now
		}

		// Guarded update: status in the WHERE clause so a concurrent writer
		// that moved the task first makes this a no-op.
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, status_reason = ?, attempt_count = ?, assigned_worker = ?,
			    last_error = ?, best_metric_id = ?, last_heartbeat = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(tr.To), tr.Reason, attempt, worker,
			lastErr, bestMetric, heartbeat, now,
			task.ID, string(task.Status),
		)
		if err != nil {
			return errors.Wrapf(err, "update task %d", task.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if n == 0 {
			return errors.Wrapf(errors.ErrForbiddenTransition,
				"task %d moved concurrently out of %s", task.ID, task.Status)
		}

		if err := appendTaskLog(ctx, tx, task.ID, string(tr.To),
			fmt.Sprintf("%s -> %s: %s", task.Status, tr.To, tr.Reason), now); err != nil {
			return err
		}

		if err := s.recomputeJobStatus(ctx, tx, task.JobID, now); err != nil {
			return err
		}

		out = task
		out.Status = tr.To
		out.StatusReason = tr.Reason
		out.AttemptCount = attempt
		out.AssignedWorker = worker
		out.LastError = lastErr
		out.BestMetricID = bestMetric
		out.LastHeartbeat = heartbeat
		out.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	if s.log != nil {
		s.log.Infow("Task transitioned",
			"task_id", out.ID,
			"job_id", out.JobID,
			"status", out.Status,
			"reason", out.StatusReason,
			"attempt_count", out.AttemptCount,
		)
	}
	return out, nil
}

// recomputeJobStatus derives the job aggregate from its tasks inside tx
func (s *Store) recomputeJobStatus(ctx context.Context, tx *sql.Tx, jobID int64, now time.Time) error {
	rows, err := tx.QueryContext(ctx, "SELECT status FROM tasks WHERE job_id = ?", jobID)
	if err != nil {
		return errors.Wrapf(err, "load task statuses for job %d", jobID)
	}
	defer rows.Close()

	var statuses []TaskStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return errors.Wrap(err, "scan task status")
		}
		statuses = append(statuses, TaskStatus(st))
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate task statuses")
	}
	if len(statuses) == 0 {
		return nil
	}

	agg := AggregateJobStatus(statuses)
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
		string(agg), now, jobID); err != nil {
		return errors.Wrapf(err, "update job %d status", jobID)
	}
	return nil
}

func appendTaskLog(ctx context.Context, tx *sql.Tx, taskID int64, eventType, message string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO task_logs (task_id, event_type, message, created_at) VALUES (?, ?, ?, ?)",
		taskID, eventType, message, now)
	if err != nil {
		return errors.Wrapf(err, "append task log for task %d", taskID)
	}
	return nil
}

func statusIn(st TaskStatus, set []TaskStatus) bool {
	for _, candidate := range set {
		if st == candidate {
			return true
		}
	}
	return false
}
