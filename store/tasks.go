package store

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/philiplau114/PocketFlowProject/errors"
)

const selectTaskSQL = `
	SELECT id, job_id, parent_task_id, step_number, step_name, status, status_reason,
	       priority, assigned_worker, file_path, file_blob, description,
	       attempt_count, max_attempts, fine_tune_depth, best_metric_id,
	       last_error, last_heartbeat, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var parentID, bestMetricID sql.NullInt64
	var heartbeat sql.NullTime
	var blob []byte
	var status string
	err := row.Scan(
		&t.ID, &t.JobID, &parentID, &t.StepNumber, &t.StepName, &status, &t.StatusReason,
		&t.Priority, &t.AssignedWorker, &t.FilePath, &blob, &t.Description,
		&t.AttemptCount, &t.MaxAttempts, &t.FineTuneDepth, &bestMetricID,
		&t.LastError, &heartbeat, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.FileBlob = blob
	if parentID.Valid {
		t.ParentTaskID = &parentID.Int64
	}
	if bestMetricID.Valid {
		t.BestMetricID = &bestMetricID.Int64
	}
	if heartbeat.Valid {
		hb := heartbeat.Time
		t.LastHeartbeat = &hb
	}
	return t, nil
}

// GetTask loads one task by id
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, selectTaskSQL+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, errors.Wrapf(errors.ErrNotFound, "task %d", id)
		}
		return Task{}, errors.Wrapf(err, "load task %d", id)
	}
	return t, nil
}

// ListTasksInStatus returns all tasks currently in any of the given statuses
func (s *Store) ListTasksInStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := selectTaskSQL + " WHERE status IN (" + placeholders(len(statuses)) + ") ORDER BY id"
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks by status")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListDispatchableTasks returns tasks in a dispatchable status whose job does
// not already have a succeeded task, each paired with the distance of the
// task's best metric so far (lowest distance wins, score breaks ties).
func (s *Store) ListDispatchableTasks(ctx context.Context) ([]DispatchCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.job_id, t.parent_task_id, t.step_number, t.step_name, t.status, t.status_reason,
		       t.priority, t.assigned_worker, t.file_path, t.file_blob, t.description,
		       t.attempt_count, t.max_attempts, t.fine_tune_depth, t.best_metric_id,
		       t.last_error, t.last_heartbeat, t.created_at, t.updated_at,
		       (SELECT m.distance FROM metrics m
		        WHERE m.task_id = COALESCE(t.parent_task_id, t.id) AND m.distance IS NOT NULL
		        ORDER BY m.distance ASC, m.score DESC LIMIT 1) AS best_distance
		FROM tasks t
		WHERE t.status IN ('new', 'retrying', 'fine_tuning')
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks sib
		      WHERE sib.job_id = t.job_id AND sib.status = 'completed_success')
		ORDER BY t.id`)
	if err != nil {
		return nil, errors.Wrap(err, "list dispatchable tasks")
	}
	defer rows.Close()

	var out []DispatchCandidate
	for rows.Next() {
		var t Task
		var parentID, bestMetricID sql.NullInt64
		var heartbeat sql.NullTime
		var blob []byte
		var status string
		var bestDistance sql.NullFloat64
		err := rows.Scan(
			&t.ID, &t.JobID, &parentID, &t.StepNumber, &t.StepName, &status, &t.StatusReason,
			&t.Priority, &t.AssignedWorker, &t.FilePath, &blob, &t.Description,
			&t.AttemptCount, &t.MaxAttempts, &t.FineTuneDepth, &bestMetricID,
			&t.LastError, &heartbeat, &t.CreatedAt, &t.UpdatedAt,
			&bestDistance,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan dispatch candidate")
		}
		t.Status = TaskStatus(status)
		t.FileBlob = blob
		if parentID.Valid {
			t.ParentTaskID = &parentID.Int64
		}
		if bestMetricID.Valid {
			t.BestMetricID = &bestMetricID.Int64
		}
		if heartbeat.Valid {
			hb := heartbeat.Time
			t.LastHeartbeat = &hb
		}
		c := DispatchCandidate{Task: t}
		if bestDistance.Valid {
			d := bestDistance.Float64
			c.BestDistance = &d
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate dispatch candidates")
}

// ListFineTuneCandidates returns partial tasks that do not have a fine-tune
// child yet. The spawner rescans this set every pass, so a crash between the
// partial commit and the spawn heals itself.
func (s *Store) ListFineTuneCandidates(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTaskSQL+` WHERE status = 'completed_partial'
		 AND NOT EXISTS (
		     SELECT 1 FROM tasks c
		     WHERE c.parent_task_id = tasks.id AND c.step_name = 'fine_tune')
		 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list fine-tune candidates")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListStuckTasks returns queued or in-progress tasks not updated since cutoff
func (s *Store) ListStuckTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTaskSQL+` WHERE status IN ('queued', 'worker_in_progress') AND updated_at < ? ORDER BY id`,
		cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list stuck tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListInactiveWorkerTasks returns in-progress tasks whose worker has not
// heartbeated since cutoff.
func (s *Store) ListInactiveWorkerTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTaskSQL+` WHERE status = 'worker_in_progress'
		 AND (last_heartbeat IS NULL OR last_heartbeat < ?) ORDER BY id`,
		cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list inactive worker tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksForJob returns every task of a job ordered by creation
func (s *Store) ListTasksForJob(ctx context.Context, jobID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTaskSQL+" WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list tasks for job %d", jobID)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CreateFineTuneChild inserts the single fine-tune child of a parent task.
// A partial unique index enforces at-most-one child per parent; a second
// insert returns ErrDuplicateFineTune.
func (s *Store) CreateFineTuneChild(ctx context.Context, parent Task, bestMetricID int64, seedBlob []byte) (Task, error) {
	var child Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (job_id, parent_task_id, step_number, step_name, status, status_reason,
			                   priority, file_path, file_blob, description,
			                   attempt_count, max_attempts, fine_tune_depth, best_metric_id,
			                   created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			parent.JobID, parent.ID, parent.StepNumber+1, StepFineTune,
			string(TaskStatusNew), "fine-tune of task",
			parent.Priority, parent.FilePath, seedBlob, parent.Description,
			parent.MaxAttempts, parent.FineTuneDepth+1, bestMetricID,
			now, now,
		)
		if err != nil {
			var serr sqlite3.Error
			if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
				return errors.Wrapf(errors.ErrDuplicateFineTune, "parent task %d", parent.ID)
			}
			return errors.Wrapf(err, "insert fine-tune child of task %d", parent.ID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "last insert id")
		}
		if err := appendTaskLog(ctx, tx, id, "created",
			"fine-tune child spawned", now); err != nil {
			return err
		}
		if err := s.recomputeJobStatus(ctx, tx, parent.JobID, now); err != nil {
			return err
		}
		parentID := parent.ID
		metricID := bestMetricID
		child = Task{
			ID:            id,
			JobID:         parent.JobID,
			ParentTaskID:  &parentID,
			StepNumber:    parent.StepNumber + 1,
			StepName:      StepFineTune,
			Status:        TaskStatusNew,
			Priority:      parent.Priority,
			FilePath:      parent.FilePath,
			FileBlob:      seedBlob,
			Description:   parent.Description,
			MaxAttempts:   parent.MaxAttempts,
			FineTuneDepth: parent.FineTuneDepth + 1,
			BestMetricID:  &metricID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	if s.log != nil {
		s.log.Infow("Fine-tune child created",
			"task_id", child.ID,
			"parent_task_id", parent.ID,
			"job_id", child.JobID,
			"fine_tune_depth", child.FineTuneDepth,
		)
	}
	return child, nil
}

// RestoreTaskBlob rewrites a task's input blob (recovery path when the broker
// copy has expired or been lost).
func (s *Store) RestoreTaskBlob(ctx context.Context, taskID int64, blob []byte) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET file_blob = ?, updated_at = ? WHERE id = ?",
			blob, s.now(), taskID)
		return errors.Wrapf(err, "restore blob for task %d", taskID)
	})
}

// TouchHeartbeat stamps the worker heartbeat on an in-progress task
func (s *Store) TouchHeartbeat(ctx context.Context, taskID int64, worker string) error {
	return s.withLockRetry(ctx, func() error {
		now := s.now()
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET last_heartbeat = ?, assigned_worker = ?, updated_at = ?
			WHERE id = ? AND status = 'worker_in_progress'`,
			now, worker, now, taskID)
		return errors.Wrapf(err, "heartbeat task %d", taskID)
	})
}

// TaskLogsForTask returns the audit trail of a task, oldest first
func (s *Store) TaskLogsForTask(ctx context.Context, taskID int64) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, event_type, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id",
		taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "list task logs for task %d", taskID)
	}
	defer rows.Close()
	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.EventType, &l.Message, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan task log")
		}
		out = append(out, l)
	}
	return out, errors.Wrap(rows.Err(), "iterate task logs")
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate tasks")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}
	return string(buf)
}
