package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/philiplau114/PocketFlowProject/errors"
)

const selectJobSQL = `
	SELECT id, user_id, job_type, symbol, timeframe, ea_name, original_file,
	       status, max_attempts, attempt_count, created_at, updated_at
	FROM jobs`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status string
	err := row.Scan(
		&j.ID, &j.UserID, &j.JobType, &j.Symbol, &j.Timeframe, &j.EAName, &j.OriginalFile,
		&status, &j.MaxAttempts, &j.AttemptCount, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	return j, nil
}

// NewJob carries everything needed to open a job with its first task
type NewJob struct {
	UserID       string
	JobType      string
	Symbol       string
	Timeframe    string
	EAName       string
	OriginalFile string
	MaxAttempts  int
	Priority     float64
	FilePath     string
	FileBlob     []byte
	Description  string
}

// CreateJobWithTask inserts a job and its initial optimize task in one
// transaction. The task starts in NEW and the job in NEW.
func (s *Store) CreateJobWithTask(ctx context.Context, nj NewJob) (Job, Task, error) {
	var job Job
	var task Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (user_id, job_type, symbol, timeframe, ea_name, original_file,
			                  status, max_attempts, attempt_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			nj.UserID, nj.JobType, nj.Symbol, nj.Timeframe, nj.EAName, nj.OriginalFile,
			string(JobStatusNew), nj.MaxAttempts, now, now)
		if err != nil {
			return errors.Wrap(err, "insert job")
		}
		jobID, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "job insert id")
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (job_id, step_number, step_name, status, priority,
			                   file_path, file_blob, description, max_attempts,
			                   created_at, updated_at)
			VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, StepOptimize, string(TaskStatusNew), nj.Priority,
			nj.FilePath, nj.FileBlob, nj.Description, nj.MaxAttempts,
			now, now)
		if err != nil {
			return errors.Wrap(err, "insert initial task")
		}
		taskID, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "task insert id")
		}
		if err := appendTaskLog(ctx, tx, taskID, "created", "job ingested", now); err != nil {
			return err
		}

		job = Job{
			ID: jobID, UserID: nj.UserID, JobType: nj.JobType,
			Symbol: nj.Symbol, Timeframe: nj.Timeframe, EAName: nj.EAName,
			OriginalFile: nj.OriginalFile, Status: JobStatusNew,
			MaxAttempts: nj.MaxAttempts, CreatedAt: now, UpdatedAt: now,
		}
		task = Task{
			ID: taskID, JobID: jobID, StepNumber: 1, StepName: StepOptimize,
			Status: TaskStatusNew, Priority: nj.Priority,
			FilePath: nj.FilePath, FileBlob: nj.FileBlob, Description: nj.Description,
			MaxAttempts: nj.MaxAttempts, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return Job{}, Task{}, err
	}
	if s.log != nil {
		s.log.Infow("Job created",
			"job_id", job.ID,
			"task_id", task.ID,
			"symbol", job.Symbol,
			"timeframe", job.Timeframe,
			"ea_name", job.EAName,
			"original_file", job.OriginalFile,
		)
	}
	return job, task, nil
}

// GetJob loads one job by id
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, errors.Wrapf(errors.ErrNotFound, "job %d", id)
		}
		return Job{}, errors.Wrapf(err, "load job %d", id)
	}
	return j, nil
}

// FindJobByOriginalFile returns the most recent job ingested from the given
// file name, or ErrNotFound.
func (s *Store) FindJobByOriginalFile(ctx context.Context, name string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		selectJobSQL+" WHERE original_file = ? ORDER BY id DESC LIMIT 1", name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, errors.Wrapf(errors.ErrNotFound, "job for file %q", name)
		}
		return Job{}, errors.Wrapf(err, "find job by file %q", name)
	}
	return j, nil
}

// JobHasSuccess reports whether any task of the job completed with success
func (s *Store) JobHasSuccess(ctx context.Context, jobID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM tasks WHERE job_id = ? AND status = 'completed_success')",
		jobID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check success for job %d", jobID)
	}
	return exists, nil
}

// CountActiveJobs returns how many jobs are not yet terminal
func (s *Store) CountActiveJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE status IN ('new', 'in_progress')").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count active jobs")
	}
	return n, nil
}

// ListJobsInStatus returns jobs in any of the given statuses
func (s *Store) ListJobsInStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := selectJobSQL + " WHERE status IN (" + placeholders(len(statuses)) + ") ORDER BY id"
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs by status")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

// ListStuckJobs returns non-terminal jobs not updated since cutoff
func (s *Store) ListStuckJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJobSQL+" WHERE status IN ('new', 'in_progress') AND updated_at < ? ORDER BY id",
		cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list stuck jobs")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}
