package store

import (
	"context"
	"database/sql"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// ReoptimizeCandidate pairs a qualifying metric with the job it came from
type ReoptimizeCandidate struct {
	Metric Metric
	Job    Job
}

// reoptimizeStatusOrder is the job-status priority for candidate selection.
// Failed jobs come first: they need a fresh starting point the most, and even
// a poor best metric beats re-running the same file. Partial results next,
// proven successes last.
var reoptimizeStatusOrder = []JobStatus{
	JobStatusFailed,
	JobStatusCompletedPartial,
	JobStatusCompletedSuccess,
}

// SelectReoptimizeCandidate picks the next (job, best metric) pair worth
// reoptimizing, trying job statuses in reoptimizeStatusOrder. The metric must
// have an output set artifact and must never have seeded a reoptimization
// before; no quality gate applies beyond that. Symbols with the fewest prior
// reoptimize actions come first so coverage spreads instead of piling onto
// one instrument; within a symbol, lowest distance then highest score wins.
func (s *Store) SelectReoptimizeCandidate(ctx context.Context) (ReoptimizeCandidate, error) {
	for _, status := range reoptimizeStatusOrder {
		c, err := s.selectCandidateInStatus(ctx, status)
		if err == nil {
			return c, nil
		}
		if !errors.IsNotFoundError(err) {
			return ReoptimizeCandidate{}, err
		}
	}
	return ReoptimizeCandidate{}, errors.Wrap(errors.ErrNotFound, "no reoptimize candidate")
}

func (s *Store) selectCandidateInStatus(ctx context.Context, status JobStatus) (ReoptimizeCandidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.task_id, m.distance, m.score, m.symbol, m.set_file_name, m.payload, m.created_at,
		       j.id, j.user_id, j.job_type, j.symbol, j.timeframe, j.ea_name, j.original_file,
		       j.status, j.max_attempts, j.attempt_count, j.created_at, j.updated_at
		FROM metrics m
		JOIN tasks t ON t.id = m.task_id
		JOIN jobs j ON j.id = t.job_id
		WHERE j.status = ?
		  AND m.distance IS NOT NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM reoptimize_history rh WHERE rh.metric_id = m.id)
		  AND EXISTS (
		      SELECT 1 FROM artifacts a
		      WHERE a.artifact_type = ? AND a.link_type = ? AND a.link_id = m.id)
		ORDER BY (SELECT COUNT(*) FROM reoptimize_history rh2
		          JOIN jobs j2 ON j2.id = rh2.job_id
		          WHERE j2.symbol = j.symbol) ASC,
		         m.distance ASC, m.score DESC, m.id ASC
		LIMIT 1`,
		string(status), ArtifactOutputSet, LinkTypeMetric)

	var c ReoptimizeCandidate
	var distance, score sql.NullFloat64
	var payload, jobStatus string
	err := row.Scan(
		&c.Metric.ID, &c.Metric.TaskID, &distance, &score,
		&c.Metric.Symbol, &c.Metric.SetFileName, &payload, &c.Metric.CreatedAt,
		&c.Job.ID, &c.Job.UserID, &c.Job.JobType, &c.Job.Symbol, &c.Job.Timeframe,
		&c.Job.EAName, &c.Job.OriginalFile, &jobStatus,
		&c.Job.MaxAttempts, &c.Job.AttemptCount, &c.Job.CreatedAt, &c.Job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReoptimizeCandidate{}, errors.Wrap(errors.ErrNotFound, "no reoptimize candidate")
		}
		return ReoptimizeCandidate{}, errors.Wrap(err, "select reoptimize candidate")
	}
	if distance.Valid {
		d := distance.Float64
		c.Metric.Distance = &d
	}
	if score.Valid {
		sc := score.Float64
		c.Metric.Score = &sc
	}
	c.Metric.Payload = []byte(payload)
	c.Job.Status = JobStatus(jobStatus)
	return c, nil
}

// AppendReoptimizeHistory records one reoptimize action. Append-only.
func (s *Store) AppendReoptimizeHistory(ctx context.Context, h ReoptimizeHistory) (ReoptimizeHistory, error) {
	err := s.withLockRetry(ctx, func() error {
		now := s.now()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO reoptimize_history (job_id, metric_id, trigger_kind, user_id,
			                                job_status_at_trigger, derivative_file, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			h.JobID, h.MetricID, h.TriggerKind, h.UserID,
			string(h.JobStatusAtTrigger), h.DerivativeFile, now)
		if err != nil {
			return errors.Wrapf(err, "append reoptimize history for job %d", h.JobID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "reoptimize history insert id")
		}
		h.ID = id
		h.CreatedAt = now
		return nil
	})
	if err != nil {
		return ReoptimizeHistory{}, err
	}
	if s.log != nil {
		s.log.Infow("Reoptimize recorded",
			"job_id", h.JobID,
			"metric_id", h.MetricID,
			"trigger", h.TriggerKind,
			"derivative_file", h.DerivativeFile,
		)
	}
	return h, nil
}

// ReoptimizeHistoryForJob returns the audit trail of a job's reoptimizations
func (s *Store) ReoptimizeHistoryForJob(ctx context.Context, jobID int64) ([]ReoptimizeHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, metric_id, trigger_kind, user_id, job_status_at_trigger,
		       derivative_file, created_at
		FROM reoptimize_history WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list reoptimize history for job %d", jobID)
	}
	defer rows.Close()

	var out []ReoptimizeHistory
	for rows.Next() {
		var h ReoptimizeHistory
		var jobStatus string
		if err := rows.Scan(&h.ID, &h.JobID, &h.MetricID, &h.TriggerKind, &h.UserID,
			&jobStatus, &h.DerivativeFile, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan reoptimize history")
		}
		h.JobStatusAtTrigger = JobStatus(jobStatus)
		out = append(out, h)
	}
	return out, errors.Wrap(rows.Err(), "iterate reoptimize history")
}

// MetricWasReoptimized reports whether a metric already seeded a reoptimize
func (s *Store) MetricWasReoptimized(ctx context.Context, metricID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM reoptimize_history WHERE metric_id = ?)",
		metricID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check reoptimize history for metric %d", metricID)
	}
	return exists, nil
}
