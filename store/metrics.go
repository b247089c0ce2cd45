package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/philiplau114/PocketFlowProject/errors"
)

const selectMetricSQL = `
	SELECT id, task_id, distance, score, symbol, set_file_name, payload, created_at
	FROM metrics`

func scanMetric(row rowScanner) (Metric, error) {
	var m Metric
	var distance, score sql.NullFloat64
	var payload string
	err := row.Scan(&m.ID, &m.TaskID, &distance, &score, &m.Symbol, &m.SetFileName, &payload, &m.CreatedAt)
	if err != nil {
		return Metric{}, err
	}
	if distance.Valid {
		d := distance.Float64
		m.Distance = &d
	}
	if score.Valid {
		sc := score.Float64
		m.Score = &sc
	}
	m.Payload = json.RawMessage(payload)
	return m, nil
}

// InsertMetric records one evaluation result for a task
func (s *Store) InsertMetric(ctx context.Context, m Metric) (Metric, error) {
	payload := string(m.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := s.withLockRetry(ctx, func() error {
		now := s.now()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO metrics (task_id, distance, score, symbol, set_file_name, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.TaskID, nullFloat(m.Distance), nullFloat(m.Score),
			m.Symbol, m.SetFileName, payload, now)
		if err != nil {
			return errors.Wrapf(err, "insert metric for task %d", m.TaskID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "metric insert id")
		}
		m.ID = id
		m.CreatedAt = now
		return nil
	})
	if err != nil {
		return Metric{}, err
	}
	return m, nil
}

// MetricsForTask returns every metric recorded for a task
func (s *Store) MetricsForTask(ctx context.Context, taskID int64) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx, selectMetricSQL+" WHERE task_id = ? ORDER BY id", taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "list metrics for task %d", taskID)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan metric")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate metrics")
}

// BestMetricForTask returns the task's metric with the lowest distance, score
// descending as tie-break. Metrics with a null distance never qualify.
func (s *Store) BestMetricForTask(ctx context.Context, taskID int64) (Metric, error) {
	m, err := scanMetric(s.db.QueryRowContext(ctx,
		selectMetricSQL+` WHERE task_id = ? AND distance IS NOT NULL
		 ORDER BY distance ASC, score DESC LIMIT 1`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metric{}, errors.Wrapf(errors.ErrNotFound, "best metric for task %d", taskID)
		}
		return Metric{}, errors.Wrapf(err, "best metric for task %d", taskID)
	}
	return m, nil
}

// GetMetric loads one metric by id
func (s *Store) GetMetric(ctx context.Context, id int64) (Metric, error) {
	m, err := scanMetric(s.db.QueryRowContext(ctx, selectMetricSQL+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metric{}, errors.Wrapf(errors.ErrNotFound, "metric %d", id)
		}
		return Metric{}, errors.Wrapf(err, "load metric %d", id)
	}
	return m, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
