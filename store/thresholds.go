package store

import (
	"context"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// ThresholdValues returns every tuning row as name -> value. Operators edit
// these rows at runtime; the controller folds them over its configured
// defaults on each reload tick.
func (s *Store) ThresholdValues(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM thresholds")
	if err != nil {
		return nil, errors.Wrap(err, "load thresholds")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, errors.Wrap(err, "scan threshold")
		}
		out[name] = value
	}
	return out, errors.Wrap(rows.Err(), "iterate thresholds")
}

// SetThreshold upserts one tuning row
func (s *Store) SetThreshold(ctx context.Context, name string, value float64) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thresholds (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
			name, value)
		return errors.Wrapf(err, "set threshold %s", name)
	})
}
