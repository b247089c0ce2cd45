package store

import (
	"context"
	"database/sql"

	"github.com/philiplau114/PocketFlowProject/errors"
)

const selectArtifactSQL = `
	SELECT id, task_id, artifact_type, file_name, file_path, file_blob,
	       link_type, link_id, meta_json, created_at
	FROM artifacts`

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var linkID sql.NullInt64
	var blob []byte
	err := row.Scan(&a.ID, &a.TaskID, &a.ArtifactType, &a.FileName, &a.FilePath, &blob,
		&a.LinkType, &linkID, &a.MetaJSON, &a.CreatedAt)
	if err != nil {
		return Artifact{}, err
	}
	a.FileBlob = blob
	if linkID.Valid {
		a.LinkID = &linkID.Int64
	}
	return a, nil
}

// InsertArtifact stores one artifact blob for a task
func (s *Store) InsertArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	if a.MetaJSON == "" {
		a.MetaJSON = "{}"
	}
	err := s.withLockRetry(ctx, func() error {
		now := s.now()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (task_id, artifact_type, file_name, file_path, file_blob,
			                       link_type, link_id, meta_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.TaskID, a.ArtifactType, a.FileName, a.FilePath, a.FileBlob,
			a.LinkType, nullInt(a.LinkID), a.MetaJSON, now)
		if err != nil {
			return errors.Wrapf(err, "insert artifact for task %d", a.TaskID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "artifact insert id")
		}
		a.ID = id
		a.CreatedAt = now
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// OutputSetForMetric returns the output parameter-set artifact linked to a
// metric, or ErrNotFound when the worker never produced one.
func (s *Store) OutputSetForMetric(ctx context.Context, metricID int64) (Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		selectArtifactSQL+` WHERE artifact_type = ? AND link_type = ? AND link_id = ?
		 ORDER BY id DESC LIMIT 1`,
		ArtifactOutputSet, LinkTypeMetric, metricID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, errors.Wrapf(errors.ErrNotFound, "output set for metric %d", metricID)
		}
		return Artifact{}, errors.Wrapf(err, "output set for metric %d", metricID)
	}
	return a, nil
}

// ArtifactsForTask returns every artifact of a task
func (s *Store) ArtifactsForTask(ctx context.Context, taskID int64) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, selectArtifactSQL+" WHERE task_id = ? ORDER BY id", taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "list artifacts for task %d", taskID)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "iterate artifacts")
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
