package store

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// Store wraps the SQLite database with the controller's data access layer.
// All task status transitions go through TransitionTask so the job aggregate
// and the task log stay consistent with the task row.
type Store struct {
	db     *sql.DB
	log    *zap.SugaredLogger
	now    func() time.Time
	retry  int
	sleep  time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockRetry sets how many times a busy/locked write is retried and the
// base sleep between attempts (linear backoff).
func WithLockRetry(count int, sleep time.Duration) Option {
	return func(s *Store) {
		s.retry = count
		s.sleep = sleep
	}
}

// New creates a Store over an opened database
func New(db *sql.DB, log *zap.SugaredLogger, opts ...Option) *Store {
	s := &Store{
		db:    db,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		retry: 5,
		sleep: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for migrations and tests
func (s *Store) DB() *sql.DB {
	return s.db
}

// isLockError reports whether err is a SQLite busy/locked condition worth
// retrying.
func isLockError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// withLockRetry runs fn, retrying with linear backoff while the database
// reports busy or locked. Non-lock errors abort immediately.
func (s *Store) withLockRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.retry; attempt++ {
		err = fn()
		if err == nil || !isLockError(err) {
			return err
		}
		wait := time.Duration(attempt+1) * s.sleep
		if s.log != nil {
			s.log.Warnw("Database locked, retrying",
				"attempt", attempt+1,
				"max_attempts", s.retry,
				"wait", wait,
			)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "lock retry interrupted")
		case <-time.After(wait):
		}
	}
	return errors.Wrapf(err, "database still locked after %d retries", s.retry)
}

// inTx runs fn inside a transaction with lock retry, rolling back on error
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withLockRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit transaction")
		}
		return nil
	})
}
