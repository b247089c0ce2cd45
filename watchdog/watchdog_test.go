package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	itesting "github.com/philiplau114/PocketFlowProject/internal/testing"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/store"
	"github.com/philiplau114/PocketFlowProject/watchdog"
)

type recordingNotifier struct {
	subjects []string
}

func (r *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

var _ notify.Notifier = (*recordingNotifier)(nil)

type fixture struct {
	store    *store.Store
	broker   *broker.BadgerBroker
	notifier *recordingNotifier
	wd       *watchdog.Watchdog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.New(itesting.CreateTestDB(t), log)
	br := itesting.CreateTestBroker(t)
	n := &recordingNotifier{}
	holder := config.NewThresholdHolder(config.ThresholdsFromConfig(config.ThresholdConfig{
		TaskMaxAttempts:       3,
		MaxFineTuneDepth:      2,
		DistanceThreshold:     0.1,
		ScoreThreshold:        0.8,
		JobStuckMinutes:       60,
		WorkerInactiveMinutes: 5,
		SupervisorPollSeconds: 20,
		ReloadSeconds:         60,
	}))
	return &fixture{
		store:    st,
		broker:   br,
		notifier: n,
		wd:       watchdog.New(st, br, holder, n, log),
	}
}

func (f *fixture) seedTask(t *testing.T, status store.TaskStatus) store.Task {
	t.Helper()
	ctx := context.Background()
	_, task, err := f.store.CreateJobWithTask(ctx, store.NewJob{
		UserID:       "tester",
		Symbol:       "EURUSD",
		Timeframe:    "H1",
		EAName:       "TrendEA",
		OriginalFile: "EURUSD_H1_TrendEA.set",
		MaxAttempts:  3,
		Priority:     10,
		FilePath:     "EURUSD_H1_TrendEA.set",
		FileBlob:     []byte("param-set"),
	})
	require.NoError(t, err)
	if status != store.TaskStatusNew {
		_, err = f.store.TransitionTask(ctx, store.Transition{
			TaskID: task.ID,
			To:     status,
			Reason: "test setup",
		})
		require.NoError(t, err)
	}
	task, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return task
}

func (f *fixture) backdate(t *testing.T, taskID int64, age time.Duration) {
	t.Helper()
	_, err := f.store.DB().Exec("UPDATE tasks SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Add(-age), taskID)
	require.NoError(t, err)
}

func TestStuckTaskRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("stuck in-progress task goes back to retrying with restored blob", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		_, err := f.store.TransitionTask(ctx, store.Transition{
			TaskID: task.ID, To: store.TaskStatusWorkerInProgress, Reason: "picked up",
		})
		require.NoError(t, err)
		f.backdate(t, task.ID, 2*time.Hour)

		require.NoError(t, f.wd.RunOnce(ctx))

		reloaded, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusRetrying, reloaded.Status)

		blob, err := f.broker.GetInputBlob(ctx, broker.InputBlobKey(task.ID))
		require.NoError(t, err)
		assert.Equal(t, []byte("param-set"), blob)

		require.NotEmpty(t, f.notifier.subjects)
		assert.Contains(t, f.notifier.subjects[0], "stuck")
	})

	t.Run("blob gone from both sides fails the task", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		_, err := f.store.TransitionTask(ctx, store.Transition{
			TaskID: task.ID, To: store.TaskStatusWorkerInProgress, Reason: "picked up",
		})
		require.NoError(t, err)
		_, err = f.store.DB().Exec("UPDATE tasks SET file_blob = ? WHERE id = ?", []byte{}, task.ID)
		require.NoError(t, err)
		f.backdate(t, task.ID, 2*time.Hour)

		require.NoError(t, f.wd.RunOnce(ctx))

		reloaded, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusFailed, reloaded.Status)
		assert.Contains(t, reloaded.StatusReason, "missing input blob")
	})

	t.Run("broker-only blob heals the store row", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		_, err := f.store.TransitionTask(ctx, store.Transition{
			TaskID: task.ID, To: store.TaskStatusWorkerInProgress, Reason: "picked up",
		})
		require.NoError(t, err)
		_, err = f.store.DB().Exec("UPDATE tasks SET file_blob = ? WHERE id = ?", []byte{}, task.ID)
		require.NoError(t, err)
		require.NoError(t, f.broker.SetInputBlob(ctx, broker.InputBlobKey(task.ID), []byte("broker-copy")))
		f.backdate(t, task.ID, 2*time.Hour)

		require.NoError(t, f.wd.RunOnce(ctx))

		reloaded, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusRetrying, reloaded.Status)
		assert.Equal(t, []byte("broker-copy"), reloaded.FileBlob)
	})

	t.Run("fresh tasks are left alone", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)

		// Fresh QUEUED task: inside the stuck window and inside the
		// republish grace window, so the watchdog must not touch it.
		require.NoError(t, f.wd.RunOnce(ctx))

		reloaded, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusQueued, reloaded.Status)
	})

	t.Run("stuck task out of attempts fails and dead-letters", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		_, err := f.store.DB().Exec("UPDATE tasks SET attempt_count = 3 WHERE id = ?", task.ID)
		require.NoError(t, err)
		f.backdate(t, task.ID, 2*time.Hour)

		require.NoError(t, f.wd.RunOnce(ctx))

		reloaded, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusFailed, reloaded.Status)

		letters, err := f.broker.ListDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, task.ID, letters[0].Envelope.TaskID)
	})
}

func TestQueuedReconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("queued task without envelope is republished", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		// Past the grace window but not yet stuck
		f.backdate(t, task.ID, 5*time.Minute)

		require.NoError(t, f.wd.RunOnce(ctx))

		env, err := f.broker.PopMain(ctx)
		require.NoError(t, err)
		assert.Equal(t, task.ID, env.TaskID)

		blob, err := f.broker.GetInputBlob(ctx, env.InputBlobKey)
		require.NoError(t, err)
		assert.Equal(t, []byte("param-set"), blob)
	})

	t.Run("queued task with no blob anywhere is failed", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		_, err := f.store.DB().Exec("UPDATE tasks SET file_blob = ? WHERE id = ?", []byte{}, task.ID)
		require.NoError(t, err)
		f.backdate(t, task.ID, 5*time.Minute)

		require.NoError(t, f.wd.RunOnce(ctx))

		reloaded, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskStatusFailed, reloaded.Status)
		assert.Contains(t, reloaded.StatusReason, "missing input blob")

		depth, err := f.broker.MainDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, depth)
	})

	t.Run("queued task with envelope is not duplicated", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		f.backdate(t, task.ID, 5*time.Minute)

		env := broker.Envelope{
			JobID: task.JobID, TaskID: task.ID,
			InputBlobKey: broker.InputBlobKey(task.ID),
		}
		require.NoError(t, f.broker.PushMain(ctx, env))

		require.NoError(t, f.wd.RunOnce(ctx))

		depth, err := f.broker.MainDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("queued task held by a worker is not republished", func(t *testing.T) {
		f := newFixture(t)
		task := f.seedTask(t, store.TaskStatusQueued)
		f.backdate(t, task.ID, 5*time.Minute)

		env := broker.Envelope{
			JobID: task.JobID, TaskID: task.ID,
			InputBlobKey: broker.InputBlobKey(task.ID),
		}
		require.NoError(t, f.broker.MoveToProcessing(ctx, env))

		require.NoError(t, f.wd.RunOnce(ctx))

		depth, err := f.broker.MainDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, depth)
	})
}

func TestOrphanedProcessingCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.seedTask(t, store.TaskStatusFailed)

	env := broker.Envelope{
		JobID: task.JobID, TaskID: task.ID,
		InputBlobKey: broker.InputBlobKey(task.ID),
	}
	require.NoError(t, f.broker.MoveToProcessing(ctx, env))
	require.NoError(t, f.broker.SetInputBlob(ctx, env.InputBlobKey, []byte("param-set")))

	require.NoError(t, f.wd.RunOnce(ctx))

	procs, err := f.broker.ListProcessing(ctx)
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestInactiveWorkerAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.seedTask(t, store.TaskStatusQueued)
	_, err := f.store.TransitionTask(ctx, store.Transition{
		TaskID: task.ID, To: store.TaskStatusWorkerInProgress, Reason: "picked up",
		AssignWorker: strptr("worker-7"),
	})
	require.NoError(t, err)
	// Heartbeat never stamped, so the worker counts as inactive

	require.NoError(t, f.wd.RunOnce(ctx))

	require.NotEmpty(t, f.notifier.subjects)
	assert.Contains(t, f.notifier.subjects[0], "inactive")
}

func strptr(s string) *string {
	return &s
}
