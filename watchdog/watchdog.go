// Package watchdog recovers work the happy path lost: stuck tasks, queued
// tasks whose envelope never made it to the broker, silent workers, and
// broker entries orphaned by terminal tasks.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/store"
)

// Watchdog is the recovery loop
type Watchdog struct {
	store      *store.Store
	broker     broker.Broker
	thresholds *config.ThresholdHolder
	notifier   notify.Notifier
	log        *zap.SugaredLogger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Watchdog
func New(st *store.Store, br broker.Broker, holder *config.ThresholdHolder, notifier notify.Notifier, log *zap.SugaredLogger) *Watchdog {
	return &Watchdog{
		store:      st,
		broker:     br,
		thresholds: holder,
		notifier:   notifier,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Start launches the recovery loop
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	w.log.Infow("Watchdog started")
}

// Stop signals the loop and waits for it to exit
func (w *Watchdog) Stop() {
	close(w.done)
	w.wg.Wait()
	w.log.Infow("Watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		interval := w.thresholds.Load().SupervisorPollInterval
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-time.After(interval):
			if err := w.RunOnce(ctx); err != nil {
				w.log.Errorw("Watchdog pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full recovery pass
func (w *Watchdog) RunOnce(ctx context.Context) error {
	if err := w.recoverStuckTasks(ctx); err != nil {
		return errors.Wrap(err, "recover stuck tasks")
	}
	if err := w.reconcileQueued(ctx); err != nil {
		return errors.Wrap(err, "reconcile queued tasks")
	}
	if err := w.cleanupOrphanedProcessing(ctx); err != nil {
		return errors.Wrap(err, "cleanup orphaned processing entries")
	}
	if err := w.alertInactiveWorkers(ctx); err != nil {
		return errors.Wrap(err, "alert inactive workers")
	}
	if err := w.alertStuckJobs(ctx); err != nil {
		return errors.Wrap(err, "alert stuck jobs")
	}
	return nil
}

// recoverStuckTasks sends tasks that sat too long in QUEUED or
// WORKER_IN_PROGRESS back for a retry, making sure the input blob exists on
// at least one side first. Tasks out of attempts, or whose blob is gone from
// both broker and store, are failed instead. One summary notification covers
// the whole pass.
func (w *Watchdog) recoverStuckTasks(ctx context.Context) error {
	th := w.thresholds.Load()
	cutoff := time.Now().UTC().Add(-th.JobStuckThreshold)
	tasks, err := w.store.ListStuckTasks(ctx, cutoff)
	if err != nil {
		return err
	}
	var lines []string
	for _, task := range tasks {
		outcome, err := w.recoverTask(ctx, task)
		if err != nil {
			w.log.Errorw("Stuck task recovery failed", "task_id", task.ID, "error", err)
			continue
		}
		lines = append(lines, fmt.Sprintf("task %d (job %d) %s -> %s",
			task.ID, task.JobID, task.Status, outcome))
	}
	if len(lines) > 0 {
		w.notifier.Notify(ctx,
			fmt.Sprintf("%d stuck task(s) recovered", len(lines)),
			strings.Join(lines, "\n"))
	}
	return nil
}

func (w *Watchdog) recoverTask(ctx context.Context, task store.Task) (store.TaskStatus, error) {
	if err := w.broker.DeleteProcessing(ctx, task.ID); err != nil {
		w.log.Warnw("Processing entry cleanup failed", "task_id", task.ID, "error", err)
	}

	if task.AttemptCount >= task.MaxAttempts {
		return w.failTask(ctx, task, "stuck beyond threshold; attempts exhausted", true)
	}

	blob, err := w.ensureBlob(ctx, task)
	if err != nil {
		return "", err
	}
	if blob == nil {
		return w.failTask(ctx, task, missingBlobReason, false)
	}
	if err := w.broker.SetInputBlob(ctx, broker.InputBlobKey(task.ID), blob); err != nil {
		return "", errors.Wrapf(err, "restore blob for task %d", task.ID)
	}

	_, err = w.store.TransitionTask(ctx, store.Transition{
		TaskID: task.ID,
		From:   []store.TaskStatus{task.Status},
		To:     store.TaskStatusRetrying,
		Reason: "stuck beyond threshold",
	})
	if err != nil {
		return "", err
	}
	w.log.Warnw("Stuck task recovered",
		"task_id", task.ID,
		"job_id", task.JobID,
		"previous_status", task.Status,
		"attempt_count", task.AttemptCount,
	)
	return store.TaskStatusRetrying, nil
}

// missingBlobReason is the failure reason when the input bytes are gone from
// both sides and the task can never be dispatched again.
const missingBlobReason = "missing input blob in broker and store"

// ensureBlob returns the task's input bytes from whichever side still has
// them, healing the store row from the broker copy when the row lost its
// bytes. A nil return with nil error means the blob is gone from both sides.
func (w *Watchdog) ensureBlob(ctx context.Context, task store.Task) ([]byte, error) {
	if len(task.FileBlob) > 0 {
		return task.FileBlob, nil
	}
	blob, err := w.broker.GetInputBlob(ctx, broker.InputBlobKey(task.ID))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "look up blob for task %d", task.ID)
	}
	if err := w.store.RestoreTaskBlob(ctx, task.ID, blob); err != nil {
		w.log.Warnw("Store blob restore failed", "task_id", task.ID, "error", err)
	}
	return blob, nil
}

func (w *Watchdog) failTask(ctx context.Context, task store.Task, reason string, deadLetter bool) (store.TaskStatus, error) {
	_, err := w.store.TransitionTask(ctx, store.Transition{
		TaskID: task.ID,
		From:   []store.TaskStatus{task.Status},
		To:     store.TaskStatusFailed,
		Reason: reason,
	})
	if err != nil {
		return "", err
	}
	if deadLetter {
		if env, eerr := w.envelopeFor(ctx, task); eerr == nil {
			if derr := w.broker.PushDeadLetter(ctx, env, reason); derr != nil {
				w.log.Errorw("Dead-letter push failed", "task_id", task.ID, "error", derr)
			}
		}
	}
	if err := w.broker.DeleteInputBlob(ctx, broker.InputBlobKey(task.ID)); err != nil {
		w.log.Warnw("Blob cleanup failed", "task_id", task.ID, "error", err)
	}
	return store.TaskStatusFailed, nil
}

// reconcileQueued republishes envelopes for tasks marked QUEUED that appear
// neither in the main queue nor in processing (a dispatch whose publish step
// failed). Recently queued tasks get a grace window so an in-flight dispatch
// is not double-published.
func (w *Watchdog) reconcileQueued(ctx context.Context) error {
	th := w.thresholds.Load()
	queued, err := w.store.ListTasksInStatus(ctx, store.TaskStatusQueued)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	known := make(map[int64]bool)
	mains, err := w.broker.ListMain(ctx)
	if err != nil {
		return err
	}
	for _, env := range mains {
		known[env.TaskID] = true
	}
	procs, err := w.broker.ListProcessing(ctx)
	if err != nil {
		return err
	}
	for _, env := range procs {
		known[env.TaskID] = true
	}

	grace := time.Now().UTC().Add(-2 * th.SupervisorPollInterval)
	for _, task := range queued {
		if known[task.ID] || task.UpdatedAt.After(grace) {
			continue
		}
		blob, err := w.ensureBlob(ctx, task)
		if err != nil {
			w.log.Errorw("Blob lookup failed", "task_id", task.ID, "error", err)
			continue
		}
		if blob == nil {
			// Nothing left to dispatch; close the task out
			if _, err := w.failTask(ctx, task, missingBlobReason, false); err != nil {
				w.log.Errorw("Blob-less task close failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		env, err := w.envelopeFor(ctx, task)
		if err != nil {
			w.log.Errorw("Envelope rebuild failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := w.broker.SetInputBlob(ctx, env.InputBlobKey, blob); err != nil {
			w.log.Errorw("Blob restore failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := w.broker.PushMain(ctx, env); err != nil {
			w.log.Errorw("Envelope republish failed", "task_id", task.ID, "error", err)
			continue
		}
		w.log.Warnw("Queued task republished", "task_id", task.ID, "job_id", task.JobID)
	}
	return nil
}

// cleanupOrphanedProcessing drops processing entries and blobs whose task has
// already reached a terminal status.
func (w *Watchdog) cleanupOrphanedProcessing(ctx context.Context) error {
	procs, err := w.broker.ListProcessing(ctx)
	if err != nil {
		return err
	}
	for _, env := range procs {
		task, err := w.store.GetTask(ctx, env.TaskID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				w.broker.DeleteProcessing(ctx, env.TaskID)
				w.broker.DeleteInputBlob(ctx, env.InputBlobKey)
			}
			continue
		}
		if task.Status.IsTerminal() {
			if err := w.broker.DeleteProcessing(ctx, env.TaskID); err != nil {
				w.log.Warnw("Processing entry cleanup failed", "task_id", env.TaskID, "error", err)
			}
			if err := w.broker.DeleteInputBlob(ctx, env.InputBlobKey); err != nil {
				w.log.Warnw("Blob cleanup failed", "task_id", env.TaskID, "error", err)
			}
		}
	}
	return nil
}

// alertInactiveWorkers notifies operators about workers that stopped
// heartbeating while holding a task.
func (w *Watchdog) alertInactiveWorkers(ctx context.Context) error {
	th := w.thresholds.Load()
	cutoff := time.Now().UTC().Add(-th.WorkerInactiveThreshold)
	tasks, err := w.store.ListInactiveWorkerTasks(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	var lines []string
	for _, t := range tasks {
		worker := t.AssignedWorker
		if worker == "" {
			worker = "(unassigned)"
		}
		lines = append(lines, fmt.Sprintf("task %d (job %d) held by %s", t.ID, t.JobID, worker))
	}
	subject := fmt.Sprintf("%d worker(s) inactive", len(tasks))
	return w.notifier.Notify(ctx, subject, strings.Join(lines, "\n"))
}

// alertStuckJobs notifies operators about jobs with no progress past the
// stuck threshold.
func (w *Watchdog) alertStuckJobs(ctx context.Context) error {
	th := w.thresholds.Load()
	cutoff := time.Now().UTC().Add(-th.JobStuckThreshold)
	jobs, err := w.store.ListStuckJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	var lines []string
	for _, j := range jobs {
		lines = append(lines, fmt.Sprintf("job %d (%s %s %s) status %s since %s",
			j.ID, j.Symbol, j.Timeframe, j.EAName, j.Status, j.UpdatedAt.Format(time.RFC3339)))
	}
	subject := fmt.Sprintf("%d job(s) stuck", len(jobs))
	return w.notifier.Notify(ctx, subject, strings.Join(lines, "\n"))
}

func (w *Watchdog) envelopeFor(ctx context.Context, task store.Task) (broker.Envelope, error) {
	job, err := w.store.GetJob(ctx, task.JobID)
	if err != nil {
		return broker.Envelope{}, err
	}
	return broker.Envelope{
		JobID:        job.ID,
		TaskID:       task.ID,
		SetFileName:  task.FilePath,
		InputBlobKey: broker.InputBlobKey(task.ID),
		EAName:       job.EAName,
		Symbol:       job.Symbol,
		Timeframe:    job.Timeframe,
	}, nil
}
