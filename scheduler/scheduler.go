package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/store"
)

const (
	// DefaultBatchSize caps how many tasks one dispatch pass queues
	DefaultBatchSize = 10
	// DefaultMinNew reserves batch slots for fresh tasks
	DefaultMinNew = 2
)

// Scheduler evaluates finished tasks, spawns fine-tune passes, and dispatches
// the next batch of work to the broker in priority order.
type Scheduler struct {
	store      *store.Store
	broker     broker.Broker
	thresholds *config.ThresholdHolder
	spawner    *Spawner
	priorityFn PriorityFunc
	notifier   notify.Notifier
	log        *zap.SugaredLogger

	batchSize int
	minNew    int

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithPriorityFunc swaps the dispatch priority policy
func WithPriorityFunc(fn PriorityFunc) Option {
	return func(s *Scheduler) { s.priorityFn = fn }
}

// WithNotifier routes terminal-failure alerts to a notification channel
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithBatch overrides the dispatch batch shape
func WithBatch(batchSize, minNew int) Option {
	return func(s *Scheduler) {
		s.batchSize = batchSize
		s.minNew = minNew
	}
}

// New creates a Scheduler
func New(st *store.Store, br broker.Broker, holder *config.ThresholdHolder, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		broker:     br,
		thresholds: holder,
		spawner:    NewSpawner(st, log),
		priorityFn: HybridPriority,
		log:        log,
		batchSize:  DefaultBatchSize,
		minNew:     DefaultMinNew,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the scheduling loop
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Infow("Scheduler started",
		"batch_size", s.batchSize,
		"min_new", s.minNew,
	)
}

// Stop signals the loop and waits for it to exit
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	s.log.Infow("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		interval := s.thresholds.Load().SupervisorPollInterval
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(interval):
			if err := s.RunOnce(ctx); err != nil {
				s.log.Errorw("Scheduler pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full scheduling pass: grade finished work, route
// failures, spawn fine-tune children, then dispatch the next batch.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.evaluateCompleted(ctx); err != nil {
		return errors.Wrap(err, "evaluate completed tasks")
	}
	if err := s.routeFailed(ctx); err != nil {
		return errors.Wrap(err, "route failed tasks")
	}
	if err := s.spawnFineTunes(ctx); err != nil {
		return errors.Wrap(err, "spawn fine-tune tasks")
	}
	if err := s.dispatch(ctx); err != nil {
		return errors.Wrap(err, "dispatch batch")
	}
	return nil
}

// jobFrozen reports whether the task's job already has a succeeded sibling.
// Once a job has a success, no other task of that job may move again, so the
// evaluation phases leave such tasks exactly as the worker left them.
func (s *Scheduler) jobFrozen(ctx context.Context, task store.Task) (bool, error) {
	frozen, err := s.store.JobHasSuccess(ctx, task.JobID)
	if err != nil {
		return false, err
	}
	if frozen {
		s.log.Debugw("Job already succeeded, leaving task untouched",
			"task_id", task.ID,
			"job_id", task.JobID,
		)
	}
	return frozen, nil
}

// evaluateCompleted grades every task a worker finished and settles it:
// success or partial closes the task, no qualifying metric sends it back for
// a retry while attempts remain. Tasks of already-succeeded jobs are skipped.
func (s *Scheduler) evaluateCompleted(ctx context.Context) error {
	th := s.thresholds.Load()
	tasks, err := s.store.ListTasksInStatus(ctx, store.TaskStatusWorkerCompleted)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		frozen, err := s.jobFrozen(ctx, task)
		if err != nil {
			s.log.Errorw("Job success check failed", "task_id", task.ID, "error", err)
			continue
		}
		if frozen {
			continue
		}
		if err := s.evaluateTask(ctx, task, th); err != nil {
			s.log.Errorw("Task evaluation failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) evaluateTask(ctx context.Context, task store.Task, th config.Thresholds) error {
	metrics, err := s.store.MetricsForTask(ctx, task.ID)
	if err != nil {
		return err
	}
	verdict := Evaluate(metrics, th.DistanceThreshold, th.ScoreThreshold)
	s.log.Infow("Task evaluated",
		"task_id", task.ID,
		"job_id", task.JobID,
		"verdict", verdict,
		"metric_count", len(metrics),
	)

	switch verdict {
	case VerdictSuccess:
		best, err := s.store.BestMetricForTask(ctx, task.ID)
		if err != nil {
			return err
		}
		_, err = s.store.TransitionTask(ctx, store.Transition{
			TaskID:       task.ID,
			From:         []store.TaskStatus{store.TaskStatusWorkerCompleted},
			To:           store.TaskStatusCompletedSuccess,
			Reason:       "metric cleared both thresholds",
			BestMetricID: &best.ID,
		})
		if err != nil {
			return err
		}
		s.cleanupBrokerEntries(ctx, task.ID)
		return nil

	case VerdictPartial:
		best, err := s.store.BestMetricForTask(ctx, task.ID)
		if err != nil && !errors.IsNotFoundError(err) {
			return err
		}
		tr := store.Transition{
			TaskID: task.ID,
			From:   []store.TaskStatus{store.TaskStatusWorkerCompleted},
			To:     store.TaskStatusCompletedPartial,
			Reason: "metric cleared one threshold",
		}
		if err == nil {
			tr.BestMetricID = &best.ID
		}
		// The fine-tune child is created by the spawner phase, not here
		if _, terr := s.store.TransitionTask(ctx, tr); terr != nil {
			return terr
		}
		s.cleanupBrokerEntries(ctx, task.ID)
		return nil

	default: // VerdictNone
		return s.retryOrFail(ctx, task, store.TaskStatusWorkerCompleted, "no qualifying metric")
	}
}

// routeFailed sends worker failures back for a retry while attempts remain,
// otherwise closes them out and parks the envelope on the dead-letter queue.
func (s *Scheduler) routeFailed(ctx context.Context) error {
	tasks, err := s.store.ListTasksInStatus(ctx, store.TaskStatusWorkerFailed)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		frozen, err := s.jobFrozen(ctx, task)
		if err != nil {
			s.log.Errorw("Job success check failed", "task_id", task.ID, "error", err)
			continue
		}
		if frozen {
			continue
		}
		if err := s.retryOrFail(ctx, task, store.TaskStatusWorkerFailed, "worker reported failure"); err != nil {
			s.log.Errorw("Failure routing failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// spawnFineTunes creates the fine-tune child of every partial task that does
// not have one yet. This is a standing phase over all COMPLETED_PARTIAL
// parents rather than a side effect of the evaluation that committed the
// partial, so a crash or spawn error between the two is healed on the next
// pass instead of losing the child forever.
func (s *Scheduler) spawnFineTunes(ctx context.Context) error {
	th := s.thresholds.Load()
	parents, err := s.store.ListFineTuneCandidates(ctx)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if _, spawned, err := s.spawner.MaybeSpawn(ctx, parent, th.MaxFineTuneDepth); err != nil {
			s.log.Errorw("Fine-tune spawn failed", "task_id", parent.ID, "error", err)
		} else if spawned {
			s.log.Infow("Fine-tune pass spawned", "parent_task_id", parent.ID)
		}
	}
	return nil
}

func (s *Scheduler) retryOrFail(ctx context.Context, task store.Task, from store.TaskStatus, reason string) error {
	if task.AttemptCount < task.MaxAttempts {
		_, err := s.store.TransitionTask(ctx, store.Transition{
			TaskID: task.ID,
			From:   []store.TaskStatus{from},
			To:     store.TaskStatusRetrying,
			Reason: reason,
		})
		return err
	}

	_, err := s.store.TransitionTask(ctx, store.Transition{
		TaskID: task.ID,
		From:   []store.TaskStatus{from},
		To:     store.TaskStatusFailed,
		Reason: reason + "; attempts exhausted",
	})
	if err != nil {
		return err
	}
	env, jerr := s.envelopeFor(ctx, task)
	if jerr == nil {
		if derr := s.broker.PushDeadLetter(ctx, env, reason); derr != nil {
			s.log.Errorw("Dead-letter push failed", "task_id", task.ID, "error", derr)
		}
	}
	s.cleanupBrokerEntries(ctx, task.ID)
	if s.notifier != nil {
		s.notifier.Notify(ctx,
			fmt.Sprintf("Task %d failed", task.ID),
			fmt.Sprintf("task %d (job %d) closed as failed after %d attempt(s): %s",
				task.ID, task.JobID, task.AttemptCount, reason))
	}
	return nil
}

// dispatch queues the next batch of eligible tasks. The blob lands in the
// broker before the task is marked QUEUED, and QUEUED lands before the
// envelope is published, so every envelope a worker sees has its blob and a
// consistent task row behind it. A publish failure leaves a QUEUED task with
// no envelope, which the watchdog reconciles.
func (s *Scheduler) dispatch(ctx context.Context) error {
	th := s.thresholds.Load()
	all, err := s.store.ListDispatchableTasks(ctx)
	if err != nil {
		return err
	}

	// Queueable only: retries must have attempts left, fine-tune lineage must
	// respect the depth cap as it stands right now (the cap can shrink on a
	// threshold reload after the task was created).
	candidates := all[:0]
	for _, c := range all {
		if c.Task.AttemptCount >= c.Task.MaxAttempts {
			continue
		}
		if c.Task.FineTuneDepth > th.MaxFineTuneDepth {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := pickBatch(rankCandidates(candidates, s.priorityFn, now, th.AgingFactor), s.batchSize, s.minNew)

	jobs := make(map[int64]store.Job)
	dispatched := 0
	for _, r := range batch {
		task := r.candidate.Task
		if len(task.FileBlob) == 0 {
			s.log.Errorw("Task has no input blob, skipping dispatch",
				"task_id", task.ID,
				"error", errors.ErrMissingInputBlob,
			)
			continue
		}

		job, ok := jobs[task.JobID]
		if !ok {
			job, err = s.store.GetJob(ctx, task.JobID)
			if err != nil {
				s.log.Errorw("Job load failed during dispatch", "task_id", task.ID, "error", err)
				continue
			}
			jobs[task.JobID] = job
		}

		blobKey := broker.InputBlobKey(task.ID)
		if err := s.broker.SetInputBlob(ctx, blobKey, task.FileBlob); err != nil {
			s.log.Errorw("Blob store failed, skipping dispatch", "task_id", task.ID, "error", err)
			continue
		}

		_, err := s.store.TransitionTask(ctx, store.Transition{
			TaskID:           task.ID,
			From:             []store.TaskStatus{task.Status},
			To:               store.TaskStatusQueued,
			Reason:           "dispatched",
			IncrementAttempt: task.Status == store.TaskStatusRetrying,
		})
		if err != nil {
			if errors.Is(err, errors.ErrForbiddenTransition) {
				// Someone else moved it first; drop the blob we staged
				s.broker.DeleteInputBlob(ctx, blobKey)
				continue
			}
			s.log.Errorw("Dispatch transition failed", "task_id", task.ID, "error", err)
			continue
		}

		env := broker.Envelope{
			JobID:        job.ID,
			TaskID:       task.ID,
			SetFileName:  task.FilePath,
			InputBlobKey: blobKey,
			EAName:       job.EAName,
			Symbol:       job.Symbol,
			Timeframe:    job.Timeframe,
		}
		if err := s.broker.PushMain(ctx, env); err != nil {
			s.log.Errorw("Envelope publish failed, watchdog will republish",
				"task_id", task.ID,
				"error", err,
			)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		s.log.Infow("Batch dispatched",
			"dispatched", dispatched,
			"candidates", len(candidates),
		)
	}
	return nil
}

func (s *Scheduler) envelopeFor(ctx context.Context, task store.Task) (broker.Envelope, error) {
	job, err := s.store.GetJob(ctx, task.JobID)
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

func (s *Scheduler) cleanupBrokerEntries(ctx context.Context, taskID int64) {
	if err := s.broker.DeleteProcessing(ctx, taskID); err != nil {
		s.log.Warnw("Processing entry cleanup failed", "task_id", taskID, "error", err)
	}
	if err := s.broker.DeleteInputBlob(ctx, broker.InputBlobKey(taskID)); err != nil {
		s.log.Warnw("Blob cleanup failed", "task_id", taskID, "error", err)
	}
}
