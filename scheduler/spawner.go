package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/store"
)

// Spawner creates fine-tune children for partially successful tasks, seeding
// each child with the output parameter set of the parent's best metric.
type Spawner struct {
	store *store.Store
	log   *zap.SugaredLogger
}

// NewSpawner creates a Spawner
func NewSpawner(st *store.Store, log *zap.SugaredLogger) *Spawner {
	return &Spawner{store: st, log: log}
}

// MaybeSpawn creates the fine-tune child of parent, seeded from the output
// set of the parent's best metric, or from the parent's own file bytes when
// the metric left no artifact behind. It returns spawned=false without error
// when the parent has exhausted its fine-tune depth, has no metric at all, or
// when a concurrent spawn already created the child (at most one per parent).
func (sp *Spawner) MaybeSpawn(ctx context.Context, parent store.Task, maxDepth int) (store.Task, bool, error) {
	if parent.FineTuneDepth >= maxDepth {
		sp.log.Debugw("Fine-tune depth exhausted",
			"task_id", parent.ID,
			"fine_tune_depth", parent.FineTuneDepth,
			"max_depth", maxDepth,
		)
		return store.Task{}, false, nil
	}

	best, err := sp.store.BestMetricForTask(ctx, parent.ID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			sp.log.Debugw("No metric to seed fine-tune from", "task_id", parent.ID)
			return store.Task{}, false, nil
		}
		return store.Task{}, false, err
	}

	seed := parent.FileBlob
	artifact, err := sp.store.OutputSetForMetric(ctx, best.ID)
	switch {
	case err == nil:
		seed = artifact.FileBlob
	case errors.IsNotFoundError(err):
		sp.log.Warnw("No output set for best metric, seeding from parent bytes",
			"task_id", parent.ID,
			"metric_id", best.ID,
		)
	default:
		return store.Task{}, false, err
	}

	child, err := sp.store.CreateFineTuneChild(ctx, parent, best.ID, seed)
	if err != nil {
		if errors.Is(err, errors.ErrDuplicateFineTune) {
			sp.log.Debugw("Fine-tune child already exists", "parent_task_id", parent.ID)
			return store.Task{}, false, nil
		}
		return store.Task{}, false, err
	}
	return child, true, nil
}
