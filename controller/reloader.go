package controller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/store"
)

// Reloader refreshes the threshold snapshot from the store on a fixed cadence
// so operators can retune the running controller by editing rows.
type Reloader struct {
	store    *store.Store
	holder   *config.ThresholdHolder
	defaults config.Thresholds
	log      *zap.SugaredLogger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReloader creates a Reloader. defaults is the boot-time snapshot that
// store rows are folded over on every reload.
func NewReloader(st *store.Store, holder *config.ThresholdHolder, defaults config.Thresholds, log *zap.SugaredLogger) *Reloader {
	return &Reloader{
		store:    st,
		holder:   holder,
		defaults: defaults,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start launches the reload loop
func (r *Reloader) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals the loop and waits for it to exit
func (r *Reloader) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Reloader) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		interval := r.holder.Load().ReloadInterval
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(interval):
			if err := r.ReloadOnce(ctx); err != nil {
				r.log.Errorw("Threshold reload failed", "error", err)
			}
		}
	}
}

// ReloadOnce folds the store's threshold rows over the configured defaults
// and swaps the result in atomically.
func (r *Reloader) ReloadOnce(ctx context.Context) error {
	values, err := r.store.ThresholdValues(ctx)
	if err != nil {
		return err
	}
	next := r.defaults.Override(values)
	prev := r.holder.Load()
	r.holder.Store(next)
	if next != prev {
		r.log.Infow("Thresholds reloaded",
			"overrides", len(values),
			"distance_threshold", next.DistanceThreshold,
			"score_threshold", next.ScoreThreshold,
			"task_max_attempts", next.TaskMaxAttempts,
		)
	}
	return nil
}
