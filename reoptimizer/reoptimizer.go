// Package reoptimizer feeds finished results back into the pipeline: when the
// system is idle it picks one un-reoptimized job/metric pair (failed jobs
// first, then partial, then success), writes the metric's output parameter
// set back into the ingest folder under a derivative name, and records the
// action so the same metric never seeds twice.
package reoptimizer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/store"
)

// SidecarMeta is the .meta.json written next to a derivative set file so the
// ingestor can attribute the new job to its source.
type SidecarMeta struct {
	UserID                  string `json:"user_id"`
	Symbol                  string `json:"symbol"`
	Timeframe               string `json:"timeframe"`
	EAName                  string `json:"ea_name"`
	OriginalFilename        string `json:"original_filename"`
	ReoptimizeSourceMetricID int64 `json:"reoptimize_source_metric_id"`
	ReoptimizeSourceJobID   int64  `json:"reoptimize_source_job_id"`
}

// Reoptimizer is the idle-time feedback loop
type Reoptimizer struct {
	store       *store.Store
	broker      broker.Broker
	thresholds  *config.ThresholdHolder
	watchFolder string
	userID      string
	log         *zap.SugaredLogger
	now         func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Reoptimizer writing derivatives into watchFolder
func New(st *store.Store, br broker.Broker, holder *config.ThresholdHolder, watchFolder, userID string, log *zap.SugaredLogger) *Reoptimizer {
	return &Reoptimizer{
		store:       st,
		broker:      br,
		thresholds:  holder,
		watchFolder: watchFolder,
		userID:      userID,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		done:        make(chan struct{}),
	}
}

// Start launches the feedback loop
func (r *Reoptimizer) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
	r.log.Infow("Reoptimizer started", "watch_folder", r.watchFolder)
}

// Stop signals the loop and waits for it to exit
func (r *Reoptimizer) Stop() {
	close(r.done)
	r.wg.Wait()
	r.log.Infow("Reoptimizer stopped")
}

func (r *Reoptimizer) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		interval := r.thresholds.Load().SupervisorPollInterval
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(interval):
			if err := r.RunOnce(ctx); err != nil {
				r.log.Errorw("Reoptimizer pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs at most one reoptimization, and only when nothing else is
// running: active jobs or a non-empty queue mean real work takes precedence.
func (r *Reoptimizer) RunOnce(ctx context.Context) error {
	active, err := r.store.CountActiveJobs(ctx)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	depth, err := r.broker.MainDepth(ctx)
	if err != nil {
		return err
	}
	if depth > 0 {
		return nil
	}

	candidate, err := r.store.SelectReoptimizeCandidate(ctx)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	return r.Trigger(ctx, candidate, store.TriggerAuto, r.userID)
}

// Trigger reoptimizes one candidate: the derivative set file and its sidecar
// land in the watch folder, then the history row makes it permanent. Used by
// the idle loop (auto) and the CLI (manual).
func (r *Reoptimizer) Trigger(ctx context.Context, candidate store.ReoptimizeCandidate, triggerKind, userID string) error {
	artifact, err := r.store.OutputSetForMetric(ctx, candidate.Metric.ID)
	if err != nil {
		return errors.Wrapf(err, "output set for metric %d", candidate.Metric.ID)
	}

	derivative := DerivativeFileName(baseFileName(candidate), candidate.Metric.ID, r.now())
	setPath := filepath.Join(r.watchFolder, derivative)
	metaPath := setPath + ".meta.json"

	meta := SidecarMeta{
		UserID:                   userID,
		Symbol:                   candidate.Job.Symbol,
		Timeframe:                candidate.Job.Timeframe,
		EAName:                   candidate.Job.EAName,
		OriginalFilename:         candidate.Job.OriginalFile,
		ReoptimizeSourceMetricID: candidate.Metric.ID,
		ReoptimizeSourceJobID:    candidate.Job.ID,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal sidecar meta")
	}

	if err := os.MkdirAll(r.watchFolder, 0o755); err != nil {
		return errors.Wrapf(err, "create watch folder %s", r.watchFolder)
	}
	// Sidecar first so the ingestor never sees a set file without metadata
	if err := os.WriteFile(metaPath, metaData, 0o644); err != nil {
		return errors.Wrapf(err, "write sidecar %s", metaPath)
	}
	if err := os.WriteFile(setPath, artifact.FileBlob, 0o644); err != nil {
		os.Remove(metaPath)
		return errors.Wrapf(err, "write derivative %s", setPath)
	}

	_, err = r.store.AppendReoptimizeHistory(ctx, store.ReoptimizeHistory{
		JobID:              candidate.Job.ID,
		MetricID:           candidate.Metric.ID,
		TriggerKind:        triggerKind,
		UserID:             userID,
		JobStatusAtTrigger: candidate.Job.Status,
		DerivativeFile:     derivative,
	})
	if err != nil {
		return err
	}

	r.log.Infow("Reoptimize triggered",
		"job_id", candidate.Job.ID,
		"metric_id", candidate.Metric.ID,
		"symbol", candidate.Job.Symbol,
		"trigger", triggerKind,
		"derivative_file", derivative,
	)
	return nil
}

// DerivativeFileName builds `<base>_R<tag>.set` where tag is the first four
// hex characters of sha1("<metricID>_<unix timestamp>"). Short enough to stay
// readable, unique enough that repeated triggers never collide on disk.
func DerivativeFileName(base string, metricID int64, now time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d_%d", metricID, now.Unix())))
	tag := hex.EncodeToString(sum[:])[:4]
	return fmt.Sprintf("%s_R%s.set", base, tag)
}

func baseFileName(c store.ReoptimizeCandidate) string {
	name := c.Metric.SetFileName
	if name == "" {
		name = c.Job.OriginalFile
	}
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
