package reoptimizer_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	itesting "github.com/philiplau114/PocketFlowProject/internal/testing"
	"github.com/philiplau114/PocketFlowProject/reoptimizer"
	"github.com/philiplau114/PocketFlowProject/store"
)

type fixture struct {
	store  *store.Store
	broker *broker.BadgerBroker
	reopt  *reoptimizer.Reoptimizer
	folder string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.New(itesting.CreateTestDB(t), log)
	br := itesting.CreateTestBroker(t)
	folder := t.TempDir()
	holder := config.NewThresholdHolder(config.ThresholdsFromConfig(config.ThresholdConfig{
		TaskMaxAttempts:       3,
		DistanceThreshold:     0.1,
		ScoreThreshold:        0.8,
		SupervisorPollSeconds: 20,
		ReloadSeconds:         60,
	}))
	return &fixture{
		store:  st,
		broker: br,
		reopt:  reoptimizer.New(st, br, holder, folder, "system", log),
		folder: folder,
	}
}

// seedClosedJob creates a job driven to the given terminal task status, with
// one metric and its output set artifact, returning the metric.
func (f *fixture) seedClosedJob(t *testing.T, symbol string, distance, score float64, status store.TaskStatus) store.Metric {
	t.Helper()
	ctx := context.Background()
	_, task, err := f.store.CreateJobWithTask(ctx, store.NewJob{
		UserID:       "tester",
		Symbol:       symbol,
		Timeframe:    "H1",
		EAName:       "TrendEA",
		OriginalFile: symbol + "_H1_TrendEA.set",
		MaxAttempts:  3,
		Priority:     10,
		FilePath:     symbol + "_H1_TrendEA.set",
		FileBlob:     []byte("param-set"),
	})
	require.NoError(t, err)

	metric, err := f.store.InsertMetric(ctx, store.Metric{
		TaskID:      task.ID,
		Distance:    &distance,
		Score:       &score,
		Symbol:      symbol,
		SetFileName: symbol + "_H1_TrendEA.set",
	})
	require.NoError(t, err)

	_, err = f.store.InsertArtifact(ctx, store.Artifact{
		TaskID:       task.ID,
		ArtifactType: store.ArtifactOutputSet,
		FileName:     symbol + "_H1_TrendEA_out.set",
		FileBlob:     []byte("optimized-params"),
		LinkType:     store.LinkTypeMetric,
		LinkID:       &metric.ID,
	})
	require.NoError(t, err)

	_, err = f.store.TransitionTask(ctx, store.Transition{
		TaskID: task.ID,
		To:     status,
		Reason: "test setup",
	})
	require.NoError(t, err)
	return metric
}

func (f *fixture) seedSuccessfulJob(t *testing.T, symbol string, distance float64) store.Metric {
	t.Helper()
	return f.seedClosedJob(t, symbol, distance, 0.9, store.TaskStatusCompletedSuccess)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("idle system reoptimizes the best candidate", func(t *testing.T) {
		f := newFixture(t)
		metric := f.seedSuccessfulJob(t, "EURUSD", 0.05)

		require.NoError(t, f.reopt.RunOnce(ctx))

		entries, err := os.ReadDir(f.folder)
		require.NoError(t, err)

		var setFile, metaFile string
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".meta.json") {
				metaFile = e.Name()
			} else if strings.HasSuffix(e.Name(), ".set") {
				setFile = e.Name()
			}
		}
		require.NotEmpty(t, setFile)
		require.NotEmpty(t, metaFile)
		assert.True(t, strings.HasPrefix(setFile, "EURUSD_H1_TrendEA_R"), setFile)
		assert.Equal(t, setFile+".meta.json", metaFile)

		blob, err := os.ReadFile(filepath.Join(f.folder, setFile))
		require.NoError(t, err)
		assert.Equal(t, []byte("optimized-params"), blob)

		var meta reoptimizer.SidecarMeta
		data, err := os.ReadFile(filepath.Join(f.folder, metaFile))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &meta))
		assert.Equal(t, "EURUSD", meta.Symbol)
		assert.Equal(t, metric.ID, meta.ReoptimizeSourceMetricID)

		history, err := f.store.ReoptimizeHistoryForJob(ctx, meta.ReoptimizeSourceJobID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, store.TriggerAuto, history[0].TriggerKind)
		assert.Equal(t, setFile, history[0].DerivativeFile)
	})

	t.Run("a metric seeds at most one reoptimization", func(t *testing.T) {
		f := newFixture(t)
		f.seedSuccessfulJob(t, "EURUSD", 0.05)

		require.NoError(t, f.reopt.RunOnce(ctx))
		require.NoError(t, f.reopt.RunOnce(ctx))

		entries, err := os.ReadDir(f.folder)
		require.NoError(t, err)
		assert.Len(t, entries, 2) // one .set plus its sidecar
	})

	t.Run("busy system defers", func(t *testing.T) {
		f := newFixture(t)
		f.seedSuccessfulJob(t, "EURUSD", 0.05)

		// A second, still-active job keeps the system busy
		_, _, err := f.store.CreateJobWithTask(ctx, store.NewJob{
			UserID: "tester", Symbol: "GBPUSD", Timeframe: "H1", EAName: "TrendEA",
			OriginalFile: "GBPUSD_H1_TrendEA.set", MaxAttempts: 3, Priority: 10,
			FileBlob: []byte("x"),
		})
		require.NoError(t, err)

		require.NoError(t, f.reopt.RunOnce(ctx))

		entries, err := os.ReadDir(f.folder)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("non-empty queue defers", func(t *testing.T) {
		f := newFixture(t)
		f.seedSuccessfulJob(t, "EURUSD", 0.05)
		require.NoError(t, f.broker.PushMain(ctx, broker.Envelope{TaskID: 1}))

		require.NoError(t, f.reopt.RunOnce(ctx))

		entries, err := os.ReadDir(f.folder)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("least-reoptimized symbol wins", func(t *testing.T) {
		f := newFixture(t)
		// EURUSD has the better distance but already one reoptimization
		eur := f.seedSuccessfulJob(t, "EURUSD", 0.01)
		f.seedSuccessfulJob(t, "GBPUSD", 0.05)

		require.NoError(t, f.reopt.RunOnce(ctx)) // takes EURUSD (0 vs 0)

		first, err := f.store.SelectReoptimizeCandidate(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, eur.ID, first.Metric.ID)
		assert.Equal(t, "GBPUSD", first.Job.Symbol)
	})

	t.Run("failed job outranks a successful one", func(t *testing.T) {
		f := newFixture(t)
		// The failed job's best metric clears no threshold; it still wins,
		// because failed jobs need a fresh starting point the most
		failed := f.seedClosedJob(t, "EURUSD", 0.5, 0.2, store.TaskStatusFailed)
		f.seedSuccessfulJob(t, "GBPUSD", 0.05)

		require.NoError(t, f.reopt.RunOnce(ctx))

		var metaFile string
		entries, err := os.ReadDir(f.folder)
		require.NoError(t, err)
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".meta.json") {
				metaFile = e.Name()
			}
		}
		require.NotEmpty(t, metaFile)

		var meta reoptimizer.SidecarMeta
		data, err := os.ReadFile(filepath.Join(f.folder, metaFile))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &meta))
		assert.Equal(t, "EURUSD", meta.Symbol)
		assert.Equal(t, failed.ID, meta.ReoptimizeSourceMetricID)

		history, err := f.store.ReoptimizeHistoryForJob(ctx, meta.ReoptimizeSourceJobID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, store.JobStatusFailed, history[0].JobStatusAtTrigger)
	})

	t.Run("partial job outranks a successful one", func(t *testing.T) {
		f := newFixture(t)
		partial := f.seedClosedJob(t, "EURUSD", 0.3, 0.4, store.TaskStatusCompletedPartial)
		f.seedSuccessfulJob(t, "GBPUSD", 0.05)

		first, err := f.store.SelectReoptimizeCandidate(ctx)
		require.NoError(t, err)
		assert.Equal(t, partial.ID, first.Metric.ID)
		assert.Equal(t, store.JobStatusCompletedPartial, first.Job.Status)
	})
}

func TestDerivativeFileName(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	name := reoptimizer.DerivativeFileName("EURUSD_H1_TrendEA", 42, now)
	assert.True(t, strings.HasPrefix(name, "EURUSD_H1_TrendEA_R"))
	assert.True(t, strings.HasSuffix(name, ".set"))
	// base + "_R" + 4 hex chars + ".set"
	assert.Len(t, name, len("EURUSD_H1_TrendEA")+2+4+4)

	// Deterministic for the same inputs
	assert.Equal(t, name, reoptimizer.DerivativeFileName("EURUSD_H1_TrendEA", 42, now))
}
