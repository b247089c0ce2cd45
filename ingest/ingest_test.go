package ingest_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/ingest"
	itesting "github.com/philiplau114/PocketFlowProject/internal/testing"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/store"
)

type fixture struct {
	store    *store.Store
	ingestor *ingest.Ingestor
	watch    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.New(itesting.CreateTestDB(t), log)
	watch := t.TempDir()
	holder := config.NewThresholdHolder(config.ThresholdsFromConfig(config.ThresholdConfig{
		TaskMaxAttempts: 3,
	}))
	ingestor := ingest.New(st, holder, notify.NewLogNotifier(log), config.IngestConfig{
		WatchFolder:  watch,
		MaxFileBytes: 1024,
	}, "system", log)
	return &fixture{store: st, ingestor: ingestor, watch: watch}
}

func (f *fixture) drop(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(f.watch, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestIngestFile(t *testing.T) {
	ctx := context.Background()

	t.Run("filename parsing creates the job", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "EURUSD_H1_TrendEA.set", []byte("params"))

		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		job, err := f.store.FindJobByOriginalFile(ctx, "EURUSD_H1_TrendEA.set")
		require.NoError(t, err)
		assert.Equal(t, "EURUSD", job.Symbol)
		assert.Equal(t, "H1", job.Timeframe)
		assert.Equal(t, "TrendEA", job.EAName)
		assert.Equal(t, "system", job.UserID)
		assert.Equal(t, 3, job.MaxAttempts)

		tasks, err := f.store.ListTasksForJob(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, store.TaskStatusNew, tasks[0].Status)
		assert.Equal(t, []byte("params"), tasks[0].FileBlob)

		// Original moved out of the watch folder
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filepath.Join(f.ingestor.ProcessedFolder(), "EURUSD_H1_TrendEA.set"))
		assert.NoError(t, err)
	})

	t.Run("sidecar wins over the filename", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "whatever.set", []byte("params"))
		meta, _ := json.Marshal(ingest.SidecarMeta{
			UserID:    "alice",
			Symbol:    "GBPUSD",
			Timeframe: "M15",
			EAName:    "ScalpEA",
		})
		f.drop(t, "whatever.set.meta.json", meta)

		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		job, err := f.store.FindJobByOriginalFile(ctx, "whatever.set")
		require.NoError(t, err)
		assert.Equal(t, "GBPUSD", job.Symbol)
		assert.Equal(t, "M15", job.Timeframe)
		assert.Equal(t, "ScalpEA", job.EAName)
		assert.Equal(t, "alice", job.UserID)
	})

	t.Run("unparseable filename without sidecar is rejected", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "nounderscore.set", []byte("params"))

		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		_, err := f.store.FindJobByOriginalFile(ctx, "nounderscore.set")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("oversized file is rejected", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "EURUSD_H1_BigEA.set", make([]byte, 2048))

		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		_, err := f.store.FindJobByOriginalFile(ctx, "EURUSD_H1_BigEA.set")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("empty file is rejected", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "EURUSD_H1_EmptyEA.set", nil)

		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		_, err := f.store.FindJobByOriginalFile(ctx, "EURUSD_H1_EmptyEA.set")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("duplicate filename is rejected", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "EURUSD_H1_TrendEA.set", []byte("params"))
		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		f.drop(t, "EURUSD_H1_TrendEA.set", []byte("params again"))
		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		jobs, err := f.store.ListJobsInStatus(ctx,
			store.JobStatusNew, store.JobStatusInProgress,
			store.JobStatusCompletedSuccess, store.JobStatusCompletedPartial, store.JobStatusFailed)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("reoptimize derivative may reuse a name", func(t *testing.T) {
		f := newFixture(t)
		path := f.drop(t, "EURUSD_H1_TrendEA_Rab12.set", []byte("params"))
		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		// Same name again, now attributed to a reoptimize source
		f.drop(t, "EURUSD_H1_TrendEA_Rab12.set", []byte("tuned params"))
		meta, _ := json.Marshal(ingest.SidecarMeta{
			Symbol:                   "EURUSD",
			Timeframe:                "H1",
			EAName:                   "TrendEA",
			ReoptimizeSourceMetricID: 7,
			ReoptimizeSourceJobID:    1,
		})
		f.drop(t, "EURUSD_H1_TrendEA_Rab12.set.meta.json", meta)
		require.NoError(t, f.ingestor.IngestFile(ctx, path))

		jobs, err := f.store.ListJobsInStatus(ctx, store.JobStatusNew)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})
}

func TestScanOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.drop(t, "EURUSD_H1_TrendEA.set", []byte("a"))
	f.drop(t, "GBPUSD_M15_ScalpEA.set", []byte("b"))
	f.drop(t, "notes.txt", []byte("ignored"))

	f.ingestor.ScanOnce(ctx)

	jobs, err := f.store.ListJobsInStatus(ctx, store.JobStatusNew)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		want    ingest.SidecarMeta
		wantErr bool
	}{
		{
			name: "standard three segments",
			file: "EURUSD_H1_TrendEA.set",
			want: ingest.SidecarMeta{Symbol: "EURUSD", Timeframe: "H1", EAName: "TrendEA"},
		},
		{
			name: "EA name keeps its underscores",
			file: "GBPUSD_M15_Mean_Reversion_v2.set",
			want: ingest.SidecarMeta{Symbol: "GBPUSD", Timeframe: "M15", EAName: "Mean_Reversion_v2"},
		},
		{
			name:    "too few segments",
			file:    "EURUSD_H1.set",
			wantErr: true,
		},
		{
			name:    "empty segment",
			file:    "EURUSD__TrendEA.set",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ingest.ParseFileName(tt.file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
