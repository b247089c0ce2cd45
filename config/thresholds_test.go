package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func defaultThresholds() Thresholds {
	return ThresholdsFromConfig(ThresholdConfig{
		TaskMaxAttempts:       3,
		MaxFineTuneDepth:      2,
		DistanceThreshold:     0.1,
		ScoreThreshold:        0.8,
		AgingFactor:           1.0,
		JobStuckMinutes:       60,
		WorkerInactiveMinutes: 5,
		SupervisorPollSeconds: 20,
		ReloadSeconds:         60,
		LockRetryCount:        5,
		LockRetrySleepMillis:  100,
	})
}

func TestThresholdsFromConfig(t *testing.T) {
	th := defaultThresholds()
	assert.Equal(t, 3, th.TaskMaxAttempts)
	assert.Equal(t, time.Hour, th.JobStuckThreshold)
	assert.Equal(t, 5*time.Minute, th.WorkerInactiveThreshold)
	assert.Equal(t, 20*time.Second, th.SupervisorPollInterval)
	assert.Equal(t, time.Minute, th.ReloadInterval)
	assert.Equal(t, 100*time.Millisecond, th.LockRetrySleep)
}

func TestThresholdsOverride(t *testing.T) {
	base := defaultThresholds()

	t.Run("empty map keeps defaults", func(t *testing.T) {
		assert.Equal(t, base, base.Override(nil))
	})

	t.Run("store rows win", func(t *testing.T) {
		got := base.Override(map[string]float64{
			NameDistanceThreshold:  0.05,
			NameTaskMaxAttempts:    5,
			NameJobStuckThreshold:  30,
			NameSupervisorPollInterval: 10,
		})
		assert.InDelta(t, 0.05, got.DistanceThreshold, 1e-9)
		assert.Equal(t, 5, got.TaskMaxAttempts)
		assert.Equal(t, 30*time.Minute, got.JobStuckThreshold)
		assert.Equal(t, 10*time.Second, got.SupervisorPollInterval)
		// Untouched values keep their defaults
		assert.InDelta(t, 0.8, got.ScoreThreshold, 1e-9)
	})

	t.Run("unknown names are ignored", func(t *testing.T) {
		got := base.Override(map[string]float64{"NO_SUCH_THRESHOLD": 99})
		assert.Equal(t, base, got)
	})
}

func TestThresholdHolder(t *testing.T) {
	base := defaultThresholds()
	holder := NewThresholdHolder(base)
	assert.Equal(t, base, holder.Load())

	next := base
	next.DistanceThreshold = 0.01
	holder.Store(next)
	assert.Equal(t, next, holder.Load())

	// Concurrent readers and writers must not race
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				holder.Store(next)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = holder.Load()
			}
		}()
	}
	wg.Wait()
}
