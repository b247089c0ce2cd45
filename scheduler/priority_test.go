package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/philiplau114/PocketFlowProject/store"
)

func TestHybridPriority(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	base := func(status store.TaskStatus, attempts int, age time.Duration) store.DispatchCandidate {
		return store.DispatchCandidate{Task: store.Task{
			Priority:     10,
			Status:       status,
			AttemptCount: attempts,
			StepName:     store.StepOptimize,
			CreatedAt:    now.Add(-age),
		}}
	}

	t.Run("new task is base plus aging", func(t *testing.T) {
		got := HybridPriority(base(store.TaskStatusNew, 0, 30*time.Minute), now, 1.0)
		assert.InDelta(t, 40, got, 1e-9) // 10 + 1.0*30
	})

	t.Run("zero aging factor leaves base alone", func(t *testing.T) {
		got := HybridPriority(base(store.TaskStatusNew, 0, 30*time.Minute), now, 0)
		assert.InDelta(t, 10, got, 1e-9)
	})

	t.Run("retry doubles per attempt", func(t *testing.T) {
		got := HybridPriority(base(store.TaskStatusRetrying, 2, 0), now, 1.0)
		assert.InDelta(t, 40, got, 1e-9) // 10 * 2^2
	})

	t.Run("retry with zero attempts still escalates once", func(t *testing.T) {
		got := HybridPriority(base(store.TaskStatusRetrying, 0, 0), now, 1.0)
		assert.InDelta(t, 20, got, 1e-9) // 10 * 2^1
	})

	t.Run("fine-tune ranks by seed distance", func(t *testing.T) {
		c := base(store.TaskStatusNew, 0, 0)
		c.Task.StepName = store.StepFineTune
		d := 0.25
		c.BestDistance = &d
		got := HybridPriority(c, now, 1.0)
		assert.InDelta(t, 975, got, 1e-9) // 1000 - floor(0.25*100)
	})

	t.Run("fine-tune without seed distance falls back to base", func(t *testing.T) {
		c := base(store.TaskStatusNew, 0, 0)
		c.Task.StepName = store.StepFineTune
		got := HybridPriority(c, now, 1.0)
		assert.InDelta(t, 10, got, 1e-9)
	})

	t.Run("future created_at does not earn negative aging", func(t *testing.T) {
		c := base(store.TaskStatusNew, 0, -time.Hour)
		got := HybridPriority(c, now, 1.0)
		assert.InDelta(t, 10, got, 1e-9)
	})

	t.Run("aging counts from the last touch, not creation", func(t *testing.T) {
		c := base(store.TaskStatusNew, 0, 2*time.Hour)
		c.Task.UpdatedAt = now.Add(-10 * time.Minute)
		got := HybridPriority(c, now, 1.0)
		assert.InDelta(t, 20, got, 1e-9) // 10 + 1.0*10, not 10 + 1.0*120
	})
}

func TestRankCandidates(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	candidate := func(id int64, priority float64) store.DispatchCandidate {
		return store.DispatchCandidate{Task: store.Task{
			ID:        id,
			Priority:  priority,
			Status:    store.TaskStatusNew,
			CreatedAt: now,
		}}
	}

	ranked := rankCandidates([]store.DispatchCandidate{
		candidate(3, 10),
		candidate(1, 10),
		candidate(2, 50),
	}, HybridPriority, now, 0)

	assert.Equal(t, int64(2), ranked[0].candidate.Task.ID)
	// Equal priority breaks ties by task id ascending
	assert.Equal(t, int64(1), ranked[1].candidate.Task.ID)
	assert.Equal(t, int64(3), ranked[2].candidate.Task.ID)
}

func TestPickBatch(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	candidate := func(id int64, status store.TaskStatus, priority float64) store.DispatchCandidate {
		return store.DispatchCandidate{Task: store.Task{
			ID:        id,
			Priority:  priority,
			Status:    status,
			CreatedAt: now,
		}}
	}

	t.Run("small lists pass through", func(t *testing.T) {
		list := rankCandidates([]store.DispatchCandidate{
			candidate(1, store.TaskStatusRetrying, 100),
		}, HybridPriority, now, 0)
		batch := pickBatch(list, 10, 2)
		assert.Len(t, batch, 1)
	})

	t.Run("reserves slots for new tasks", func(t *testing.T) {
		var all []store.DispatchCandidate
		// Twelve retries that outrank everything
		for i := int64(1); i <= 12; i++ {
			all = append(all, candidate(i, store.TaskStatusRetrying, 100))
		}
		// Three new tasks at base priority
		for i := int64(100); i <= 102; i++ {
			all = append(all, candidate(i, store.TaskStatusNew, 10))
		}

		batch := pickBatch(rankCandidates(all, HybridPriority, now, 0), 10, 2)
		assert.Len(t, batch, 10)

		newCount := 0
		for _, r := range batch {
			if r.candidate.Task.Status == store.TaskStatusNew {
				newCount++
			}
		}
		assert.Equal(t, 2, newCount)
	})

	t.Run("no reservation needed when new tasks already rank", func(t *testing.T) {
		var all []store.DispatchCandidate
		for i := int64(1); i <= 5; i++ {
			all = append(all, candidate(i, store.TaskStatusNew, 50))
		}
		for i := int64(10); i <= 20; i++ {
			all = append(all, candidate(i, store.TaskStatusRetrying, 10))
		}

		batch := pickBatch(rankCandidates(all, HybridPriority, now, 0), 10, 2)
		assert.Len(t, batch, 10)
		newCount := 0
		for _, r := range batch {
			if r.candidate.Task.Status == store.TaskStatusNew {
				newCount++
			}
		}
		assert.Equal(t, 5, newCount)
	})
}
