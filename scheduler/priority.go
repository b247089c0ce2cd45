package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/philiplau114/PocketFlowProject/store"
)

// PriorityFunc computes the effective dispatch priority of a candidate at a
// point in time. Higher values dispatch first. The scheduler takes this as a
// parameter so deployments can swap the policy without touching the loop.
type PriorityFunc func(c store.DispatchCandidate, now time.Time, agingFactor float64) float64

// HybridPriority is the default policy. Every task earns a linear aging bonus
// so nothing starves; retries escalate exponentially with their attempt
// count; fine-tune passes rank by how promising the seed metric was, with a
// closer distance mapping to a higher band. Aging counts from the last touch
// of the row, so a retry chain restarts its clock on every transition instead
// of accruing from the original creation.
func HybridPriority(c store.DispatchCandidate, now time.Time, agingFactor float64) float64 {
	t := c.Task
	base := t.Priority
	ref := t.CreatedAt
	if t.UpdatedAt.After(ref) {
		ref = t.UpdatedAt
	}
	ageMinutes := now.Sub(ref).Minutes()
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	aging := agingFactor * ageMinutes

	switch {
	case t.Status == store.TaskStatusRetrying:
		exp := t.AttemptCount
		if exp < 1 {
			exp = 1
		}
		return base*math.Pow(2, float64(exp)) + aging
	case t.StepName == store.StepFineTune && c.BestDistance != nil:
		return (1000 - math.Floor(*c.BestDistance*100)) + aging
	default:
		return base + aging
	}
}

// ranked pairs a candidate with its computed priority
type ranked struct {
	candidate store.DispatchCandidate
	priority  float64
}

// rankCandidates orders candidates by priority descending, task id ascending
// as the deterministic tie-break.
func rankCandidates(candidates []store.DispatchCandidate, fn PriorityFunc, now time.Time, agingFactor float64) []ranked {
	out := make([]ranked, len(candidates))
	for i, c := range candidates {
		out[i] = ranked{candidate: c, priority: fn(c, now, agingFactor)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].candidate.Task.ID < out[j].candidate.Task.ID
	})
	return out
}

// pickBatch takes up to batchSize candidates from the ranked list, reserving
// minNew slots for tasks in NEW so fresh jobs keep moving even when retries
// and fine-tunes dominate the top of the ranking.
func pickBatch(rankedList []ranked, batchSize, minNew int) []ranked {
	if len(rankedList) <= batchSize {
		return rankedList
	}

	batch := append([]ranked(nil), rankedList[:batchSize]...)
	newInBatch := 0
	for _, r := range batch {
		if r.candidate.Task.Status == store.TaskStatusNew {
			newInBatch++
		}
	}
	if newInBatch >= minNew {
		return batch
	}

	// Collect the best NEW tasks waiting outside the batch
	var waiting []ranked
	for _, r := range rankedList[batchSize:] {
		if r.candidate.Task.Status == store.TaskStatusNew {
			waiting = append(waiting, r)
			if len(waiting) >= minNew-newInBatch {
				break
			}
		}
	}

	// Swap them in for the lowest-ranked non-NEW entries
	for _, w := range waiting {
		for i := len(batch) - 1; i >= 0; i-- {
			if batch[i].candidate.Task.Status != store.TaskStatusNew {
				batch[i] = w
				break
			}
		}
	}
	return batch
}
