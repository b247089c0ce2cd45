// Package scheduler runs the controller's core loop: evaluating finished
// work, spawning fine-tune passes, and dispatching the next batch of tasks
// to the queue in priority order.
package scheduler

import (
	"github.com/philiplau114/PocketFlowProject/store"
)

// Verdict grades a finished task's metrics
type Verdict string

const (
	// VerdictSuccess means at least one metric cleared both thresholds
	VerdictSuccess Verdict = "success"
	// VerdictPartial means at least one metric cleared one threshold
	VerdictPartial Verdict = "partial"
	// VerdictNone means no metric cleared either threshold
	VerdictNone Verdict = "none"
)

// Evaluate grades a task's metrics against the score and distance thresholds.
// A metric counts toward a threshold only when the field is present: null
// scores and distances never qualify, in either direction.
func Evaluate(metrics []store.Metric, distanceThreshold, scoreThreshold float64) Verdict {
	verdict := VerdictNone
	for _, m := range metrics {
		scoreOK := m.Score != nil && *m.Score >= scoreThreshold
		distanceOK := m.Distance != nil && *m.Distance <= distanceThreshold
		if scoreOK && distanceOK {
			return VerdictSuccess
		}
		if scoreOK || distanceOK {
			verdict = VerdictPartial
		}
	}
	return verdict
}
