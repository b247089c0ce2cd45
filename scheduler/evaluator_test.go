package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/philiplau114/PocketFlowProject/store"
)

func TestEvaluate(t *testing.T) {
	const (
		distanceThreshold = 0.1
		scoreThreshold    = 0.8
	)

	metric := func(distance, score *float64) store.Metric {
		return store.Metric{Distance: distance, Score: score}
	}

	tests := []struct {
		name    string
		metrics []store.Metric
		want    Verdict
	}{
		{
			name: "no metrics",
			want: VerdictNone,
		},
		{
			name:    "both thresholds cleared",
			metrics: []store.Metric{metric(ptr(0.05), ptr(0.9))},
			want:    VerdictSuccess,
		},
		{
			name:    "only score cleared",
			metrics: []store.Metric{metric(ptr(0.5), ptr(0.9))},
			want:    VerdictPartial,
		},
		{
			name:    "only distance cleared",
			metrics: []store.Metric{metric(ptr(0.05), ptr(0.1))},
			want:    VerdictPartial,
		},
		{
			name:    "neither cleared",
			metrics: []store.Metric{metric(ptr(0.5), ptr(0.1))},
			want:    VerdictNone,
		},
		{
			name:    "null score never counts",
			metrics: []store.Metric{metric(ptr(0.05), nil)},
			want:    VerdictPartial,
		},
		{
			name:    "null distance never counts",
			metrics: []store.Metric{metric(nil, ptr(0.9))},
			want:    VerdictPartial,
		},
		{
			name:    "all nulls",
			metrics: []store.Metric{metric(nil, nil)},
			want:    VerdictNone,
		},
		{
			name: "one success among misses wins",
			metrics: []store.Metric{
				metric(ptr(0.9), ptr(0.1)),
				metric(ptr(0.05), ptr(0.95)),
				metric(nil, nil),
			},
			want: VerdictSuccess,
		},
		{
			name:    "exactly on thresholds",
			metrics: []store.Metric{metric(ptr(0.1), ptr(0.8))},
			want:    VerdictSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.metrics, distanceThreshold, scoreThreshold))
		})
	}
}

func ptr(f float64) *float64 {
	return &f
}
