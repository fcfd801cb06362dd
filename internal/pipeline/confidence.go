package pipeline

import (
	"github.com/fitlab/capture-cli/internal/model"
)

// Merge is the confidence fold emitted by Aggregate.
type Merge struct {
	Aggregate   float64
	NeedsReview bool
	Degraded    bool
}

// Aggregate computes the weighted mean of per-stage confidences. Skipped
// stages leave the denominator entirely rather than dragging it down as
// zeros, but any skip marks the result degraded. Soft failures keep their
// (damped) confidence in the mean and force review regardless of the
// aggregate.
func Aggregate(results []model.StageResult, weights map[string]float64, reviewThreshold float64) Merge {
	var num, den float64
	softFailed := false
	degraded := false

	for _, r := range results {
		if r.Skipped {
			degraded = true
			continue
		}
		if r.Failed {
			continue
		}
		w := weights[string(r.Stage)]
		if w <= 0 {
			continue
		}
		num += w * r.Confidence
		den += w
		if r.SoftFailed {
			softFailed = true
		}
	}

	m := Merge{Degraded: degraded}
	if den > 0 {
		m.Aggregate = num / den
	}
	m.NeedsReview = m.Aggregate < reviewThreshold || softFailed
	return m
}
