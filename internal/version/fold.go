// Package version holds the measurement version chain: the immutable
// original snapshot, the append-only adjustment log, and the fold that
// derives the current display view from the two. The current view is never
// stored; it is recomputed from the chain, which keeps the audit trail
// complete and the original byte-identical forever.
package version

import "github.com/fitlab/capture-cli/internal/model"

// approvedConfidence is assigned to any metric set by an approved
// adjustment: a human reviewer has verified the value.
const approvedConfidence = 1.0

// Fold computes the merged current view: the original snapshot with the
// adjustment chain applied left to right. The caller supplies the chain
// already in chain order (created_at, ties by id), so the fold is
// deterministic.
//
// An adjustment's values show in the view when its author owns the capture
// or when it has been approved. A rejected adjustment is invisible. A
// pending adjustment — from anyone — damps the confidence of every metric
// it touches, whether or not its values are showing: unverified human input
// is worth less than the pipeline's own estimate until someone signs off.
func Fold(snap *model.MetricSnapshot, ownerID string, chain []model.Adjustment, damping float64) *model.MergedView {
	view := &model.MergedView{
		CaptureID:   snap.CaptureID,
		Metrics:     make(map[string]float64, len(snap.Metrics)),
		Confidences: make(map[string]float64, len(snap.Confidences)),
		Aggregate:   snap.Aggregate,
		NeedsReview: snap.NeedsReview,
		Degraded:    snap.Degraded,
	}
	for k, v := range snap.Metrics {
		view.Metrics[k] = v
	}
	for k, v := range snap.Confidences {
		view.Confidences[k] = v
	}

	for i := range chain {
		adj := &chain[i]
		switch {
		case adj.State == model.ApprovalRejected:
			// Stays in history, never in the fold.

		case adj.State == model.ApprovalApproved:
			for k, v := range adj.Changes {
				view.Metrics[k] = v
				view.Confidences[k] = approvedConfidence
			}
			view.Adjusted = true

		case adj.AuthorID == ownerID:
			// The owner's own pending correction shows immediately, at
			// damped confidence until a reviewer approves it.
			for k, v := range adj.Changes {
				view.Metrics[k] = v
				view.Confidences[k] = touchedConfidence(view, k) * damping
			}
			view.Adjusted = true
			view.NeedsReview = true

		default:
			// Pending from a tailor or admin: the proposed values stay
			// hidden until approval, but the touched metrics are contested.
			for k := range adj.Changes {
				view.Confidences[k] = touchedConfidence(view, k) * damping
			}
			view.NeedsReview = true
		}
	}
	return view
}

// touchedConfidence is the confidence a metric carries going into an
// adjustment, defaulting to full confidence for a metric the pipeline never
// produced. Repeated pending edits compound the damping.
func touchedConfidence(view *model.MergedView, key string) float64 {
	if c, ok := view.Confidences[key]; ok {
		return c
	}
	return 1.0
}
