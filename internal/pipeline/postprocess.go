package pipeline

import (
	"context"

	"github.com/fitlab/capture-cli/internal/model"
)

// postProcessStage folds the per-stage confidences into the capture-level
// merge: weighted aggregate, the review flag, and the degraded flag. It
// reads the accumulated results rather than re-deriving anything.
type postProcessStage struct {
	weights         map[string]float64
	reviewThreshold float64
}

func (s *postProcessStage) Name() model.StageName { return model.StagePostProcess }

func (s *postProcessStage) Run(_ context.Context, sc *StageContext) (*Outcome, error) {
	m := Aggregate(sc.Results, s.weights, s.reviewThreshold)

	needsReview := m.NeedsReview
	if sc.Widths != nil && !sc.Widths.PixelScaled {
		// Unscaled measurements always get a human look.
		needsReview = true
	}

	payload := &model.PostProcessPayload{
		Aggregate:   m.Aggregate,
		NeedsReview: needsReview,
		Degraded:    m.Degraded,
	}
	sc.PostProcess = payload

	return &Outcome{
		Payload:    &model.StagePayload{Stage: model.StagePostProcess, PostProcess: payload},
		Confidence: m.Aggregate,
	}, nil
}
