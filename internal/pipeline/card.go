package pipeline

import (
	"context"

	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/model"
)

// cardStage locates the reference card in the front view. A missing card is
// a soft failure, not a fatal one: downstream widths fall back to a
// height-prior scale and the result is flagged for review.
type cardStage struct {
	client inference.Client
}

func (s *cardStage) Name() model.StageName { return model.StageCardDetection }

func (s *cardStage) Run(ctx context.Context, sc *StageContext) (*Outcome, error) {
	res, err := s.client.DetectCard(ctx, sc.Images[model.ViewFront])
	if err != nil {
		return nil, err
	}

	payload := &model.CardPayload{
		Detected:     res.Detected,
		ScalePxPerCm: res.ScalePxPerCm,
		Homography:   res.Homography,
		PatchLab:     res.PatchLab,
	}
	sc.Card = payload

	out := &Outcome{
		Payload:    &model.StagePayload{Stage: model.StageCardDetection, Card: payload},
		Confidence: res.Confidence,
	}
	if !res.Detected {
		out.SoftFailed = true
		out.Note = "reference card not found"
	}
	return out, nil
}
