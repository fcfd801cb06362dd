package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/artifact"
	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/model"
)

// segmentStage runs skin segmentation over the portrait view and persists
// the mask to the artifact store. Skipped when the capture has no portrait.
// The artifact key includes the attempt token, so a replayed delivery lands
// on the same key and the store's idempotent Put suppresses the duplicate.
type segmentStage struct {
	client    inference.Client
	artifacts artifact.Store
}

func (s *segmentStage) Name() model.StageName { return model.StageSegmentation }

func (s *segmentStage) Run(ctx context.Context, sc *StageContext) (*Outcome, error) {
	portrait, ok := sc.Images[model.ViewPortrait]
	if !ok || len(portrait) == 0 {
		return nil, eris.Wrap(ErrSkip, "no portrait view")
	}

	res, err := s.client.PredictSegmentation(ctx, portrait)
	if err != nil {
		return nil, err
	}

	key := artifact.Key(sc.Capture.ID, model.StageSegmentation, sc.AttemptToken, "skin_mask.png")
	ref, err := s.artifacts.Put(ctx, key, res.Mask, "image/png")
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: store skin mask")
	}

	payload := &model.SegmentationPayload{
		MaskRef:      string(ref),
		Coverage:     res.Coverage,
		PatchLab:     res.PatchLab,
		ModelVersion: res.ModelVersion,
	}
	sc.Segmentation = payload

	out := &Outcome{
		Payload:    &model.StagePayload{Stage: model.StageSegmentation, Segmentation: payload},
		Confidence: res.Confidence,
	}
	if len(res.PatchLab) == 0 {
		out.SoftFailed = true
		out.Note = "no skin regions sampled"
	}
	return out, nil
}
