package pipeline

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// preCheckStage validates the uploaded views before any model call: the
// front view must exist, every image must decode, and the smallest dimension
// must clear the configured floor. Failures here are fatal with a
// user-facing category; there is nothing to retry.
type preCheckStage struct {
	minResolution int
}

func (s *preCheckStage) Name() model.StageName { return model.StagePreCheck }

func (s *preCheckStage) Run(_ context.Context, sc *StageContext) (*Outcome, error) {
	front, ok := sc.Images[model.ViewFront]
	if !ok || len(front) == 0 {
		return nil, resilience.NewFatalError(
			eris.New("front view missing from upload"), model.FailReasonCorruptImage)
	}

	payload := &model.PreCheckPayload{LightingOK: true}
	for _, view := range sc.Capture.Views {
		data, ok := sc.Images[view]
		if !ok {
			return nil, resilience.NewFatalError(
				eris.Errorf("declared view %s has no image data", view), model.FailReasonCorruptImage)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, resilience.NewFatalError(
				eris.Wrapf(err, "view %s does not decode", view), model.FailReasonCorruptImage)
		}
		if cfg.Width < s.minResolution || cfg.Height < s.minResolution {
			return nil, resilience.NewFatalError(
				eris.Errorf("view %s is %dx%d, below the %dpx floor", view, cfg.Width, cfg.Height, s.minResolution),
				model.FailReasonCorruptImage)
		}
		payload.Views = append(payload.Views, view)
		if view == model.ViewFront {
			payload.Width = cfg.Width
			payload.Height = cfg.Height
		}
	}

	sc.PreCheck = payload
	return &Outcome{
		Payload:    &model.StagePayload{Stage: model.StagePreCheck, PreCheck: payload},
		Confidence: 1.0,
	}, nil
}
