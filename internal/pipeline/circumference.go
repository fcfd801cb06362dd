package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/model"
)

// circumferenceStage feeds the linear widths to the regression service and
// records the circumference estimates it returns. Skipped when width
// extraction produced nothing to regress from.
type circumferenceStage struct {
	client inference.Client
}

func (s *circumferenceStage) Name() model.StageName { return model.StageCircumference }

func (s *circumferenceStage) Run(ctx context.Context, sc *StageContext) (*Outcome, error) {
	if sc.Widths == nil || len(sc.Widths.Metrics) == 0 {
		return nil, eris.Wrap(ErrSkip, "no width features")
	}

	res, err := s.client.PredictCircumferences(ctx, sc.Widths.Metrics)
	if err != nil {
		return nil, err
	}

	payload := &model.CircumferencePayload{
		Metrics:      res.Circumferences,
		ModelVersion: res.ModelVersion,
	}
	sc.Circumference = payload

	conf := res.Confidence
	if !sc.Widths.PixelScaled {
		// Regression over prior-scaled widths inherits their uncertainty.
		conf *= unscaledDamping
	}

	return &Outcome{
		Payload:    &model.StagePayload{Stage: model.StageCircumference, Circumference: payload},
		Confidence: conf,
	}, nil
}
