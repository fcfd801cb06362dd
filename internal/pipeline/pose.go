package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// minPoseKeypoints is the smallest landmark set width extraction can work
// with (shoulders, hips, at least one ankle and the head).
const minPoseKeypoints = 6

// poseStage refines body landmarks on the front view. Pose is load-bearing:
// without landmarks no linear measurement exists, so an unusable result is
// fatal rather than soft.
type poseStage struct {
	client inference.Client
}

func (s *poseStage) Name() model.StageName { return model.StagePoseRefinement }

func (s *poseStage) Run(ctx context.Context, sc *StageContext) (*Outcome, error) {
	res, err := s.client.PredictPose(ctx, sc.Images[model.ViewFront])
	if err != nil {
		return nil, err
	}

	if len(res.Keypoints) < minPoseKeypoints {
		return nil, resilience.NewFatalError(
			eris.Errorf("pose returned %d keypoints, need %d", len(res.Keypoints), minPoseKeypoints),
			model.FailReasonStageExhausted)
	}

	payload := &model.PosePayload{
		Keypoints:    res.Keypoints,
		ModelVersion: res.ModelVersion,
	}
	sc.Pose = payload

	return &Outcome{
		Payload:    &model.StagePayload{Stage: model.StagePoseRefinement, Pose: payload},
		Confidence: res.Confidence,
	}, nil
}
