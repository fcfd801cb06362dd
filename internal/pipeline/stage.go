// Package pipeline orchestrates the measurement extraction run: a fixed
// sequence of stages, each persisted on completion, with per-stage retry for
// transient faults and resume over previously persisted results.
package pipeline

import (
	"context"
	"errors"

	"github.com/fitlab/capture-cli/internal/model"
)

// ErrSkip signals that a stage's prerequisites are absent (missing optional
// view, upstream soft failure). The orchestrator records a terminal skipped
// result and continues; skipped stages leave the confidence denominator.
var ErrSkip = errors.New("stage skipped")

// Outcome is a stage's terminal product. SoftFailed marks degraded output
// the run continues past (e.g. card not found: measurements proceed
// unscaled, flagged for review).
type Outcome struct {
	Payload    *model.StagePayload
	Confidence float64
	SoftFailed bool
	Note       string
}

// Stage is one step of the extraction pipeline. Run must be a pure function
// of its inputs plus the injected capability handles so that a replay with
// the same StageContext reproduces the same outcome.
type Stage interface {
	Name() model.StageName
	Run(ctx context.Context, sc *StageContext) (*Outcome, error)
}

// StageContext accumulates per-run state as stages complete. The
// orchestrator hydrates it from persisted results when a run resumes, so a
// stage can rely on upstream fields being set whenever the upstream stage
// succeeded, whether in this process or a previous one.
type StageContext struct {
	Capture      *model.Capture
	AttemptToken string

	// Images holds the uploaded view bytes keyed by view name.
	Images map[string][]byte

	// Results accumulates the terminal stage results of this run in order,
	// both freshly produced and rehydrated from a previous attempt.
	Results []model.StageResult

	PreCheck      *model.PreCheckPayload
	Card          *model.CardPayload
	Calibration   *model.CalibrationPayload
	Pose          *model.PosePayload
	Segmentation  *model.SegmentationPayload
	Skin          *model.SkinPayload
	Widths        *model.WidthsPayload
	Circumference *model.CircumferencePayload
	PostProcess   *model.PostProcessPayload
}

// hydrate folds a persisted stage result back into the context so a resumed
// run sees the same upstream state the original run produced.
func (sc *StageContext) hydrate(r *model.StageResult) {
	if r.Payload == nil {
		return
	}
	p := r.Payload
	switch r.Stage {
	case model.StagePreCheck:
		sc.PreCheck = p.PreCheck
	case model.StageCardDetection:
		sc.Card = p.Card
	case model.StageColorCalibration:
		sc.Calibration = p.Calibration
	case model.StagePoseRefinement:
		sc.Pose = p.Pose
	case model.StageSegmentation:
		sc.Segmentation = p.Segmentation
	case model.StageSkinMetrics:
		sc.Skin = p.Skin
	case model.StageWidthExtraction:
		sc.Widths = p.Widths
	case model.StageCircumference:
		sc.Circumference = p.Circumference
	case model.StagePostProcess:
		sc.PostProcess = p.PostProcess
	}
}
