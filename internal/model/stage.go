package model

import (
	"fmt"
	"time"
)

// StageName identifies one processing stage in the extraction pipeline.
type StageName string

const (
	StagePreCheck         StageName = "pre_check"
	StageCardDetection    StageName = "card_detection"
	StageColorCalibration StageName = "color_calibration"
	StagePoseRefinement   StageName = "pose_refinement"
	StageSegmentation     StageName = "segmentation"
	StageSkinMetrics      StageName = "skin_metrics"
	StageWidthExtraction  StageName = "width_extraction"
	StageCircumference    StageName = "circumference_regression"
	StagePostProcess      StageName = "post_process"
)

// StageOrder returns the fixed execution order of the pipeline.
func StageOrder() []StageName {
	return []StageName{
		StagePreCheck,
		StageCardDetection,
		StageColorCalibration,
		StagePoseRefinement,
		StageSegmentation,
		StageSkinMetrics,
		StageWidthExtraction,
		StageCircumference,
		StagePostProcess,
	}
}

// StageResult records one stage's outcome for a capture. Rows are appended
// by the orchestrator and never mutated once Terminal is set.
type StageResult struct {
	ID         string        `json:"id"`
	CaptureID  string        `json:"capture_id"`
	Stage      StageName     `json:"stage"`
	Payload    *StagePayload `json:"payload,omitempty"`
	Confidence float64       `json:"confidence"`
	RetryCount int           `json:"retry_count"`
	Skipped    bool          `json:"skipped"`
	SoftFailed bool          `json:"soft_failed"`
	Failed     bool          `json:"failed"`
	Terminal   bool          `json:"terminal"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StagePayload is the tagged per-stage output variant. Exactly one of the
// variant pointers matching Stage must be set; the rest stay nil.
type StagePayload struct {
	Stage StageName `json:"stage"`

	PreCheck      *PreCheckPayload      `json:"pre_check,omitempty"`
	Card          *CardPayload          `json:"card,omitempty"`
	Calibration   *CalibrationPayload   `json:"calibration,omitempty"`
	Pose          *PosePayload          `json:"pose,omitempty"`
	Segmentation  *SegmentationPayload  `json:"segmentation,omitempty"`
	Skin          *SkinPayload          `json:"skin,omitempty"`
	Widths        *WidthsPayload        `json:"widths,omitempty"`
	Circumference *CircumferencePayload `json:"circumference,omitempty"`
	PostProcess   *PostProcessPayload   `json:"post_process,omitempty"`
}

// Validate checks the tag matches the populated variant.
func (p *StagePayload) Validate() error {
	set := map[StageName]bool{
		StagePreCheck:         p.PreCheck != nil,
		StageCardDetection:    p.Card != nil,
		StageColorCalibration: p.Calibration != nil,
		StagePoseRefinement:   p.Pose != nil,
		StageSegmentation:     p.Segmentation != nil,
		StageSkinMetrics:      p.Skin != nil,
		StageWidthExtraction:  p.Widths != nil,
		StageCircumference:    p.Circumference != nil,
		StagePostProcess:      p.PostProcess != nil,
	}
	for stage, populated := range set {
		if populated && stage != p.Stage {
			return fmt.Errorf("payload tagged %s but carries %s variant", p.Stage, stage)
		}
	}
	if !set[p.Stage] {
		return fmt.Errorf("payload tagged %s but variant is nil", p.Stage)
	}
	return nil
}

// PreCheckPayload holds upload validation results.
type PreCheckPayload struct {
	Views      []string `json:"views"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	LightingOK bool     `json:"lighting_ok"`
}

// CardPayload holds the reference-card detection result: the homography that
// rectifies the card plane and the pixel-to-metric scale derived from the
// card's known physical size.
type CardPayload struct {
	Detected     bool         `json:"detected"`
	ScalePxPerCm float64      `json:"scale_px_per_cm,omitempty"`
	Homography   [9]float64   `json:"homography,omitempty"`
	PatchLab     [][3]float64 `json:"patch_lab,omitempty"` // measured Lab of the card's color patches
}

// CalibrationPayload holds color-calibration quality metrics.
type CalibrationPayload struct {
	MeanDeltaE float64 `json:"mean_delta_e"`
	MaxDeltaE  float64 `json:"max_delta_e"`
}

// Keypoint is a single pose landmark in normalized image coordinates.
type Keypoint struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// PosePayload holds refined pose landmarks.
type PosePayload struct {
	Keypoints    []Keypoint `json:"keypoints"`
	ModelVersion string     `json:"model_version"`
}

// SegmentationPayload holds the skin segmentation output. The mask itself
// lives in the artifact store; PatchLab carries the mean Lab color of each
// sampled skin region.
type SegmentationPayload struct {
	MaskRef      string       `json:"mask_ref"`
	Coverage     float64      `json:"coverage"`
	PatchLab     [][3]float64 `json:"patch_lab"`
	ModelVersion string       `json:"model_version"`
}

// SkinPayload holds derived skin-tone metrics.
type SkinPayload struct {
	ITA                 float64    `json:"ita"`
	Lab                 [3]float64 `json:"lab"`
	Category            string     `json:"category"`
	MonkBucket          int        `json:"monk_bucket"`
	Undertone           string     `json:"undertone"`
	UndertoneConfidence float64    `json:"undertone_confidence"`
}

// WidthsPayload holds linear body measurements extracted from pose landmarks.
// When no pixel-to-metric scale was available the values are approximate and
// PixelScaled is false.
type WidthsPayload struct {
	Metrics     map[string]float64 `json:"metrics"`
	PixelScaled bool               `json:"pixel_scaled"`
}

// CircumferencePayload holds regressed circumference estimates.
type CircumferencePayload struct {
	Metrics      map[string]float64 `json:"metrics"`
	ModelVersion string             `json:"model_version"`
}

// PostProcessPayload holds the merged confidence outcome.
type PostProcessPayload struct {
	Aggregate   float64 `json:"aggregate"`
	NeedsReview bool    `json:"needs_review"`
	Degraded    bool    `json:"degraded"`
}
