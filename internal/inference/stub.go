package inference

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/fitlab/capture-cli/internal/model"
)

// Stub is a deterministic in-process Client used by tests and offline runs.
// Outputs are pure functions of the input bytes, so replaying a stage with
// the same input reproduces the same result.
type Stub struct {
	PoseVersion      string
	SegVersion       string
	RegressorVersion string

	// CardDetected forces the card-detection outcome; defaults to true.
	CardMissing bool
}

// NewStub creates a stub client with placeholder model versions.
func NewStub() *Stub {
	return &Stub{
		PoseVersion:      "pose-stub-v1",
		SegVersion:       "seg-stub-v1",
		RegressorVersion: "regressor-stub-v1",
	}
}

func seed(data []byte) float64 {
	h := fnv.New32a()
	h.Write(data)
	return float64(h.Sum32()%1000) / 1000.0
}

func (s *Stub) DetectCard(_ context.Context, image []byte) (*CardResult, error) {
	if s.CardMissing {
		return &CardResult{Detected: false, Confidence: 0.2}, nil
	}
	v := seed(image)
	return &CardResult{
		Detected:     true,
		ScalePxPerCm: 10 + 2*v,
		Homography:   [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		PatchLab: [][3]float64{
			{95 - v, 0.5, 1.2},
			{50, 2.1, 3.4},
			{20 + v, 1.0, 0.8},
		},
		Confidence: 0.85 + 0.1*v,
	}, nil
}

func (s *Stub) PredictPose(_ context.Context, image []byte) (*PoseResult, error) {
	v := seed(image)
	score := 0.8 + 0.15*v
	mk := func(name string, x, y float64) model.Keypoint {
		return model.Keypoint{Name: name, X: x, Y: y, Score: score}
	}
	return &PoseResult{
		Keypoints: []model.Keypoint{
			mk("nose", 0.50, 0.08),
			mk("left_shoulder", 0.38, 0.22),
			mk("right_shoulder", 0.62, 0.22),
			mk("left_elbow", 0.33, 0.36),
			mk("left_wrist", 0.31, 0.50),
			mk("left_hip", 0.42, 0.52),
			mk("right_hip", 0.58, 0.52),
			mk("left_ankle", 0.44, 0.95),
			mk("right_ankle", 0.56, 0.95),
		},
		Confidence:   score,
		ModelVersion: s.PoseVersion,
	}, nil
}

func (s *Stub) PredictSegmentation(_ context.Context, image []byte) (*SegmentationResult, error) {
	v := seed(image)
	return &SegmentationResult{
		Mask:     []byte("mask:" + string(rune('a'+int(v*25)))),
		Coverage: 0.25 + 0.1*v,
		PatchLab: [][3]float64{
			{62 + 5*v, 10.5, 14.2},
			{60 + 5*v, 11.0, 13.1},
		},
		Confidence:   0.75 + 0.2*v,
		ModelVersion: s.SegVersion,
	}, nil
}

func (s *Stub) PredictCircumferences(_ context.Context, features map[string]float64) (*CircumferenceResult, error) {
	out := make(map[string]float64)
	// Ellipse approximation over width features, depth assumed 0.7×width.
	ellipse := func(width float64) float64 {
		a := width / 2
		b := width * 0.7 / 2
		return math.Pi * (a + b)
	}
	if w, ok := features[model.MetricChestWidthCM]; ok {
		out[model.MetricChestCircumferenceCM] = ellipse(w)
	}
	if w, ok := features[model.MetricWaistWidthCM]; ok {
		out[model.MetricWaistCircumferenceCM] = ellipse(w)
	}
	if w, ok := features[model.MetricHipWidthCM]; ok {
		out[model.MetricHipCircumferenceCM] = ellipse(w)
	}
	return &CircumferenceResult{
		Circumferences: out,
		Confidence:     0.8,
		ModelVersion:   s.RegressorVersion,
	}, nil
}
