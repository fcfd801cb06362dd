package pipeline

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/model"
)

// Proportionality constants for landmarks the pose model does not emit
// directly. Chest and waist lines are interpolated from the shoulder and
// hip lines; standing height extends nose-to-ankle by the cranium above
// the nose.
const (
	chestFromShoulder = 0.88
	waistHipBlend     = 0.6
	waistNarrowing    = 0.85
	headTopFactor     = 1.08

	// fallbackHeightCm anchors the pixel scale when no reference card was
	// detected. Results produced this way are marked unscaled.
	fallbackHeightCm = 170.0

	// unscaledDamping discounts confidence for measurements derived from the
	// height prior instead of the card scale.
	unscaledDamping = 0.7
)

// widthStage turns pose landmarks into linear measurements in centimeters,
// using the card's pixel scale when available and a height prior otherwise.
type widthStage struct{}

func (s *widthStage) Name() model.StageName { return model.StageWidthExtraction }

func (s *widthStage) Run(_ context.Context, sc *StageContext) (*Outcome, error) {
	if sc.Pose == nil || len(sc.Pose.Keypoints) == 0 {
		return nil, eris.Wrap(ErrSkip, "no pose landmarks")
	}
	if sc.PreCheck == nil || sc.PreCheck.Width == 0 || sc.PreCheck.Height == 0 {
		return nil, eris.Wrap(ErrSkip, "no image dimensions")
	}

	w := float64(sc.PreCheck.Width)
	h := float64(sc.PreCheck.Height)
	points := make(map[string][2]float64, len(sc.Pose.Keypoints))
	var scoreSum float64
	for _, kp := range sc.Pose.Keypoints {
		points[kp.Name] = [2]float64{kp.X * w, kp.Y * h}
		scoreSum += kp.Score
	}

	required := []string{"nose", "left_shoulder", "right_shoulder", "left_hip", "right_hip"}
	for _, name := range required {
		if _, ok := points[name]; !ok {
			return nil, eris.Wrapf(ErrSkip, "landmark %s missing", name)
		}
	}

	shoulderPx := dist(points["left_shoulder"], points["right_shoulder"])
	hipPx := dist(points["left_hip"], points["right_hip"])
	shoulderMid := midpoint(points["left_shoulder"], points["right_shoulder"])
	hipMid := midpoint(points["left_hip"], points["right_hip"])
	torsoPx := dist(shoulderMid, hipMid)

	ankleMid, haveAnkles := ankleMidpoint(points)
	var heightPx, inseamPx float64
	if haveAnkles {
		heightPx = (ankleMid[1] - points["nose"][1]) * headTopFactor
		inseamPx = dist(hipMid, ankleMid)
	}

	// Pixel scale: the card anchors it exactly; otherwise assume a typical
	// standing height and flag the output as unscaled.
	scale := 0.0
	pixelScaled := false
	if sc.Card != nil && sc.Card.Detected && sc.Card.ScalePxPerCm > 0 {
		scale = sc.Card.ScalePxPerCm
		pixelScaled = true
	} else if heightPx > 0 {
		scale = heightPx / fallbackHeightCm
	}
	if scale <= 0 {
		return nil, eris.Wrap(ErrSkip, "no usable pixel scale")
	}

	metrics := map[string]float64{
		model.MetricShoulderWidthCM: shoulderPx / scale,
		model.MetricHipWidthCM:      hipPx / scale,
		model.MetricChestWidthCM:    chestFromShoulder * shoulderPx / scale,
		model.MetricWaistWidthCM:    waistNarrowing * (waistHipBlend*hipPx + (1-waistHipBlend)*shoulderPx) / scale,
		model.MetricTorsoLengthCM:   torsoPx / scale,
	}
	if heightPx > 0 {
		metrics[model.MetricHeightCM] = heightPx / scale
		metrics[model.MetricInseamCM] = inseamPx / scale
	}
	if armPx, ok := armLengthPx(points); ok {
		metrics[model.MetricArmLengthCM] = armPx / scale
	}

	payload := &model.WidthsPayload{Metrics: metrics, PixelScaled: pixelScaled}
	sc.Widths = payload

	conf := scoreSum / float64(len(sc.Pose.Keypoints))
	if !pixelScaled {
		conf *= unscaledDamping
	}

	return &Outcome{
		Payload:    &model.StagePayload{Stage: model.StageWidthExtraction, Widths: payload},
		Confidence: conf,
	}, nil
}

func dist(a, b [2]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return math.Sqrt(dx*dx + dy*dy)
}

func midpoint(a, b [2]float64) [2]float64 {
	return [2]float64{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2}
}

func ankleMidpoint(points map[string][2]float64) ([2]float64, bool) {
	l, haveL := points["left_ankle"]
	r, haveR := points["right_ankle"]
	switch {
	case haveL && haveR:
		return midpoint(l, r), true
	case haveL:
		return l, true
	case haveR:
		return r, true
	default:
		return [2]float64{}, false
	}
}

// armLengthPx sums shoulder-elbow-wrist on whichever side is fully tracked.
func armLengthPx(points map[string][2]float64) (float64, bool) {
	for _, side := range []string{"left", "right"} {
		s, okS := points[side+"_shoulder"]
		e, okE := points[side+"_elbow"]
		wr, okW := points[side+"_wrist"]
		if okS && okE && okW {
			return dist(s, e) + dist(e, wr), true
		}
	}
	return 0, false
}
