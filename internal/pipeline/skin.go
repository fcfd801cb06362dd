package pipeline

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/model"
)

// skinStage derives skin-tone metrics from the segmentation's sampled patch
// colors: mean Lab, the individual typology angle (ITA), its coarse
// category, the Monk scale bucket, and the undertone. Pure arithmetic over
// upstream output; skipped whenever segmentation gave us nothing to average.
type skinStage struct{}

func (s *skinStage) Name() model.StageName { return model.StageSkinMetrics }

func (s *skinStage) Run(_ context.Context, sc *StageContext) (*Outcome, error) {
	if sc.Segmentation == nil || len(sc.Segmentation.PatchLab) == 0 {
		return nil, eris.Wrap(ErrSkip, "no skin patches from segmentation")
	}

	lab := meanLab(sc.Segmentation.PatchLab)
	ita := itaDegrees(lab)
	undertone, undertoneConf := classifyUndertone(lab)

	payload := &model.SkinPayload{
		ITA:                 ita,
		Lab:                 lab,
		Category:            itaCategory(ita),
		MonkBucket:          monkBucket(lab[0]),
		Undertone:           undertone,
		UndertoneConfidence: undertoneConf,
	}
	sc.Skin = payload

	// Confidence tracks how tightly the sampled patches agree; widely
	// scattered samples mean occlusion or lighting artifacts.
	conf := 1.0 - labSpread(sc.Segmentation.PatchLab, lab)/20.0
	if conf < 0.2 {
		conf = 0.2
	}
	if conf > 1 {
		conf = 1
	}

	return &Outcome{
		Payload:    &model.StagePayload{Stage: model.StageSkinMetrics, Skin: payload},
		Confidence: conf,
	}, nil
}

func meanLab(patches [][3]float64) [3]float64 {
	var sum [3]float64
	for _, p := range patches {
		sum[0] += p[0]
		sum[1] += p[1]
		sum[2] += p[2]
	}
	n := float64(len(patches))
	return [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}
}

// labSpread is the mean CIE76 distance of the patches from their centroid.
func labSpread(patches [][3]float64, mean [3]float64) float64 {
	var sum float64
	for _, p := range patches {
		sum += deltaE76(p, mean)
	}
	return sum / float64(len(patches))
}

// itaDegrees computes the individual typology angle from mean Lab:
// atan((L-50)/b) in degrees. Higher is lighter.
func itaDegrees(lab [3]float64) float64 {
	if lab[2] == 0 {
		if lab[0] >= 50 {
			return 90
		}
		return -90
	}
	return math.Atan((lab[0]-50)/lab[2]) * 180 / math.Pi
}

// itaCategory maps ITA onto the standard dermatological bands.
func itaCategory(ita float64) string {
	switch {
	case ita > 55:
		return "very_light"
	case ita > 41:
		return "light"
	case ita > 28:
		return "intermediate"
	case ita > 10:
		return "tan"
	case ita > -30:
		return "brown"
	default:
		return "dark"
	}
}

// monkBucket maps L* onto the 10-step Monk Skin Tone scale.
func monkBucket(l float64) int {
	thresholds := []float64{85, 80, 75, 70, 65, 60, 50, 40, 30}
	for i, th := range thresholds {
		if l >= th {
			return i + 1
		}
	}
	return 10
}

// classifyUndertone labels the undertone from the a/b chroma axes and scores
// how far the sample sits from the neutral boundaries.
func classifyUndertone(lab [3]float64) (string, float64) {
	a, b := lab[1], lab[2]
	switch {
	case b > 5 && a > 5:
		return "warm", confFromMargin(math.Min(a-5, b-5))
	case b < -5:
		return "cool", confFromMargin(-5 - b)
	default:
		margin := math.Min(math.Abs(b-5), math.Abs(b+5))
		return "neutral", confFromMargin(margin)
	}
}

func confFromMargin(margin float64) float64 {
	conf := 0.5 + margin/10.0
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}
