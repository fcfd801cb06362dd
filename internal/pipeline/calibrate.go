package pipeline

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/model"
)

// referencePatchLab holds the published Lab values of the card's color
// patches, in the order the detector reports them: white, mid grey, black.
var referencePatchLab = [][3]float64{
	{95.0, 0.0, 1.5},
	{50.0, 0.0, 0.0},
	{20.0, 0.0, 0.0},
}

// Delta-E thresholds: above softFail the whole capture is flagged for
// review; confidence decays linearly toward zero at confFloor.
const (
	calibrationSoftFailDeltaE = 15.0
	calibrationConfFloor      = 25.0
)

// calibrateStage scores color accuracy by comparing the card's measured
// patch colors against their published values. Skipped when no card was
// found: there is nothing to calibrate against.
type calibrateStage struct{}

func (s *calibrateStage) Name() model.StageName { return model.StageColorCalibration }

func (s *calibrateStage) Run(_ context.Context, sc *StageContext) (*Outcome, error) {
	if sc.Card == nil || !sc.Card.Detected || len(sc.Card.PatchLab) == 0 {
		return nil, eris.Wrap(ErrSkip, "no reference card patches")
	}

	n := len(sc.Card.PatchLab)
	if n > len(referencePatchLab) {
		n = len(referencePatchLab)
	}

	var sum, maxDE float64
	for i := 0; i < n; i++ {
		de := deltaE76(sc.Card.PatchLab[i], referencePatchLab[i])
		sum += de
		if de > maxDE {
			maxDE = de
		}
	}
	mean := sum / float64(n)

	payload := &model.CalibrationPayload{MeanDeltaE: mean, MaxDeltaE: maxDE}
	sc.Calibration = payload

	conf := 1.0 - mean/calibrationConfFloor
	if conf < 0 {
		conf = 0
	}

	out := &Outcome{
		Payload:    &model.StagePayload{Stage: model.StageColorCalibration, Calibration: payload},
		Confidence: conf,
	}
	if mean > calibrationSoftFailDeltaE {
		out.SoftFailed = true
		out.Note = "color error exceeds calibration tolerance"
	}
	return out, nil
}

// deltaE76 is the CIE76 color difference: Euclidean distance in Lab space.
func deltaE76(a, b [3]float64) float64 {
	dl := a[0] - b[0]
	da := a[1] - b[1]
	db := a[2] - b[2]
	return math.Sqrt(dl*dl + da*da + db*db)
}
