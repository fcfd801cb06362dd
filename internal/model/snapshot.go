package model

import "time"

// Metric keys produced by the pipeline. Adjustments may only touch these.
const (
	MetricHeightCM        = "height_cm"
	MetricShoulderWidthCM = "shoulder_width_cm"
	MetricTorsoLengthCM   = "torso_length_cm"
	MetricInseamCM        = "inseam_cm"
	MetricArmLengthCM     = "arm_length_cm"
	MetricHipWidthCM      = "hip_width_cm"
	MetricChestWidthCM    = "chest_width_cm"
	MetricWaistWidthCM    = "waist_width_cm"

	MetricChestCircumferenceCM = "chest_circumference_cm"
	MetricWaistCircumferenceCM = "waist_circumference_cm"
	MetricHipCircumferenceCM   = "hip_circumference_cm"
)

// KnownMetricKeys lists every metric key the pipeline can emit.
func KnownMetricKeys() []string {
	return []string{
		MetricHeightCM,
		MetricShoulderWidthCM,
		MetricTorsoLengthCM,
		MetricInseamCM,
		MetricArmLengthCM,
		MetricHipWidthCM,
		MetricChestWidthCM,
		MetricWaistWidthCM,
		MetricChestCircumferenceCM,
		MetricWaistCircumferenceCM,
		MetricHipCircumferenceCM,
	}
}

// IsKnownMetric reports whether key is a metric the pipeline emits.
func IsKnownMetric(key string) bool {
	for _, k := range KnownMetricKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// MetricSnapshot is the immutable first result the pipeline emits for a
// capture. Exactly one exists per completed capture; it is created once and
// never updated.
type MetricSnapshot struct {
	ID            string             `json:"id"`
	CaptureID     string             `json:"capture_id"`
	Metrics       map[string]float64 `json:"metrics"`
	Confidences   map[string]float64 `json:"confidences"`
	Aggregate     float64            `json:"aggregate"`
	NeedsReview   bool               `json:"needs_review"`
	Degraded      bool               `json:"degraded"`
	Skin          *SkinPayload       `json:"skin,omitempty"`
	ModelVersions map[string]string  `json:"model_versions"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Clone returns a deep copy so callers can never mutate the stored original.
func (s *MetricSnapshot) Clone() *MetricSnapshot {
	cp := *s
	cp.Metrics = copyFloatMap(s.Metrics)
	cp.Confidences = copyFloatMap(s.Confidences)
	cp.ModelVersions = make(map[string]string, len(s.ModelVersions))
	for k, v := range s.ModelVersions {
		cp.ModelVersions[k] = v
	}
	if s.Skin != nil {
		skin := *s.Skin
		cp.Skin = &skin
	}
	return &cp
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
