package main

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/artifact"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// createImageCapture validates the upload, creates the capture, stores the
// view images and enqueues the pipeline run. Storing images requires the
// store_images consent flag; an upload without it is rejected before any
// state changes.
func createImageCapture(ctx context.Context, env *captureEnv, userID string, source model.CaptureSource, consent model.Consent, views map[string][]byte) (*model.Capture, *model.RunJob, error) {
	if userID == "" {
		return nil, nil, resilience.NewValidationError("user_id", "required")
	}
	if len(views[model.ViewFront]) == 0 {
		return nil, nil, resilience.NewValidationError("views", "front view is required")
	}
	if !consent.StoreImages {
		return nil, nil, resilience.NewValidationError("consent", model.FailReasonConsentMismatch)
	}
	for name := range views {
		switch name {
		case model.ViewFront, model.ViewSide, model.ViewPortrait, model.ViewReference:
		default:
			return nil, nil, resilience.NewValidationError("views", "unknown view "+name)
		}
	}

	capture := &model.Capture{
		UserID:  userID,
		Source:  source,
		Consent: consent,
	}
	for name := range views {
		capture.Views = append(capture.Views, name)
	}
	if err := env.Store.CreateCapture(ctx, capture); err != nil {
		return nil, nil, err
	}
	for name, data := range views {
		if _, err := env.Artifacts.Put(ctx, artifact.UploadKey(capture.ID, name), data, "image/jpeg"); err != nil {
			return nil, nil, err
		}
	}

	job, err := env.Broker.Enqueue(ctx, capture.ID)
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("capture accepted",
		zap.String("capture_id", capture.ID),
		zap.String("user_id", userID),
		zap.Int("views", len(views)),
	)
	return capture, job, nil
}

// metricsUpload is a client-processed result submitted without images.
type metricsUpload struct {
	UserID      string              `json:"user_id"`
	Source      model.CaptureSource `json:"source"`
	Consent     model.Consent       `json:"consent"`
	Metrics     map[string]float64  `json:"metrics"`
	Confidences map[string]float64  `json:"confidences,omitempty"`
	Aggregate   float64             `json:"aggregate,omitempty"`
}

// createMetricsCapture records a metrics-only upload: the capture is born
// done with its snapshot written directly, and no pipeline run happens. The
// snapshot is still offered for export under the usual consent and
// confidence rules.
func createMetricsCapture(ctx context.Context, env *captureEnv, up *metricsUpload) (*model.Capture, *model.MetricSnapshot, error) {
	if up.UserID == "" {
		return nil, nil, resilience.NewValidationError("user_id", "required")
	}
	if len(up.Metrics) == 0 {
		return nil, nil, resilience.NewValidationError("metrics", "at least one metric required")
	}
	for key, value := range up.Metrics {
		if !model.IsKnownMetric(key) {
			return nil, nil, resilience.NewValidationError("metrics", "unknown metric "+key)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
			return nil, nil, resilience.NewValidationError("metrics", "implausible value for "+key)
		}
	}

	confidences := make(map[string]float64, len(up.Metrics))
	for key := range up.Metrics {
		if c, ok := up.Confidences[key]; ok {
			confidences[key] = c
		} else {
			confidences[key] = 1.0
		}
	}
	aggregate := up.Aggregate
	if aggregate == 0 {
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		aggregate = sum / float64(len(confidences))
	}

	capture := &model.Capture{
		UserID:  up.UserID,
		Source:  up.Source,
		Consent: up.Consent,
	}
	if err := env.Store.CreateCapture(ctx, capture); err != nil {
		return nil, nil, err
	}
	snap := &model.MetricSnapshot{
		CaptureID:     capture.ID,
		Metrics:       up.Metrics,
		Confidences:   confidences,
		Aggregate:     aggregate,
		ModelVersions: map[string]string{"source": "client"},
	}
	if err := env.Store.CreateSnapshot(ctx, snap); err != nil {
		return nil, nil, err
	}
	if err := env.Store.SetCaptureStatus(ctx, capture.ID, model.CaptureStatusDone, ""); err != nil {
		return nil, nil, err
	}

	stored, err := env.Store.GetSnapshot(ctx, capture.ID)
	if err != nil {
		return nil, nil, err
	}
	capture.Status = model.CaptureStatusDone

	if err := env.Exports.OfferOriginal(ctx, capture, stored); err != nil {
		zap.L().Error("offering metrics-only capture for export", zap.Error(err))
	}

	zap.L().Info("metrics-only capture recorded",
		zap.String("capture_id", capture.ID),
		zap.String("user_id", up.UserID),
		zap.Int("metrics", len(up.Metrics)),
	)
	return capture, stored, nil
}
