package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/artifact"
	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/store"
)

// Orchestrator drives one capture through the stage sequence. Every stage
// outcome is persisted before the next stage starts, so a crashed or
// redelivered run resumes from the last terminal result instead of
// recomputing, and side effects are never repeated.
type Orchestrator struct {
	store     store.Store
	artifacts artifact.Store
	stages    []Stage
	retryCfg  resilience.RetryConfig
	versions  map[string]string

	// lease bounds how stale a running capture's updated_at may be before a
	// redelivered job treats the previous worker as dead and resumes. Matches
	// the broker's visibility window.
	lease time.Duration
}

// New wires the orchestrator from configuration. The stage list is fixed;
// only weights and thresholds vary per deployment.
func New(st store.Store, artifacts artifact.Store, client inference.Client, cfg *config.Config) (*Orchestrator, error) {
	defaults := cfg.Pipeline.Weights
	if len(defaults) == 0 {
		defaults = config.DefaultStageWeights()
	}
	weights, err := LoadWeights(cfg.Pipeline.WeightsFile, defaults)
	if err != nil {
		return nil, err
	}

	retryCfg := resilience.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoffMS > 0 {
		retryCfg.InitialBackoff = time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond
	}
	if cfg.Retry.MaxBackoffMS > 0 {
		retryCfg.MaxBackoff = time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond
	}

	lease := cfg.Broker.Visibility()
	if lease <= 0 {
		lease = 2 * time.Minute
	}

	return &Orchestrator{
		store:     st,
		artifacts: artifacts,
		stages: []Stage{
			&preCheckStage{minResolution: cfg.Pipeline.MinResolution},
			&cardStage{client: client},
			&calibrateStage{},
			&poseStage{client: client},
			&segmentStage{client: client, artifacts: artifacts},
			&skinStage{},
			&widthStage{},
			&circumferenceStage{client: client},
			&postProcessStage{weights: weights, reviewThreshold: cfg.Pipeline.ReviewThreshold},
		},
		retryCfg: retryCfg,
		lease:    lease,
		versions: map[string]string{
			"pose":         cfg.Inference.PoseVersion,
			"segmentation": cfg.Inference.SegmentationVersion,
			"regressor":    cfg.Inference.RegressorVersion,
		},
	}, nil
}

// Run executes (or resumes) the pipeline for one delivered job. It returns
// the capture's original snapshot; on a redelivery after completion that is
// the previously stored one, untouched.
func (o *Orchestrator) Run(ctx context.Context, job *model.RunJob) (*model.MetricSnapshot, error) {
	log := zap.L().With(
		zap.String("capture_id", job.CaptureID),
		zap.String("attempt_token", job.AttemptToken),
		zap.Int("deliveries", job.Deliveries),
	)

	capture, err := o.store.GetCapture(ctx, job.CaptureID)
	if err != nil {
		return nil, err
	}

	switch capture.Status {
	case model.CaptureStatusDone, model.CaptureStatusEdited:
		// Redelivery after the run completed: hand back the stored original.
		log.Info("capture already complete, redelivery is a no-op")
		return o.store.GetSnapshot(ctx, capture.ID)
	case model.CaptureStatusRunning:
		// Resume only once the previous worker's lease has lapsed; a fresh
		// lease means it is alive and mid-run, and running here would execute
		// the capture twice.
		if age := time.Since(capture.UpdatedAt); age < o.lease {
			log.Info("run lease still fresh, leaving job for redelivery", zap.Duration("age", age))
			return nil, eris.Wrapf(resilience.ErrLeaseHeld, "capture %s", capture.ID)
		}
		if err := o.store.TouchCapture(ctx, capture.ID); err != nil {
			return nil, err
		}
		log.Info("lease expired, resuming interrupted run")
	default:
		if err := o.store.ClaimCapture(ctx, capture.ID); err != nil {
			return nil, err
		}
	}

	sc := &StageContext{
		Capture:      capture,
		AttemptToken: job.AttemptToken,
		Images:       make(map[string][]byte, len(capture.Views)),
	}
	for _, view := range capture.Views {
		data, err := o.artifacts.Get(ctx, artifact.Ref(artifact.UploadKey(capture.ID, view)))
		if err != nil {
			return nil, o.failCapture(ctx, capture.ID, model.FailReasonCorruptImage,
				eris.Wrapf(err, "pipeline: load uploaded view %s", view))
		}
		sc.Images[view] = data
	}

	existing, err := o.store.ListStageResults(ctx, capture.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[model.StageName]*model.StageResult, len(existing))
	for i := range existing {
		if existing[i].Terminal {
			done[existing[i].Stage] = &existing[i]
		}
	}

	for _, stage := range o.stages {
		if prev, ok := done[stage.Name()]; ok {
			sc.hydrate(prev)
			sc.Results = append(sc.Results, *prev)
			continue
		}

		result, err := o.runStage(ctx, stage, sc, log)
		if err != nil {
			return nil, o.abort(ctx, capture.ID, stage.Name(), err, log)
		}
		if err := o.store.SaveStageResult(ctx, result); err != nil {
			return nil, err
		}
		// Renew the run lease so slow stages do not look like a dead worker.
		if err := o.store.TouchCapture(ctx, capture.ID); err != nil {
			return nil, err
		}
		sc.Results = append(sc.Results, *result)
	}

	snap := o.buildSnapshot(sc)
	if err := o.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := o.store.SetCaptureStatus(ctx, capture.ID, model.CaptureStatusDone, ""); err != nil {
		return nil, err
	}
	log.Info("capture complete",
		zap.Float64("aggregate", snap.Aggregate),
		zap.Bool("needs_review", snap.NeedsReview),
		zap.Bool("degraded", snap.Degraded),
	)

	// The stored row is authoritative; a lost race against a concurrent
	// replay still returns the one original.
	return o.store.GetSnapshot(ctx, capture.ID)
}

// runStage executes one stage with transient retry and translates the
// outcome into a terminal StageResult. Skip is terminal success with the
// Skipped mark; every other error propagates for abort handling.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, sc *StageContext, log *zap.Logger) (*model.StageResult, error) {
	name := stage.Name()
	retries := 0

	cfg := o.retryCfg
	cfg.OnRetry = func(attempt int, err error) {
		retries = attempt
		resilience.RetryLogger(sc.Capture.ID, string(name))(attempt, err)
	}

	outcome, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Outcome, error) {
		return stage.Run(ctx, sc)
	})

	switch {
	case err == nil:
		if outcome.SoftFailed {
			log.Warn("stage soft-failed", zap.String("stage", string(name)), zap.String("note", outcome.Note))
		} else {
			log.Debug("stage complete", zap.String("stage", string(name)), zap.Float64("confidence", outcome.Confidence))
		}
		return &model.StageResult{
			CaptureID:  sc.Capture.ID,
			Stage:      name,
			Payload:    outcome.Payload,
			Confidence: outcome.Confidence,
			RetryCount: retries,
			SoftFailed: outcome.SoftFailed,
			Terminal:   true,
			Error:      outcome.Note,
		}, nil

	case errors.Is(err, ErrSkip):
		log.Info("stage skipped", zap.String("stage", string(name)), zap.String("reason", err.Error()))
		return &model.StageResult{
			CaptureID:  sc.Capture.ID,
			Stage:      name,
			RetryCount: retries,
			Skipped:    true,
			Terminal:   true,
			Error:      err.Error(),
		}, nil

	default:
		// Persist the failed attempt for the audit trail before aborting.
		failed := &model.StageResult{
			CaptureID:  sc.Capture.ID,
			Stage:      name,
			RetryCount: retries,
			Failed:     true,
			Terminal:   false,
			Error:      err.Error(),
		}
		if saveErr := o.store.SaveStageResult(ctx, failed); saveErr != nil {
			log.Error("recording failed stage", zap.String("stage", string(name)), zap.Error(saveErr))
		}
		return nil, err
	}
}

// abort marks the capture failed with the user-facing category and returns
// the original error. Cancellation gets its own category; the store write
// uses a detached context so it still lands after ctx is dead.
func (o *Orchestrator) abort(ctx context.Context, captureID string, stage model.StageName, err error, log *zap.Logger) error {
	category := resilience.FatalCategory(err)
	switch {
	case ctx.Err() != nil:
		category = model.FailReasonCancelled
	case category == "":
		category = model.FailReasonStageExhausted
	}

	log.Error("capture failed",
		zap.String("stage", string(stage)),
		zap.String("category", category),
		zap.Error(err),
	)
	return o.failCapture(ctx, captureID, category, err)
}

func (o *Orchestrator) failCapture(ctx context.Context, captureID, category string, err error) error {
	storeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if setErr := o.store.SetCaptureStatus(storeCtx, captureID, model.CaptureStatusFailed, category); setErr != nil {
		return eris.Wrap(setErr, "pipeline: mark capture failed")
	}
	return err
}

// buildSnapshot assembles the immutable original from the accumulated stage
// state. Per-metric confidence is the producing stage's confidence.
func (o *Orchestrator) buildSnapshot(sc *StageContext) *model.MetricSnapshot {
	metrics := make(map[string]float64)
	confidences := make(map[string]float64)

	stageConf := make(map[model.StageName]float64, len(sc.Results))
	for _, r := range sc.Results {
		stageConf[r.Stage] = r.Confidence
	}

	if sc.Widths != nil {
		for k, v := range sc.Widths.Metrics {
			metrics[k] = v
			confidences[k] = stageConf[model.StageWidthExtraction]
		}
	}
	if sc.Circumference != nil {
		for k, v := range sc.Circumference.Metrics {
			metrics[k] = v
			confidences[k] = stageConf[model.StageCircumference]
		}
	}

	versions := make(map[string]string, len(o.versions))
	for k, v := range o.versions {
		versions[k] = v
	}
	if sc.Pose != nil && sc.Pose.ModelVersion != "" {
		versions["pose"] = sc.Pose.ModelVersion
	}
	if sc.Segmentation != nil && sc.Segmentation.ModelVersion != "" {
		versions["segmentation"] = sc.Segmentation.ModelVersion
	}
	if sc.Circumference != nil && sc.Circumference.ModelVersion != "" {
		versions["regressor"] = sc.Circumference.ModelVersion
	}

	snap := &model.MetricSnapshot{
		CaptureID:     sc.Capture.ID,
		Metrics:       metrics,
		Confidences:   confidences,
		Skin:          sc.Skin,
		ModelVersions: versions,
	}
	if sc.PostProcess != nil {
		snap.Aggregate = sc.PostProcess.Aggregate
		snap.NeedsReview = sc.PostProcess.NeedsReview
		snap.Degraded = sc.PostProcess.Degraded
	}
	return snap
}
