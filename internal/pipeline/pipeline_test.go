package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlab/capture-cli/internal/artifact"
	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			ReviewThreshold: 0.6,
			MinResolution:   8,
			Weights:         config.DefaultStageWeights(),
		},
		Retry: config.RetryConfig{MaxAttempts: 3, InitialBackoffMS: 1, MaxBackoffMS: 5},
		Inference: config.InferenceConfig{
			PoseVersion:         "pose-v1.2",
			SegmentationVersion: "seg-v1.0",
			RegressorVersion:    "regressor-v2.0",
		},
	}
}

func testPNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testRig struct {
	store     *store.SQLiteStore
	artifacts *artifact.Memory
	orch      *Orchestrator
	capture   *model.Capture
}

func newTestRig(t *testing.T, client inference.Client, views []string) *testRig {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	artifacts := artifact.NewMemory()
	orch, err := New(st, artifacts, client, testConfig())
	require.NoError(t, err)

	capture := &model.Capture{
		UserID:  "user-1",
		Source:  model.SourceMobile,
		Consent: model.Consent{StoreImages: true, TrainingShare: true},
		Views:   views,
	}
	require.NoError(t, st.CreateCapture(ctx, capture))
	for i, view := range views {
		_, err := artifacts.Put(ctx, artifact.UploadKey(capture.ID, view), testPNG(t, uint8(100+i*20)), "image/png")
		require.NoError(t, err)
	}

	return &testRig{store: st, artifacts: artifacts, orch: orch, capture: capture}
}

func (r *testRig) job(token string) *model.RunJob {
	return &model.RunJob{ID: "job-" + token, CaptureID: r.capture.ID, AttemptToken: token, Deliveries: 1}
}

func TestOrchestrator_FullRun(t *testing.T) {
	rig := newTestRig(t, inference.NewStub(), []string{model.ViewFront, model.ViewSide, model.ViewPortrait})
	ctx := context.Background()

	snap, err := rig.orch.Run(ctx, rig.job("a1"))
	require.NoError(t, err)
	require.NotNil(t, snap)

	capture, err := rig.store.GetCapture(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusDone, capture.Status)
	assert.NotNil(t, capture.CompletedAt)

	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Len(t, results, len(model.StageOrder()))
	for _, r := range results {
		assert.True(t, r.Terminal, "stage %s not terminal", r.Stage)
		assert.False(t, r.Failed, "stage %s failed: %s", r.Stage, r.Error)
	}

	assert.Contains(t, snap.Metrics, model.MetricShoulderWidthCM)
	assert.Contains(t, snap.Metrics, model.MetricWaistCircumferenceCM)
	assert.Contains(t, snap.Metrics, model.MetricHipCircumferenceCM)
	assert.Contains(t, snap.Metrics, model.MetricChestCircumferenceCM)
	require.NotNil(t, snap.Skin)
	assert.NotZero(t, snap.Skin.MonkBucket)
	assert.Equal(t, "pose-stub-v1", snap.ModelVersions["pose"])
	assert.Greater(t, snap.Aggregate, 0.6)
	assert.False(t, snap.Degraded)
	assert.False(t, snap.NeedsReview)
}

func TestOrchestrator_RedeliveryIsIdempotent(t *testing.T) {
	rig := newTestRig(t, inference.NewStub(), []string{model.ViewFront, model.ViewPortrait})
	ctx := context.Background()

	first, err := rig.orch.Run(ctx, rig.job("a1"))
	require.NoError(t, err)
	writes := rig.artifacts.WriteCount()

	// Same job delivered again: no new rows, no new artifacts, same original.
	second, err := rig.orch.Run(ctx, rig.job("a1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, writes, rig.artifacts.WriteCount())

	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Len(t, results, len(model.StageOrder()))
}

func TestOrchestrator_ResumeSkipsCompletedStages(t *testing.T) {
	rig := newTestRig(t, inference.NewStub(), []string{model.ViewFront, model.ViewPortrait})
	ctx := context.Background()

	// Simulate a crashed previous delivery: capture claimed, two stages done.
	require.NoError(t, rig.store.ClaimCapture(ctx, rig.capture.ID))
	require.NoError(t, rig.store.SaveStageResult(ctx, &model.StageResult{
		CaptureID:  rig.capture.ID,
		Stage:      model.StagePreCheck,
		Confidence: 1.0,
		Terminal:   true,
		Payload: &model.StagePayload{
			Stage:    model.StagePreCheck,
			PreCheck: &model.PreCheckPayload{Views: rig.capture.Views, Width: 16, Height: 16},
		},
	}))
	require.NoError(t, rig.store.SaveStageResult(ctx, &model.StageResult{
		CaptureID:  rig.capture.ID,
		Stage:      model.StageCardDetection,
		Confidence: 0.77,
		Terminal:   true,
		Payload: &model.StagePayload{
			Stage: model.StageCardDetection,
			Card:  &model.CardPayload{Detected: true, ScalePxPerCm: 4, PatchLab: [][3]float64{{95, 0, 1.5}}},
		},
	}))

	rig.orch.lease = time.Nanosecond
	time.Sleep(time.Millisecond)

	snap, err := rig.orch.Run(ctx, rig.job("a2"))
	require.NoError(t, err)

	// The persisted card result was honored, not recomputed.
	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	for _, r := range results {
		if r.Stage == model.StageCardDetection {
			assert.InDelta(t, 0.77, r.Confidence, 1e-9)
		}
	}
	assert.Contains(t, snap.Metrics, model.MetricShoulderWidthCM)
}

func TestOrchestrator_MissingCardSoftFailsAndFlagsReview(t *testing.T) {
	stub := inference.NewStub()
	stub.CardMissing = true
	rig := newTestRig(t, stub, []string{model.ViewFront})
	ctx := context.Background()

	snap, err := rig.orch.Run(ctx, rig.job("a1"))
	require.NoError(t, err)

	capture, err := rig.store.GetCapture(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusDone, capture.Status, "missing card degrades, it does not fail")

	assert.True(t, snap.NeedsReview)
	assert.True(t, snap.Degraded, "calibration skip marks the run degraded")

	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	byStage := make(map[model.StageName]model.StageResult)
	for _, r := range results {
		byStage[r.Stage] = r
	}
	assert.True(t, byStage[model.StageCardDetection].SoftFailed)
	assert.True(t, byStage[model.StageColorCalibration].Skipped)
}

func TestOrchestrator_NoPortraitSkipsSkinChain(t *testing.T) {
	rig := newTestRig(t, inference.NewStub(), []string{model.ViewFront, model.ViewSide})
	ctx := context.Background()

	snap, err := rig.orch.Run(ctx, rig.job("a1"))
	require.NoError(t, err)

	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	byStage := make(map[model.StageName]model.StageResult)
	for _, r := range results {
		byStage[r.Stage] = r
	}
	assert.True(t, byStage[model.StageSegmentation].Skipped)
	assert.True(t, byStage[model.StageSkinMetrics].Skipped)
	assert.Nil(t, snap.Skin)
	assert.True(t, snap.Degraded)
	// Everything that did run was healthy: no review needed.
	assert.False(t, snap.NeedsReview)
}

func TestOrchestrator_CorruptImageFailsFatally(t *testing.T) {
	rig := newTestRig(t, inference.NewStub(), []string{model.ViewFront})
	ctx := context.Background()

	capture := &model.Capture{
		UserID: "user-2",
		Source: model.SourceWeb,
		Views:  []string{model.ViewFront},
	}
	require.NoError(t, rig.store.CreateCapture(ctx, capture))
	_, err := rig.artifacts.Put(ctx, artifact.UploadKey(capture.ID, model.ViewFront), []byte("not a png"), "image/png")
	require.NoError(t, err)

	_, err = rig.orch.Run(ctx, &model.RunJob{ID: "job-x", CaptureID: capture.ID, AttemptToken: "x1", Deliveries: 1})
	require.Error(t, err)

	got, err := rig.store.GetCapture(ctx, capture.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusFailed, got.Status)
	assert.Equal(t, model.FailReasonCorruptImage, got.FailReason)
}

// flakyClient fails card detection transiently a set number of times.
type flakyClient struct {
	*inference.Stub
	failures int
	calls    int
}

func (f *flakyClient) DetectCard(ctx context.Context, img []byte) (*inference.CardResult, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, resilience.NewTransientError(eris.New("model service unavailable"), 503)
	}
	return f.Stub.DetectCard(ctx, img)
}

func TestOrchestrator_TransientFaultIsRetried(t *testing.T) {
	client := &flakyClient{Stub: inference.NewStub(), failures: 2}
	rig := newTestRig(t, client, []string{model.ViewFront})
	ctx := context.Background()

	snap, err := rig.orch.Run(ctx, rig.job("a1"))
	require.NoError(t, err)
	require.NotNil(t, snap)

	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	for _, r := range results {
		if r.Stage == model.StageCardDetection {
			assert.Equal(t, 2, r.RetryCount)
			assert.True(t, r.Terminal)
		}
	}
}

func TestOrchestrator_TransientExhaustionFailsCapture(t *testing.T) {
	client := &flakyClient{Stub: inference.NewStub(), failures: 100}
	rig := newTestRig(t, client, []string{model.ViewFront})
	ctx := context.Background()

	_, err := rig.orch.Run(ctx, rig.job("a1"))
	require.Error(t, err)

	capture, err := rig.store.GetCapture(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusFailed, capture.Status)
	assert.Equal(t, model.FailReasonStageExhausted, capture.FailReason)
}

func TestOrchestrator_TerminalResultReplacesFailedAttempt(t *testing.T) {
	// Exhaust card detection (3 attempts), then recover and redeliver.
	client := &flakyClient{Stub: inference.NewStub(), failures: 3}
	rig := newTestRig(t, client, []string{model.ViewFront})
	ctx := context.Background()

	_, err := rig.orch.Run(ctx, rig.job("a1"))
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)

	snap, err := rig.orch.Run(ctx, rig.job("a2"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 4, client.calls)

	// The successful re-run's terminal row must replace the failed-attempt
	// row, so the audit trail reads success and later resumes skip the stage.
	results, err := rig.store.ListStageResults(ctx, rig.capture.ID)
	require.NoError(t, err)
	for _, r := range results {
		if r.Stage == model.StageCardDetection {
			assert.True(t, r.Terminal)
			assert.False(t, r.Failed)
		}
	}

	again, err := rig.orch.Run(ctx, rig.job("a3"))
	require.NoError(t, err)
	assert.Equal(t, snap.ID, again.ID)
	assert.Equal(t, 4, client.calls)
}

func TestOrchestrator_FreshLeaseBlocksRedeliveredRun(t *testing.T) {
	client := &flakyClient{Stub: inference.NewStub()}
	rig := newTestRig(t, client, []string{model.ViewFront})
	ctx := context.Background()

	// Another worker holds the capture: claimed moments ago, lease fresh.
	require.NoError(t, rig.store.ClaimCapture(ctx, rig.capture.ID))

	_, err := rig.orch.Run(ctx, rig.job("a2"))
	require.ErrorIs(t, err, resilience.ErrLeaseHeld)
	assert.Zero(t, client.calls)

	capture, err := rig.store.GetCapture(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusRunning, capture.Status)
}

func TestOrchestrator_ExpiredLeaseResumes(t *testing.T) {
	rig := newTestRig(t, inference.NewStub(), []string{model.ViewFront})
	ctx := context.Background()

	require.NoError(t, rig.store.ClaimCapture(ctx, rig.capture.ID))
	rig.orch.lease = time.Nanosecond
	time.Sleep(time.Millisecond)

	snap, err := rig.orch.Run(ctx, rig.job("a2"))
	require.NoError(t, err)
	require.NotNil(t, snap)

	capture, err := rig.store.GetCapture(ctx, rig.capture.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusDone, capture.Status)
}
