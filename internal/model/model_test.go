package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureStatusTerminal(t *testing.T) {
	assert.False(t, CaptureStatusQueued.Terminal())
	assert.False(t, CaptureStatusRunning.Terminal())
	assert.True(t, CaptureStatusDone.Terminal())
	assert.True(t, CaptureStatusFailed.Terminal())
	assert.True(t, CaptureStatusEdited.Terminal())
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleTailor.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("stylist").Valid())
	assert.False(t, Role("").Valid())
}

func TestIsKnownMetric(t *testing.T) {
	for _, k := range KnownMetricKeys() {
		assert.True(t, IsKnownMetric(k), k)
	}
	assert.False(t, IsKnownMetric("wingspan_cm"))
	assert.False(t, IsKnownMetric(""))
}

func TestStageOrderEndsWithPostProcess(t *testing.T) {
	order := StageOrder()
	require.Len(t, order, 9)
	assert.Equal(t, StagePreCheck, order[0])
	assert.Equal(t, StagePostProcess, order[len(order)-1])

	seen := map[StageName]bool{}
	for _, s := range order {
		assert.False(t, seen[s], s)
		seen[s] = true
	}
}

func TestStagePayloadValidate(t *testing.T) {
	ok := &StagePayload{Stage: StageCardDetection, Card: &CardPayload{Detected: true}}
	assert.NoError(t, ok.Validate())

	mismatched := &StagePayload{Stage: StagePreCheck, Card: &CardPayload{Detected: true}}
	assert.Error(t, mismatched.Validate())

	empty := &StagePayload{Stage: StageSegmentation}
	assert.Error(t, empty.Validate())
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	orig := &MetricSnapshot{
		ID:            "snap-1",
		CaptureID:     "cap-1",
		Metrics:       map[string]float64{MetricWaistWidthCM: 26},
		Confidences:   map[string]float64{MetricWaistWidthCM: 0.9},
		ModelVersions: map[string]string{"pose": "pose-v1.2"},
		Skin:          &SkinPayload{Lab: [3]float64{62, 10.5, 14.2}},
	}

	cp := orig.Clone()
	cp.Metrics[MetricWaistWidthCM] = 99
	cp.Confidences[MetricWaistWidthCM] = 0.1
	cp.ModelVersions["pose"] = "other"
	cp.Skin.Lab[0] = 0

	assert.Equal(t, 26.0, orig.Metrics[MetricWaistWidthCM])
	assert.Equal(t, 0.9, orig.Confidences[MetricWaistWidthCM])
	assert.Equal(t, "pose-v1.2", orig.ModelVersions["pose"])
	assert.Equal(t, 62.0, orig.Skin.Lab[0])
}

func TestHasView(t *testing.T) {
	c := &Capture{Views: []string{"front", "portrait"}}
	assert.True(t, c.HasView("front"))
	assert.False(t, c.HasView("side"))
}
