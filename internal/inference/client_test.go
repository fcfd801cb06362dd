package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

func TestClientDetectCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/card/detect", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("png-bytes"), req.Image)

		json.NewEncoder(w).Encode(CardResult{
			Detected:     true,
			ScalePxPerCm: 11.5,
			Confidence:   0.9,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)
	res, err := c.DetectCard(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.Equal(t, 11.5, res.ScalePxPerCm)
}

func TestClientServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.PredictPose(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestClientClientErrorIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.PredictSegmentation(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "returned 400")
}

func TestClientConnectionFailureIsTransient(t *testing.T) {
	// Server closed before the call: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.DetectCard(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestStubIsDeterministic(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	a, err := s.DetectCard(ctx, []byte("front-view"))
	require.NoError(t, err)
	b, err := s.DetectCard(ctx, []byte("front-view"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := s.DetectCard(ctx, []byte("different-bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ScalePxPerCm, other.ScalePxPerCm)
}

func TestStubCardMissing(t *testing.T) {
	s := NewStub()
	s.CardMissing = true

	res, err := s.DetectCard(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.False(t, res.Detected)
}

func TestStubCircumferencesFollowWidths(t *testing.T) {
	s := NewStub()

	res, err := s.PredictCircumferences(context.Background(), map[string]float64{
		model.MetricChestWidthCM: 30,
		model.MetricWaistWidthCM: 26,
	})
	require.NoError(t, err)

	assert.Contains(t, res.Circumferences, model.MetricChestCircumferenceCM)
	assert.Contains(t, res.Circumferences, model.MetricWaistCircumferenceCM)
	assert.NotContains(t, res.Circumferences, model.MetricHipCircumferenceCM)

	// A wider chest must regress to a larger circumference than the waist.
	assert.Greater(t,
		res.Circumferences[model.MetricChestCircumferenceCM],
		res.Circumferences[model.MetricWaistCircumferenceCM])
}
