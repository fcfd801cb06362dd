package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a fresh temp dir so Load never picks up a stray
// config.yaml from the repo checkout.
func chdir(t *testing.T) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "capture.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "fs", cfg.Artifact.Driver)
	assert.Equal(t, "artifacts", cfg.Artifact.Root)
	assert.Equal(t, 500, cfg.Broker.PollIntervalMS)
	assert.Equal(t, 120, cfg.Broker.VisibilitySecs)
	assert.Equal(t, "pose-v1.2", cfg.Inference.PoseVersion)
	assert.Equal(t, "seg-v1.0", cfg.Inference.SegmentationVersion)
	assert.Equal(t, "regressor-v2.0", cfg.Inference.RegressorVersion)
	assert.Equal(t, 0.6, cfg.Pipeline.ReviewThreshold)
	assert.Equal(t, 0.85, cfg.Pipeline.ExportFloor)
	assert.Equal(t, 0.8, cfg.Pipeline.AdjustmentDamping)
	assert.Equal(t, 512, cfg.Pipeline.MinResolution)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMS)
	assert.Equal(t, 30000, cfg.Retry.MaxBackoffMS)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 2.0, cfg.Worker.RatePerSec)
	assert.Equal(t, 50, cfg.Export.BatchSize)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chdir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/capture
pipeline:
  review_threshold: 0.7
  min_resolution: 256
server:
  port: 9000
log:
  level: debug
  format: console
`
	dir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/capture", cfg.Store.DatabaseURL)
	assert.Equal(t, 0.7, cfg.Pipeline.ReviewThreshold)
	assert.Equal(t, 256, cfg.Pipeline.MinResolution)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Keys the file does not mention keep their defaults.
	assert.Equal(t, 0.85, cfg.Pipeline.ExportFloor)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chdir(t)

	dir, err := os.Getwd()
	require.NoError(t, err)
	yaml := "store:\n  driver: sqlite\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("CAPTURE_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdir(t)

	t.Setenv("CAPTURE_SERVER_PORT", "3000")
	t.Setenv("CAPTURE_WORKER_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestValidate(t *testing.T) {
	chdir(t)

	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults pass both modes", func(t *testing.T) {
		cfg := base()
		assert.NoError(t, cfg.Validate("pipeline"))
		assert.NoError(t, cfg.Validate("serve"))
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.Store.Driver = "oracle"
		err := cfg.Validate("pipeline")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.driver")
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := base()
		cfg.Pipeline.ReviewThreshold = 1.5
		assert.Error(t, cfg.Validate("pipeline"))
	})

	t.Run("zero damping", func(t *testing.T) {
		cfg := base()
		cfg.Pipeline.AdjustmentDamping = 0
		assert.Error(t, cfg.Validate("pipeline"))
	})

	t.Run("serve ignores worker settings", func(t *testing.T) {
		cfg := base()
		cfg.Worker.Concurrency = 0
		assert.Error(t, cfg.Validate("pipeline"))
		assert.NoError(t, cfg.Validate("serve"))
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := base()
		assert.Error(t, cfg.Validate("enrich"))
	})
}

func TestInitLoggerConsole(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}

func TestInitLoggerJSON(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "shouting", Format: "json"}))
}

func TestDefaultStageWeights(t *testing.T) {
	w := DefaultStageWeights()

	for _, stage := range []string{
		"pre_check", "card_detection", "color_calibration", "pose_refinement",
		"segmentation", "skin_metrics", "width_extraction", "circumference_regression",
	} {
		assert.Contains(t, w, stage)
		assert.Greater(t, w[stage], 0.0, stage)
	}
	// Post-processing is bookkeeping and carries no confidence weight.
	assert.NotContains(t, w, "post_process")
}
