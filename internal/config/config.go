package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is loaded once at
// startup and injected into constructors; nothing reads ambient state later.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Artifact  ArtifactConfig  `yaml:"artifact" mapstructure:"artifact"`
	Broker    BrokerConfig    `yaml:"broker" mapstructure:"broker"`
	Inference InferenceConfig `yaml:"inference" mapstructure:"inference"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ArtifactConfig configures artifact (image/mask) storage.
type ArtifactConfig struct {
	Driver string   `yaml:"driver" mapstructure:"driver"` // "memory", "fs" or "s3"
	Root   string   `yaml:"root" mapstructure:"root"`     // fs driver base dir
	S3     S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config holds S3/MinIO settings for the s3 artifact driver.
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"` // optional, for MinIO
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// BrokerConfig configures the capture-run job queue.
type BrokerConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	VisibilitySecs int `yaml:"visibility_secs" mapstructure:"visibility_secs"`
}

// PollInterval returns the dequeue polling interval.
func (b BrokerConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMS) * time.Millisecond
}

// Visibility returns the redelivery visibility timeout.
func (b BrokerConfig) Visibility() time.Duration {
	return time.Duration(b.VisibilitySecs) * time.Second
}

// InferenceConfig holds the model-service endpoint and version pins. The
// pinned versions are recorded on every snapshot the pipeline emits.
type InferenceConfig struct {
	BaseURL             string `yaml:"base_url" mapstructure:"base_url"`
	Key                 string `yaml:"key" mapstructure:"key"`
	TimeoutSecs         int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PoseVersion         string `yaml:"pose_version" mapstructure:"pose_version"`
	SegmentationVersion string `yaml:"segmentation_version" mapstructure:"segmentation_version"`
	RegressorVersion    string `yaml:"regressor_version" mapstructure:"regressor_version"`
}

// PipelineConfig configures orchestration and confidence merging.
type PipelineConfig struct {
	// ReviewThreshold: aggregate confidence below this sets needs_review.
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	// ExportFloor: an unadjusted original must meet this confidence to be
	// export-eligible on its own.
	ExportFloor float64 `yaml:"export_floor" mapstructure:"export_floor"`
	// AdjustmentDamping multiplies the confidence of any metric touched by a
	// pending adjustment.
	AdjustmentDamping float64 `yaml:"adjustment_damping" mapstructure:"adjustment_damping"`
	// MinResolution is the smallest accepted image dimension, in pixels.
	MinResolution int `yaml:"min_resolution" mapstructure:"min_resolution"`
	// WeightsFile optionally overrides the built-in stage weights with a
	// YAML manifest.
	WeightsFile string `yaml:"weights_file" mapstructure:"weights_file"`

	// Weights holds per-stage confidence weights keyed by stage name.
	Weights map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// RetryConfig configures the orchestrator's stage retry policy.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// WorkerConfig configures the capture-run worker pool.
type WorkerConfig struct {
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// ExportConfig configures training-export batch consumption.
type ExportConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "capture.db")
	v.SetDefault("artifact.driver", "fs")
	v.SetDefault("artifact.root", "artifacts")
	v.SetDefault("artifact.s3.region", "us-east-1")
	v.SetDefault("broker.poll_interval_ms", 500)
	v.SetDefault("broker.visibility_secs", 120)
	v.SetDefault("inference.base_url", "http://localhost:9090")
	v.SetDefault("inference.timeout_secs", 30)
	v.SetDefault("inference.pose_version", "pose-v1.2")
	v.SetDefault("inference.segmentation_version", "seg-v1.0")
	v.SetDefault("inference.regressor_version", "regressor-v2.0")
	v.SetDefault("pipeline.review_threshold", 0.6)
	v.SetDefault("pipeline.export_floor", 0.85)
	v.SetDefault("pipeline.adjustment_damping", 0.8)
	v.SetDefault("pipeline.min_resolution", 512)
	v.SetDefault("pipeline.weights", DefaultStageWeights())
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.rate_per_sec", 2.0)
	v.SetDefault("worker.burst", 4)
	v.SetDefault("export.batch_size", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "pipeline"
// (process/worker), "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres", "":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Pipeline.ReviewThreshold < 0 || c.Pipeline.ReviewThreshold > 1 {
		problems = append(problems, "pipeline.review_threshold must be between 0 and 1")
	}
	if c.Pipeline.ExportFloor < 0 || c.Pipeline.ExportFloor > 1 {
		problems = append(problems, "pipeline.export_floor must be between 0 and 1")
	}
	if c.Pipeline.AdjustmentDamping <= 0 || c.Pipeline.AdjustmentDamping > 1 {
		problems = append(problems, "pipeline.adjustment_damping must be in (0, 1]")
	}
	if c.Pipeline.MinResolution <= 0 {
		problems = append(problems, "pipeline.min_resolution must be > 0")
	}
	for stage, w := range c.Pipeline.Weights {
		if w < 0 {
			problems = append(problems, fmt.Sprintf("pipeline.weights.%s must be >= 0", stage))
		}
	}

	switch mode {
	case "pipeline":
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			problems = append(problems, "worker.concurrency must be between 1 and 64")
		}
		if c.Retry.MaxAttempts < 1 {
			problems = append(problems, "retry.max_attempts must be >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// DefaultStageWeights returns the built-in per-stage confidence weights.
// Card detection and calibration weigh most: they anchor the pixel-to-metric
// scale every downstream circumference depends on.
func DefaultStageWeights() map[string]float64 {
	return map[string]float64{
		"pre_check":                0.5,
		"card_detection":           3,
		"color_calibration":        3,
		"pose_refinement":          2,
		"segmentation":             1,
		"skin_metrics":             1,
		"width_extraction":         2,
		"circumference_regression": 2,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
