package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/artifact"
	"github.com/fitlab/capture-cli/internal/broker"
	"github.com/fitlab/capture-cli/internal/export"
	"github.com/fitlab/capture-cli/internal/inference"
	"github.com/fitlab/capture-cli/internal/monitoring"
	"github.com/fitlab/capture-cli/internal/overlay"
	"github.com/fitlab/capture-cli/internal/pipeline"
	"github.com/fitlab/capture-cli/internal/store"
	"github.com/fitlab/capture-cli/internal/version"
	"github.com/fitlab/capture-cli/internal/worker"
)

// captureEnv holds the initialized store, clients and services shared by the
// process/worker/serve commands.
type captureEnv struct {
	Store        store.Store
	Artifacts    artifact.Store
	Broker       broker.Broker
	Orchestrator *pipeline.Orchestrator
	Versions     *version.Service
	Exports      *export.Queue
	Overlays     *overlay.Renderer
	Pool         *worker.Pool
	Collector    *monitoring.Collector
	Checker      *monitoring.Checker
}

// Close releases resources held by the environment.
func (e *captureEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}

func initArtifacts(ctx context.Context) (artifact.Store, error) {
	switch cfg.Artifact.Driver {
	case artifact.DriverMemory:
		return artifact.NewMemory(), nil
	case artifact.DriverFS, "":
		return artifact.NewFS(cfg.Artifact.Root)
	case artifact.DriverS3:
		return artifact.NewS3(ctx, cfg.Artifact.S3)
	default:
		return nil, eris.Errorf("unsupported artifact driver: %s", cfg.Artifact.Driver)
	}
}

func initInference() inference.Client {
	if cfg.Inference.BaseURL == "" || cfg.Inference.BaseURL == "stub" {
		zap.L().Info("inference base url not set, using deterministic stub")
		return inference.NewStub()
	}
	return inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.Key,
		time.Duration(cfg.Inference.TimeoutSecs)*time.Second)
}

// initEnv wires the full environment. Callers should defer env.Close().
func initEnv(ctx context.Context) (*captureEnv, error) {
	if err := cfg.Validate("pipeline"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	artifacts, err := initArtifacts(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch, err := pipeline.New(st, artifacts, initInference(), cfg)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build orchestrator")
	}

	exports := export.NewQueue(st, cfg.Pipeline.ExportFloor, cfg.Export.BatchSize)
	b := broker.NewQueue(st, cfg.Broker)

	checker := monitoring.NewChecker()
	checker.Register("store", monitoring.StoreCheck(st))

	return &captureEnv{
		Store:        st,
		Artifacts:    artifacts,
		Broker:       b,
		Orchestrator: orch,
		Versions:     version.NewService(st, exports, cfg.Pipeline.AdjustmentDamping),
		Exports:      exports,
		Overlays:     overlay.NewRenderer(st, artifacts),
		Pool:         worker.New(b, orch, st, exports, cfg),
		Collector:    monitoring.NewCollector(st),
		Checker:      checker,
	}, nil
}
