// Package worker pulls capture-run jobs off the broker and drives them
// through the pipeline. Different captures run fully in parallel; stages
// within one capture stay sequential inside the orchestrator.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fitlab/capture-cli/internal/broker"
	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/export"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/store"
)

// Runner executes one delivered job; satisfied by pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, job *model.RunJob) (*model.MetricSnapshot, error)
}

// Pool is a fixed-size worker pool over the broker, rate-limited across all
// workers so a burst of uploads cannot overwhelm the model services.
type Pool struct {
	broker       broker.Broker
	runner       Runner
	store        store.Store
	exports      *export.Queue
	limiter      *rate.Limiter
	concurrency  int
	pollInterval time.Duration
}

// New builds a worker pool from configuration.
func New(b broker.Broker, runner Runner, st store.Store, exports *export.Queue, cfg *config.Config) *Pool {
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	perSec := cfg.Worker.RatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	burst := cfg.Worker.Burst
	if burst <= 0 {
		burst = concurrency
	}
	pollInterval := cfg.Broker.PollInterval()
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	return &Pool{
		broker:       b,
		runner:       runner,
		store:        st,
		exports:      exports,
		limiter:      rate.NewLimiter(rate.Limit(perSec), burst),
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Start runs the pool until ctx is cancelled. It returns the context error
// on shutdown; any in-flight capture finishes its current stage boundary
// first.
func (p *Pool) Start(ctx context.Context) error {
	zap.L().Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Duration("poll_interval", p.pollInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			return p.loop(ctx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) error {
	log := zap.L().With(zap.Int("worker", worker))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		job, err := p.broker.Dequeue(ctx)
		if err != nil {
			log.Error("dequeue failed", zap.Error(err))
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.handle(ctx, job, log)
	}
}

// Drain processes jobs until the queue is empty, returning how many were
// handled. Used by one-shot CLI runs.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return handled, err
		}
		job, err := p.broker.Dequeue(ctx)
		if err != nil {
			return handled, err
		}
		if job == nil {
			return handled, nil
		}
		p.handle(ctx, job, zap.L())
		handled++
	}
}

// handle runs one delivery and decides its fate: ack when the capture
// reached a terminal state (done, edited, or failed for good), leave it for
// visibility-timeout redelivery when the failure looks recoverable.
func (p *Pool) handle(ctx context.Context, job *model.RunJob, log *zap.Logger) {
	log = log.With(zap.String("capture_id", job.CaptureID), zap.String("job_id", job.ID))

	snap, err := p.runner.Run(ctx, job)
	switch {
	case err == nil:
		p.offerExport(ctx, job.CaptureID, snap, log)
		p.ack(ctx, job, log)

	case errors.Is(err, resilience.ErrLeaseHeld):
		// A live worker is mid-run on this capture. Keep the job queued: if
		// that worker dies, the next redelivery finds an expired lease and
		// resumes; if it finishes, the rerun is a no-op.
		log.Info("capture run in flight elsewhere, leaving job queued")

	case resilience.IsConflict(err):
		// Another delivery owns or already finished this capture.
		log.Info("job conflicted, acking", zap.Error(err))
		p.ack(ctx, job, log)

	default:
		if p.captureIsTerminal(ctx, job.CaptureID) {
			log.Warn("capture failed terminally", zap.Error(err))
			p.ack(ctx, job, log)
			return
		}
		log.Warn("run failed, leaving job for redelivery", zap.Error(err))
	}
}

// offerExport enqueues a strong unadjusted original for training export.
// Consent and the confidence floor are checked inside the queue.
func (p *Pool) offerExport(ctx context.Context, captureID string, snap *model.MetricSnapshot, log *zap.Logger) {
	if p.exports == nil || snap == nil {
		return
	}
	capture, err := p.store.GetCapture(ctx, captureID)
	if err != nil {
		log.Error("loading capture for export check", zap.Error(err))
		return
	}
	if err := p.exports.OfferOriginal(ctx, capture, snap); err != nil {
		log.Error("offering capture for export", zap.Error(err))
	}
}

func (p *Pool) captureIsTerminal(ctx context.Context, captureID string) bool {
	capture, err := p.store.GetCapture(ctx, captureID)
	if err != nil {
		return false
	}
	return capture.Status.Terminal()
}

func (p *Pool) ack(ctx context.Context, job *model.RunJob, log *zap.Logger) {
	if err := p.broker.Ack(ctx, job.ID); err != nil {
		log.Error("ack failed, job will redeliver", zap.Error(err))
	}
}
