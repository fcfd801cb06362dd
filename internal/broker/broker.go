// Package broker is the capture-run job queue. Delivery is at-least-once:
// a dequeued job is hidden for a visibility window and reappears if the
// worker dies before acking, so the orchestrator's idempotency does the
// rest. The attempt token is minted once at enqueue and rides along on
// every redelivery, keeping artifact keys stable across retries.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/store"
)

// Broker hands capture-run jobs to workers.
type Broker interface {
	// Enqueue schedules a pipeline run for the capture and returns the job.
	Enqueue(ctx context.Context, captureID string) (*model.RunJob, error)
	// Dequeue claims the next available job, or returns nil when the queue
	// is empty. The claimed job is invisible until acked or the visibility
	// window lapses.
	Dequeue(ctx context.Context) (*model.RunJob, error)
	// Ack marks a delivered job as finished; it will not be redelivered.
	Ack(ctx context.Context, jobID string) error
}

// Queue is the store-backed Broker: jobs live in the same database as the
// captures, so a local deployment needs no extra moving part.
type Queue struct {
	store      store.Store
	visibility time.Duration
}

// NewQueue builds a store-backed broker with the configured visibility
// window.
func NewQueue(st store.Store, cfg config.BrokerConfig) *Queue {
	visibility := cfg.Visibility()
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &Queue{store: st, visibility: visibility}
}

func (q *Queue) Enqueue(ctx context.Context, captureID string) (*model.RunJob, error) {
	job := &model.RunJob{
		CaptureID:    captureID,
		AttemptToken: uuid.New().String(),
	}
	if err := q.store.EnqueueRun(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Dequeue(ctx context.Context) (*model.RunJob, error) {
	return q.store.DequeueRun(ctx, q.visibility)
}

func (q *Queue) Ack(ctx context.Context, jobID string) error {
	return q.store.AckRun(ctx, jobID)
}

// Memory is an in-process Broker for tests and single-shot CLI runs. It
// honors the same visibility contract as the store-backed queue.
type Memory struct {
	mu         sync.Mutex
	jobs       []*memoryJob
	visibility time.Duration
}

type memoryJob struct {
	job         model.RunJob
	availableAt time.Time
	acked       bool
}

// NewMemory creates an in-memory broker.
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &Memory{visibility: visibility}
}

func (m *Memory) Enqueue(_ context.Context, captureID string) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	mj := &memoryJob{
		job: model.RunJob{
			ID:           uuid.New().String(),
			CaptureID:    captureID,
			AttemptToken: uuid.New().String(),
			EnqueuedAt:   now,
		},
		availableAt: now,
	}
	m.jobs = append(m.jobs, mj)
	job := mj.job
	return &job, nil
}

func (m *Memory) Dequeue(_ context.Context) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, mj := range m.jobs {
		if mj.acked || mj.availableAt.After(now) {
			continue
		}
		mj.availableAt = now.Add(m.visibility)
		mj.job.Deliveries++
		job := mj.job
		return &job, nil
	}
	return nil, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mj := range m.jobs {
		if mj.job.ID == jobID {
			mj.acked = true
			return nil
		}
	}
	return nil
}
