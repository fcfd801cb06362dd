package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlab/capture-cli/internal/broker"
	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/export"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/store"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	snap  *model.MetricSnapshot
	err   error
	done  chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, job *model.RunJob) (*model.MetricSnapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.snap != nil {
		return f.snap, nil
	}
	return &model.MetricSnapshot{CaptureID: job.CaptureID, Aggregate: 0.9}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func workerConfig() *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{Concurrency: 2, RatePerSec: 1000, Burst: 10},
		Broker: config.BrokerConfig{PollIntervalMS: 5, VisibilitySecs: 60},
	}
}

func newWorkerStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createCapture(t *testing.T, st store.Store, trainingShare bool) *model.Capture {
	t.Helper()
	c := &model.Capture{
		UserID:  "user-1",
		Source:  model.SourceMobile,
		Consent: model.Consent{TrainingShare: trainingShare},
		Views:   []string{model.ViewFront},
	}
	require.NoError(t, st.CreateCapture(context.Background(), c))
	return c
}

func TestPool_DrainProcessesAndAcks(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(time.Minute)
	runner := &fakeRunner{}
	pool := New(b, runner, st, nil, workerConfig())

	for i := 0; i < 3; i++ {
		c := createCapture(t, st, false)
		_, err := b.Enqueue(ctx, c.ID)
		require.NoError(t, err)
	}

	handled, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.Equal(t, 3, runner.callCount())

	// All acked: nothing left to deliver.
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPool_StrongConsentedOriginalIsOfferedForExport(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(time.Minute)
	exports := export.NewQueue(st, 0.85, 10)
	runner := &fakeRunner{}
	pool := New(b, runner, st, exports, workerConfig())

	c := createCapture(t, st, true)
	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)

	_, err = pool.Drain(ctx)
	require.NoError(t, err)

	depth, err := exports.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestPool_WeakOriginalIsNotExported(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(time.Minute)
	exports := export.NewQueue(st, 0.85, 10)
	c := createCapture(t, st, true)
	runner := &fakeRunner{snap: &model.MetricSnapshot{CaptureID: c.ID, Aggregate: 0.5}}
	pool := New(b, runner, st, exports, workerConfig())

	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)
	_, err = pool.Drain(ctx)
	require.NoError(t, err)

	depth, err := exports.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPool_ConflictIsAcked(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(time.Minute)
	runner := &fakeRunner{err: resilience.ErrAlreadyRunning}
	pool := New(b, runner, st, nil, workerConfig())

	c := createCapture(t, st, false)
	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)

	handled, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "conflicted job must not redeliver")
}

func TestPool_TerminalFailureIsAcked(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(time.Minute)
	runner := &fakeRunner{err: eris.New("stage exhausted")}
	pool := New(b, runner, st, nil, workerConfig())

	c := createCapture(t, st, false)
	require.NoError(t, st.ClaimCapture(ctx, c.ID))
	require.NoError(t, st.SetCaptureStatus(ctx, c.ID, model.CaptureStatusFailed, model.FailReasonStageExhausted))

	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)
	_, err = pool.Drain(ctx)
	require.NoError(t, err)

	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPool_RecoverableFailureLeftForRedelivery(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(50 * time.Millisecond)
	runner := &fakeRunner{err: eris.New("store unavailable")}
	pool := New(b, runner, st, nil, workerConfig())

	c := createCapture(t, st, false)
	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)

	handled, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	// After the visibility window the unacked job comes back.
	time.Sleep(70 * time.Millisecond)
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Deliveries)
}

func TestPool_LeaseHeldJobStaysQueued(t *testing.T) {
	ctx := context.Background()
	st := newWorkerStore(t)
	b := broker.NewMemory(50 * time.Millisecond)
	runner := &fakeRunner{err: eris.Wrap(resilience.ErrLeaseHeld, "capture busy")}
	pool := New(b, runner, st, nil, workerConfig())

	c := createCapture(t, st, false)
	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)

	handled, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	// Not acked: the job returns once the live worker's lease can have
	// lapsed, and the next delivery re-checks it.
	time.Sleep(70 * time.Millisecond)
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Deliveries)
}

func TestPool_StartStopsOnCancel(t *testing.T) {
	st := newWorkerStore(t)
	b := broker.NewMemory(time.Minute)
	runner := &fakeRunner{done: make(chan struct{}, 1)}
	pool := New(b, runner, st, nil, workerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	c := createCapture(t, st, false)
	_, err := b.Enqueue(ctx, c.ID)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Start(ctx) }()

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the job")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on cancel")
	}
}
