package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCapture_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, user_id, status, source, consent, views, fail_reason`).
		WithArgs("nonexistent-capture").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCapture(context.Background(), "nonexistent-capture")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimCapture_AlreadyRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE captures SET status = \$1, started_at = COALESCE`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), "cap-1", "queued", "failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, user_id, status, source, consent, views, fail_reason`).
		WithArgs("cap-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "status", "source", "consent", "views", "fail_reason",
			"created_at", "updated_at", "started_at", "completed_at",
		}).AddRow(
			"cap-1", "user-1", "running", "mobile", []byte(`{"store_images":true,"training_share":false}`),
			[]byte(`["front"]`), "", time.Now(), time.Now(), (*time.Time)(nil), (*time.Time)(nil),
		))

	err := s.ClaimCapture(context.Background(), "cap-1")
	assert.True(t, errors.Is(err, resilience.ErrAlreadyRunning))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimCapture_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE captures SET status = \$1, started_at = COALESCE`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), "cap-1", "queued", "failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ClaimCapture(context.Background(), "cap-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveStageResult_TerminalRowIsFrozen(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO stage_results .* ON CONFLICT \(capture_id, stage\) DO UPDATE SET .* WHERE NOT stage_results\.terminal`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveStageResult(context.Background(), &model.StageResult{
		CaptureID:  "cap-1",
		Stage:      model.StagePreCheck,
		Confidence: 1.0,
		Terminal:   true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSnapshot_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, capture_id, metrics, confidences, aggregate`).
		WithArgs("cap-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSnapshot(context.Background(), "cap-1")
	assert.True(t, errors.Is(err, resilience.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveAdjustment_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	resolvedAt := time.Now().UTC()
	mock.ExpectExec(`UPDATE adjustments SET state = \$1, approver_id = \$2`).
		WithArgs("approved", "admin-2", pgxmock.AnyArg(), "adj-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, capture_id, author_id, role, changes, note, state`).
		WithArgs("adj-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "capture_id", "author_id", "role", "changes", "note", "state",
			"approver_id", "resolved_at", "created_at",
		}).AddRow(
			"adj-1", "cap-1", "tailor-1", "tailor", []byte(`{"waist_circumference_cm":81}`),
			"", "approved", "admin-1", &resolvedAt, time.Now(),
		))

	_, err := s.ResolveAdjustment(context.Background(), "adj-1", "admin-2", true)
	assert.True(t, errors.Is(err, resilience.ErrAlreadyResolved))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueRun_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE run_jobs SET deliveries = deliveries \+ 1`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.DequeueRun(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeExports_DropsRevoked(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT e.id, e.capture_id, e.adjustment_id, e.enqueued_at, c.consent`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "capture_id", "adjustment_id", "enqueued_at", "consent",
		}).AddRow(
			"exp-1", "cap-1", (*string)(nil), time.Now(), []byte(`{"store_images":true,"training_share":false}`),
		))
	mock.ExpectExec(`UPDATE export_queue SET consumed_at = \$1, dropped = TRUE`).
		WithArgs(pgxmock.AnyArg(), "exp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	delivered, dropped, err := s.ConsumeExports(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, delivered)
	assert.Equal(t, 1, dropped)
	assert.NoError(t, mock.ExpectationsWereMet())
}
