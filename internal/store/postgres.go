package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/db"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_capture":       `SELECT id, user_id, status, source, consent, views, fail_reason, created_at, updated_at, started_at, completed_at FROM captures WHERE id = $1`,
	"save_stage_result": `INSERT INTO stage_results (id, capture_id, stage, payload, confidence, retry_count, skipped, soft_failed, failed, terminal, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (capture_id, stage) DO UPDATE SET payload = excluded.payload, confidence = excluded.confidence, retry_count = excluded.retry_count, skipped = excluded.skipped, soft_failed = excluded.soft_failed, failed = excluded.failed, terminal = excluded.terminal, error = excluded.error, created_at = excluded.created_at WHERE NOT stage_results.terminal`,
	"get_snapshot":      `SELECT id, capture_id, metrics, confidences, aggregate, needs_review, degraded, skin, model_versions, created_at FROM metric_snapshots WHERE capture_id = $1`,
	"list_adjustments":  `SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at FROM adjustments WHERE capture_id = $1 ORDER BY created_at, id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS captures (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	source       TEXT NOT NULL,
	consent      JSONB NOT NULL,
	views        JSONB NOT NULL,
	fail_reason  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stage_results (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	capture_id  TEXT NOT NULL REFERENCES captures(id),
	stage       TEXT NOT NULL,
	payload     JSONB,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	skipped     BOOLEAN NOT NULL DEFAULT FALSE,
	soft_failed BOOLEAN NOT NULL DEFAULT FALSE,
	failed      BOOLEAN NOT NULL DEFAULT FALSE,
	terminal    BOOLEAN NOT NULL DEFAULT FALSE,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(capture_id, stage)
);

CREATE TABLE IF NOT EXISTS metric_snapshots (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	capture_id     TEXT NOT NULL UNIQUE REFERENCES captures(id),
	metrics        JSONB NOT NULL,
	confidences    JSONB NOT NULL,
	aggregate      DOUBLE PRECISION NOT NULL,
	needs_review   BOOLEAN NOT NULL DEFAULT FALSE,
	degraded       BOOLEAN NOT NULL DEFAULT FALSE,
	skin           JSONB,
	model_versions JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS adjustments (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	capture_id  TEXT NOT NULL REFERENCES captures(id),
	author_id   TEXT NOT NULL,
	role        TEXT NOT NULL,
	changes     JSONB NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT 'pending',
	approver_id TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_jobs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	capture_id    TEXT NOT NULL,
	attempt_token TEXT NOT NULL,
	deliveries    INTEGER NOT NULL DEFAULT 0,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	available_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	acked         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS export_queue (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	capture_id    TEXT NOT NULL REFERENCES captures(id),
	adjustment_id TEXT,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	consumed_at   TIMESTAMPTZ,
	dropped       BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);
CREATE INDEX IF NOT EXISTS idx_captures_user_id ON captures(user_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_capture_id ON stage_results(capture_id);
CREATE INDEX IF NOT EXISTS idx_adjustments_capture_id ON adjustments(capture_id, created_at);
CREATE INDEX IF NOT EXISTS idx_run_jobs_available ON run_jobs(acked, available_at);
CREATE INDEX IF NOT EXISTS idx_export_queue_pending ON export_queue(consumed_at, enqueued_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateCapture(ctx context.Context, c *model.Capture) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.CaptureStatusQueued
	}

	consentJSON, err := json.Marshal(c.Consent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal consent")
	}
	viewsJSON, err := json.Marshal(c.Views)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal views")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO captures (id, user_id, status, source, consent, views, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, string(c.Status), string(c.Source), consentJSON, viewsJSON, now, now,
	)
	return eris.Wrap(err, "postgres: insert capture")
}

func (s *PostgresStore) GetCapture(ctx context.Context, id string) (*model.Capture, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, source, consent, views, fail_reason, created_at, updated_at, started_at, completed_at FROM captures WHERE id = $1`,
		id,
	)
	return scanCapturePg(row)
}

func (s *PostgresStore) ListCaptures(ctx context.Context, filter CaptureFilter) ([]model.Capture, error) {
	query := `SELECT id, user_id, status, source, consent, views, fail_reason, created_at, updated_at, started_at, completed_at FROM captures WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += ` AND user_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list captures")
	}
	defer rows.Close()

	var captures []model.Capture
	for rows.Next() {
		c, err := scanCapturePg(rows)
		if err != nil {
			return nil, err
		}
		captures = append(captures, *c)
	}
	return captures, eris.Wrap(rows.Err(), "postgres: list captures iterate")
}

func (s *PostgresStore) ClaimCapture(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE captures SET status = $1, started_at = COALESCE(started_at, $2), updated_at = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(model.CaptureStatusRunning), now, now, id,
		string(model.CaptureStatusQueued), string(model.CaptureStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim capture %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCapture(ctx, id); err != nil {
			return err
		}
		return resilience.ErrAlreadyRunning
	}
	return nil
}

func (s *PostgresStore) SetCaptureStatus(ctx context.Context, id string, status model.CaptureStatus, failReason string) error {
	now := time.Now().UTC()
	query := `UPDATE captures SET status = $1, fail_reason = $2, updated_at = $3 WHERE id = $4`
	if status.Terminal() {
		query = `UPDATE captures SET status = $1, fail_reason = $2, updated_at = $3, completed_at = COALESCE(completed_at, $3) WHERE id = $4`
	}
	tag, err := s.pool.Exec(ctx, query, string(status), failReason, now, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set capture status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "capture %s", id)
	}
	return nil
}

func (s *PostgresStore) TouchCapture(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE captures SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch capture %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "capture %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateConsent(ctx context.Context, id string, consent model.Consent) error {
	consentJSON, err := json.Marshal(consent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal consent")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE captures SET consent = $1, updated_at = $2 WHERE id = $3`,
		consentJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update consent %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "capture %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveStageResult(ctx context.Context, r *model.StageResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var payloadJSON []byte
	if r.Payload != nil {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage payload")
		}
		payloadJSON = b
	}

	// A failed-attempt row must not block the terminal result a later
	// delivery produces; only terminal rows are frozen.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_results (id, capture_id, stage, payload, confidence, retry_count, skipped, soft_failed, failed, terminal, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (capture_id, stage) DO UPDATE SET payload = excluded.payload, confidence = excluded.confidence, retry_count = excluded.retry_count, skipped = excluded.skipped, soft_failed = excluded.soft_failed, failed = excluded.failed, terminal = excluded.terminal, error = excluded.error, created_at = excluded.created_at WHERE NOT stage_results.terminal`,
		r.ID, r.CaptureID, string(r.Stage), payloadJSON, r.Confidence, r.RetryCount,
		r.Skipped, r.SoftFailed, r.Failed, r.Terminal, r.Error, r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save stage result %s/%s", r.CaptureID, r.Stage)
}

func (s *PostgresStore) ListStageResults(ctx context.Context, captureID string) ([]model.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capture_id, stage, payload, confidence, retry_count, skipped, soft_failed, failed, terminal, error, created_at
		 FROM stage_results WHERE capture_id = $1 ORDER BY created_at, id`,
		captureID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage results")
	}
	defer rows.Close()

	var results []model.StageResult
	for rows.Next() {
		var r model.StageResult
		var payloadJSON []byte
		err := rows.Scan(&r.ID, &r.CaptureID, &r.Stage, &payloadJSON, &r.Confidence, &r.RetryCount,
			&r.Skipped, &r.SoftFailed, &r.Failed, &r.Terminal, &r.Error, &r.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage result")
		}
		if len(payloadJSON) > 0 {
			r.Payload = &model.StagePayload{}
			if err := json.Unmarshal(payloadJSON, r.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage payload")
			}
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list stage results iterate")
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *model.MetricSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}
	confJSON, err := json.Marshal(snap.Confidences)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal confidences")
	}
	versionsJSON, err := json.Marshal(snap.ModelVersions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal model versions")
	}
	var skinJSON []byte
	if snap.Skin != nil {
		skinJSON, err = json.Marshal(snap.Skin)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal skin")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO metric_snapshots (id, capture_id, metrics, confidences, aggregate, needs_review, degraded, skin, model_versions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (capture_id) DO NOTHING`,
		snap.ID, snap.CaptureID, metricsJSON, confJSON, snap.Aggregate,
		snap.NeedsReview, snap.Degraded, skinJSON, versionsJSON, snap.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert snapshot for %s", snap.CaptureID)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, captureID string) (*model.MetricSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, capture_id, metrics, confidences, aggregate, needs_review, degraded, skin, model_versions, created_at FROM metric_snapshots WHERE capture_id = $1`,
		captureID,
	)

	var snap model.MetricSnapshot
	var metricsJSON, confJSON, versionsJSON, skinJSON []byte
	err := row.Scan(&snap.ID, &snap.CaptureID, &metricsJSON, &confJSON, &snap.Aggregate,
		&snap.NeedsReview, &snap.Degraded, &skinJSON, &versionsJSON, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "snapshot for %s", captureID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get snapshot")
	}
	if err := json.Unmarshal(metricsJSON, &snap.Metrics); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal metrics")
	}
	if err := json.Unmarshal(confJSON, &snap.Confidences); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal confidences")
	}
	if err := json.Unmarshal(versionsJSON, &snap.ModelVersions); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal model versions")
	}
	if len(skinJSON) > 0 {
		snap.Skin = &model.SkinPayload{}
		if err := json.Unmarshal(skinJSON, snap.Skin); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal skin")
		}
	}
	return &snap, nil
}

func (s *PostgresStore) CreateAdjustment(ctx context.Context, adj *model.Adjustment) error {
	if adj.ID == "" {
		adj.ID = uuid.New().String()
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	if adj.State == "" {
		adj.State = model.ApprovalPending
	}

	changesJSON, err := json.Marshal(adj.Changes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal changes")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO adjustments (id, capture_id, author_id, role, changes, note, state, approver_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		adj.ID, adj.CaptureID, adj.AuthorID, string(adj.Role), changesJSON, adj.Note,
		string(adj.State), adj.ApproverID, adj.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert adjustment for %s", adj.CaptureID)
}

func (s *PostgresStore) GetAdjustment(ctx context.Context, id string) (*model.Adjustment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at FROM adjustments WHERE id = $1`,
		id,
	)
	return scanAdjustmentPg(row)
}

func (s *PostgresStore) ListAdjustments(ctx context.Context, captureID string) ([]model.Adjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at FROM adjustments WHERE capture_id = $1 ORDER BY created_at, id`,
		captureID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list adjustments")
	}
	defer rows.Close()

	var adjs []model.Adjustment
	for rows.Next() {
		a, err := scanAdjustmentPg(rows)
		if err != nil {
			return nil, err
		}
		adjs = append(adjs, *a)
	}
	return adjs, eris.Wrap(rows.Err(), "postgres: list adjustments iterate")
}

func (s *PostgresStore) ListAdjustmentsPage(ctx context.Context, captureID string, after AdjustmentCursor, limit int) ([]model.Adjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at FROM adjustments WHERE capture_id = $1 AND (created_at, id) > ($2, $3) ORDER BY created_at, id LIMIT $4`,
		captureID, after.CreatedAt.UTC(), after.ID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: page adjustments")
	}
	defer rows.Close()

	var adjs []model.Adjustment
	for rows.Next() {
		a, err := scanAdjustmentPg(rows)
		if err != nil {
			return nil, err
		}
		adjs = append(adjs, *a)
	}
	return adjs, eris.Wrap(rows.Err(), "postgres: page adjustments iterate")
}

func (s *PostgresStore) ResolveAdjustment(ctx context.Context, id, approverID string, approve bool) (*model.Adjustment, error) {
	state := model.ApprovalRejected
	if approve {
		state = model.ApprovalApproved
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE adjustments SET state = $1, approver_id = $2, resolved_at = $3 WHERE id = $4 AND state = $5`,
		string(state), approverID, now, id, string(model.ApprovalPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: resolve adjustment %s", id)
	}
	if tag.RowsAffected() == 0 {
		adj, err := s.GetAdjustment(ctx, id)
		if err != nil {
			return nil, err
		}
		if adj.State != model.ApprovalPending {
			return nil, resilience.ErrAlreadyResolved
		}
		return nil, eris.Errorf("adjustment not resolved: %s", id)
	}
	return s.GetAdjustment(ctx, id)
}

func (s *PostgresStore) EnqueueRun(ctx context.Context, job *model.RunJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_jobs (id, capture_id, attempt_token, deliveries, enqueued_at, available_at, acked)
		 VALUES ($1, $2, $3, 0, $4, $4, FALSE)`,
		job.ID, job.CaptureID, job.AttemptToken, job.EnqueuedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue run for %s", job.CaptureID)
}

func (s *PostgresStore) DequeueRun(ctx context.Context, visibility time.Duration) (*model.RunJob, error) {
	now := time.Now().UTC()

	// Single statement: claim the oldest visible job with SKIP LOCKED so
	// concurrent workers never double-deliver inside the visibility window.
	row := s.pool.QueryRow(ctx,
		`UPDATE run_jobs SET deliveries = deliveries + 1, available_at = $1
		 WHERE id = (
			SELECT id FROM run_jobs
			WHERE acked = FALSE AND available_at <= $2
			ORDER BY enqueued_at, id LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, capture_id, attempt_token, deliveries, enqueued_at`,
		now.Add(visibility), now,
	)

	var job model.RunJob
	err := row.Scan(&job.ID, &job.CaptureID, &job.AttemptToken, &job.Deliveries, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue run")
	}
	return &job, nil
}

func (s *PostgresStore) AckRun(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE run_jobs SET acked = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: ack run %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "run job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) EnqueueExport(ctx context.Context, entry *model.ExportEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	var adjID *string
	if entry.AdjustmentID != "" {
		adjID = &entry.AdjustmentID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO export_queue (id, capture_id, adjustment_id, enqueued_at) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.CaptureID, adjID, entry.EnqueuedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue export for %s", entry.CaptureID)
}

func (s *PostgresStore) ConsumeExports(ctx context.Context, limit int) ([]model.ExportEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: begin consume exports")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT e.id, e.capture_id, e.adjustment_id, e.enqueued_at, c.consent
		 FROM export_queue e JOIN captures c ON c.id = e.capture_id
		 WHERE e.consumed_at IS NULL AND e.dropped = FALSE
		 ORDER BY e.enqueued_at, e.id LIMIT $1
		 FOR UPDATE OF e SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: select pending exports")
	}

	type pending struct {
		entry   model.ExportEntry
		consent model.Consent
	}
	var batch []pending
	for rows.Next() {
		var p pending
		var adjID *string
		var consentJSON []byte
		if err := rows.Scan(&p.entry.ID, &p.entry.CaptureID, &adjID, &p.entry.EnqueuedAt, &consentJSON); err != nil {
			rows.Close()
			return nil, 0, eris.Wrap(err, "postgres: scan export entry")
		}
		if adjID != nil {
			p.entry.AdjustmentID = *adjID
		}
		if err := json.Unmarshal(consentJSON, &p.consent); err != nil {
			rows.Close()
			return nil, 0, eris.Wrap(err, "postgres: unmarshal consent")
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, eris.Wrap(err, "postgres: iterate pending exports")
	}
	rows.Close()

	now := time.Now().UTC()
	var delivered []model.ExportEntry
	droppedCount := 0
	for _, p := range batch {
		if p.consent.TrainingShare {
			if _, err := tx.Exec(ctx,
				`UPDATE export_queue SET consumed_at = $1 WHERE id = $2`, now, p.entry.ID,
			); err != nil {
				return nil, 0, eris.Wrapf(err, "postgres: consume export %s", p.entry.ID)
			}
			consumed := now
			p.entry.ConsumedAt = &consumed
			delivered = append(delivered, p.entry)
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE export_queue SET consumed_at = $1, dropped = TRUE WHERE id = $2`, now, p.entry.ID,
		); err != nil {
			return nil, 0, eris.Wrapf(err, "postgres: drop export %s", p.entry.ID)
		}
		droppedCount++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: commit consume exports")
	}
	return delivered, droppedCount, nil
}

func (s *PostgresStore) PendingExports(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM export_queue WHERE consumed_at IS NULL AND dropped = FALSE`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending exports")
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.CaptureStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.CaptureStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.CaptureStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

func (s *PostgresStore) CountSnapshotReviews(ctx context.Context) (total, needsReview int, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE needs_review) FROM metric_snapshots`)
	if err := row.Scan(&total, &needsReview); err != nil {
		return 0, 0, eris.Wrap(err, "postgres: count snapshot reviews")
	}
	return total, needsReview, nil
}

// helpers

func scanCapturePg(row pgx.Row) (*model.Capture, error) {
	var c model.Capture
	var consentJSON, viewsJSON []byte
	var startedAt, completedAt *time.Time

	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.Source, &consentJSON, &viewsJSON,
		&c.FailReason, &c.CreatedAt, &c.UpdatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(resilience.ErrNotFound, "capture")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan capture")
	}

	if err := json.Unmarshal(consentJSON, &c.Consent); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal consent")
	}
	if err := json.Unmarshal(viewsJSON, &c.Views); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal views")
	}
	c.StartedAt = startedAt
	c.CompletedAt = completedAt
	return &c, nil
}

func scanAdjustmentPg(row pgx.Row) (*model.Adjustment, error) {
	var a model.Adjustment
	var changesJSON []byte
	var resolvedAt *time.Time

	err := row.Scan(&a.ID, &a.CaptureID, &a.AuthorID, &a.Role, &changesJSON, &a.Note,
		&a.State, &a.ApproverID, &resolvedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(resilience.ErrNotFound, "adjustment")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan adjustment")
	}

	if err := json.Unmarshal(changesJSON, &a.Changes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal changes")
	}
	a.ResolvedAt = resolvedAt
	return &a, nil
}
