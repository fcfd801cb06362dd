package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS captures (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	source       TEXT NOT NULL,
	consent      TEXT NOT NULL,
	views        TEXT NOT NULL,
	fail_reason  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at   DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS stage_results (
	id          TEXT PRIMARY KEY,
	capture_id  TEXT NOT NULL REFERENCES captures(id),
	stage       TEXT NOT NULL,
	payload     TEXT,
	confidence  REAL NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	soft_failed INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	terminal    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(capture_id, stage)
);

CREATE TABLE IF NOT EXISTS metric_snapshots (
	id             TEXT PRIMARY KEY,
	capture_id     TEXT NOT NULL UNIQUE REFERENCES captures(id),
	metrics        TEXT NOT NULL,
	confidences    TEXT NOT NULL,
	aggregate      REAL NOT NULL,
	needs_review   INTEGER NOT NULL DEFAULT 0,
	degraded       INTEGER NOT NULL DEFAULT 0,
	skin           TEXT,
	model_versions TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS adjustments (
	id          TEXT PRIMARY KEY,
	capture_id  TEXT NOT NULL REFERENCES captures(id),
	author_id   TEXT NOT NULL,
	role        TEXT NOT NULL,
	changes     TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT 'pending',
	approver_id TEXT NOT NULL DEFAULT '',
	resolved_at DATETIME,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_jobs (
	id            TEXT PRIMARY KEY,
	capture_id    TEXT NOT NULL,
	attempt_token TEXT NOT NULL,
	deliveries    INTEGER NOT NULL DEFAULT 0,
	enqueued_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	available_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	acked         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS export_queue (
	id            TEXT PRIMARY KEY,
	capture_id    TEXT NOT NULL REFERENCES captures(id),
	adjustment_id TEXT,
	enqueued_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	consumed_at   DATETIME,
	dropped       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);
CREATE INDEX IF NOT EXISTS idx_captures_user_id ON captures(user_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_capture_id ON stage_results(capture_id);
CREATE INDEX IF NOT EXISTS idx_adjustments_capture_id ON adjustments(capture_id, created_at);
CREATE INDEX IF NOT EXISTS idx_run_jobs_available ON run_jobs(acked, available_at);
CREATE INDEX IF NOT EXISTS idx_export_queue_pending ON export_queue(consumed_at, enqueued_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCapture(ctx context.Context, c *model.Capture) error {
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
		return eris.Wrap(err, "sqlite: marshal consent")
	}
	viewsJSON, err := json.Marshal(c.Views)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal views")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO captures (id, user_id, status, source, consent, views, fail_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		c.ID, c.UserID, string(c.Status), string(c.Source), string(consentJSON), string(viewsJSON), now, now,
	)
	return eris.Wrap(err, "sqlite: insert capture")
}

func (s *SQLiteStore) GetCapture(ctx context.Context, id string) (*model.Capture, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, source, consent, views, fail_reason, created_at, updated_at, started_at, completed_at
		 FROM captures WHERE id = ?`,
		id,
	)
	return scanCapture(row)
}

func (s *SQLiteStore) ListCaptures(ctx context.Context, filter CaptureFilter) ([]model.Capture, error) {
	query := `SELECT id, user_id, status, source, consent, views, fail_reason, created_at, updated_at, started_at, completed_at
	          FROM captures WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list captures")
	}
	defer rows.Close()

	var captures []model.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		captures = append(captures, *c)
	}
	return captures, eris.Wrap(rows.Err(), "sqlite: list captures iterate")
}

func (s *SQLiteStore) ClaimCapture(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE captures SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.CaptureStatusRunning), now, now, id,
		string(model.CaptureStatusQueued), string(model.CaptureStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim capture %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetCapture(ctx, id); err != nil {
			return err
		}
		return resilience.ErrAlreadyRunning
	}
	return nil
}

func (s *SQLiteStore) SetCaptureStatus(ctx context.Context, id string, status model.CaptureStatus, failReason string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE captures SET status = ?, fail_reason = ?, completed_at = COALESCE(completed_at, ?), updated_at = ? WHERE id = ?`,
			string(status), failReason, now, now, id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE captures SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
			string(status), failReason, now, id,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: set capture status %s", id)
	}
	return checkRowsAffected(res, "capture", id)
}

func (s *SQLiteStore) TouchCapture(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE captures SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch capture %s", id)
	}
	return checkRowsAffected(res, "capture", id)
}

func (s *SQLiteStore) UpdateConsent(ctx context.Context, id string, consent model.Consent) error {
	consentJSON, err := json.Marshal(consent)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal consent")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE captures SET consent = ?, updated_at = ? WHERE id = ?`,
		string(consentJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update consent %s", id)
	}
	return checkRowsAffected(res, "capture", id)
}

func (s *SQLiteStore) SaveStageResult(ctx context.Context, r *model.StageResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var payloadJSON sql.NullString
	if r.Payload != nil {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage payload")
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	// A failed-attempt row must not block the terminal result a later
	// delivery produces; only terminal rows are frozen.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (id, capture_id, stage, payload, confidence, retry_count, skipped, soft_failed, failed, terminal, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(capture_id, stage) DO UPDATE SET
			payload = excluded.payload,
			confidence = excluded.confidence,
			retry_count = excluded.retry_count,
			skipped = excluded.skipped,
			soft_failed = excluded.soft_failed,
			failed = excluded.failed,
			terminal = excluded.terminal,
			error = excluded.error,
			created_at = excluded.created_at
		 WHERE stage_results.terminal = 0`,
		r.ID, r.CaptureID, string(r.Stage), payloadJSON, r.Confidence, r.RetryCount,
		boolInt(r.Skipped), boolInt(r.SoftFailed), boolInt(r.Failed), boolInt(r.Terminal), r.Error, r.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save stage result %s/%s", r.CaptureID, r.Stage)
}

func (s *SQLiteStore) ListStageResults(ctx context.Context, captureID string) ([]model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capture_id, stage, payload, confidence, retry_count, skipped, soft_failed, failed, terminal, error, created_at
		 FROM stage_results WHERE capture_id = ? ORDER BY created_at, id`,
		captureID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage results")
	}
	defer rows.Close()

	var results []model.StageResult
	for rows.Next() {
		var r model.StageResult
		var payloadJSON sql.NullString
		var skipped, softFailed, failed, terminal int
		err := rows.Scan(&r.ID, &r.CaptureID, &r.Stage, &payloadJSON, &r.Confidence, &r.RetryCount,
			&skipped, &softFailed, &failed, &terminal, &r.Error, &r.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage result")
		}
		r.Skipped = skipped != 0
		r.SoftFailed = softFailed != 0
		r.Failed = failed != 0
		r.Terminal = terminal != 0
		if payloadJSON.Valid {
			r.Payload = &model.StagePayload{}
			if err := json.Unmarshal([]byte(payloadJSON.String), r.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage payload")
			}
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list stage results iterate")
}

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *model.MetricSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}
	confJSON, err := json.Marshal(snap.Confidences)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal confidences")
	}
	versionsJSON, err := json.Marshal(snap.ModelVersions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal model versions")
	}
	var skinJSON sql.NullString
	if snap.Skin != nil {
		b, err := json.Marshal(snap.Skin)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal skin")
		}
		skinJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metric_snapshots (id, capture_id, metrics, confidences, aggregate, needs_review, degraded, skin, model_versions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(capture_id) DO NOTHING`,
		snap.ID, snap.CaptureID, string(metricsJSON), string(confJSON), snap.Aggregate,
		boolInt(snap.NeedsReview), boolInt(snap.Degraded), skinJSON, string(versionsJSON), snap.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert snapshot for %s", snap.CaptureID)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, captureID string) (*model.MetricSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capture_id, metrics, confidences, aggregate, needs_review, degraded, skin, model_versions, created_at
		 FROM metric_snapshots WHERE capture_id = ?`,
		captureID,
	)

	var snap model.MetricSnapshot
	var metricsJSON, confJSON, versionsJSON string
	var skinJSON sql.NullString
	var needsReview, degraded int
	err := row.Scan(&snap.ID, &snap.CaptureID, &metricsJSON, &confJSON, &snap.Aggregate,
		&needsReview, &degraded, &skinJSON, &versionsJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, resilience.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get snapshot")
	}
	snap.NeedsReview = needsReview != 0
	snap.Degraded = degraded != 0
	if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal metrics")
	}
	if err := json.Unmarshal([]byte(confJSON), &snap.Confidences); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal confidences")
	}
	if err := json.Unmarshal([]byte(versionsJSON), &snap.ModelVersions); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal model versions")
	}
	if skinJSON.Valid {
		snap.Skin = &model.SkinPayload{}
		if err := json.Unmarshal([]byte(skinJSON.String), snap.Skin); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal skin")
		}
	}
	return &snap, nil
}

func (s *SQLiteStore) CreateAdjustment(ctx context.Context, adj *model.Adjustment) error {
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
		return eris.Wrap(err, "sqlite: marshal changes")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO adjustments (id, capture_id, author_id, role, changes, note, state, approver_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.CaptureID, adj.AuthorID, string(adj.Role), string(changesJSON), adj.Note,
		string(adj.State), adj.ApproverID, adj.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert adjustment for %s", adj.CaptureID)
}

func (s *SQLiteStore) GetAdjustment(ctx context.Context, id string) (*model.Adjustment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at
		 FROM adjustments WHERE id = ?`,
		id,
	)
	return scanAdjustment(row)
}

func (s *SQLiteStore) ListAdjustments(ctx context.Context, captureID string) ([]model.Adjustment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at
		 FROM adjustments WHERE capture_id = ? ORDER BY created_at, id`,
		captureID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list adjustments")
	}
	defer rows.Close()

	var adjs []model.Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjs = append(adjs, *a)
	}
	return adjs, eris.Wrap(rows.Err(), "sqlite: list adjustments iterate")
}

func (s *SQLiteStore) ListAdjustmentsPage(ctx context.Context, captureID string, after AdjustmentCursor, limit int) ([]model.Adjustment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capture_id, author_id, role, changes, note, state, approver_id, resolved_at, created_at
		 FROM adjustments WHERE capture_id = ? AND (created_at, id) > (?, ?)
		 ORDER BY created_at, id LIMIT ?`,
		captureID, after.CreatedAt.UTC(), after.ID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: page adjustments")
	}
	defer rows.Close()

	var adjs []model.Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjs = append(adjs, *a)
	}
	return adjs, eris.Wrap(rows.Err(), "sqlite: page adjustments iterate")
}

func (s *SQLiteStore) ResolveAdjustment(ctx context.Context, id, approverID string, approve bool) (*model.Adjustment, error) {
	state := model.ApprovalRejected
	if approve {
		state = model.ApprovalApproved
	}
	now := time.Now().UTC()

	// The state guard in the WHERE clause makes concurrent resolutions race
	// safely: exactly one wins, the rest see ErrAlreadyResolved.
	res, err := s.db.ExecContext(ctx,
		`UPDATE adjustments SET state = ?, approver_id = ?, resolved_at = ? WHERE id = ? AND state = ?`,
		string(state), approverID, now, id, string(model.ApprovalPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: resolve adjustment %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
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

func (s *SQLiteStore) EnqueueRun(ctx context.Context, job *model.RunJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_jobs (id, capture_id, attempt_token, deliveries, enqueued_at, available_at, acked)
		 VALUES (?, ?, ?, 0, ?, ?, 0)`,
		job.ID, job.CaptureID, job.AttemptToken, job.EnqueuedAt, job.EnqueuedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue run for %s", job.CaptureID)
}

func (s *SQLiteStore) DequeueRun(ctx context.Context, visibility time.Duration) (*model.RunJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin dequeue")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var job model.RunJob
	err = tx.QueryRowContext(ctx,
		`SELECT id, capture_id, attempt_token, deliveries, enqueued_at FROM run_jobs
		 WHERE acked = 0 AND available_at <= ? ORDER BY enqueued_at, id LIMIT 1`,
		now,
	).Scan(&job.ID, &job.CaptureID, &job.AttemptToken, &job.Deliveries, &job.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue run")
	}

	// Hide the job for the visibility window; if the worker dies before ack,
	// the job reappears and gets redelivered.
	_, err = tx.ExecContext(ctx,
		`UPDATE run_jobs SET deliveries = deliveries + 1, available_at = ? WHERE id = ?`,
		now.Add(visibility), job.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark run delivered %s", job.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit dequeue")
	}
	job.Deliveries++
	return &job, nil
}

func (s *SQLiteStore) AckRun(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE run_jobs SET acked = 1 WHERE id = ?`, jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: ack run %s", jobID)
	}
	return checkRowsAffected(res, "run job", jobID)
}

func (s *SQLiteStore) EnqueueExport(ctx context.Context, entry *model.ExportEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	var adjID sql.NullString
	if entry.AdjustmentID != "" {
		adjID = sql.NullString{String: entry.AdjustmentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_queue (id, capture_id, adjustment_id, enqueued_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.CaptureID, adjID, entry.EnqueuedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue export for %s", entry.CaptureID)
}

func (s *SQLiteStore) ConsumeExports(ctx context.Context, limit int) ([]model.ExportEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: begin consume exports")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT e.id, e.capture_id, e.adjustment_id, e.enqueued_at, c.consent
		 FROM export_queue e JOIN captures c ON c.id = e.capture_id
		 WHERE e.consumed_at IS NULL AND e.dropped = 0
		 ORDER BY e.enqueued_at, e.id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: select pending exports")
	}

	type pending struct {
		entry   model.ExportEntry
		consent model.Consent
	}
	var batch []pending
	for rows.Next() {
		var p pending
		var adjID sql.NullString
		var consentJSON string
		if err := rows.Scan(&p.entry.ID, &p.entry.CaptureID, &adjID, &p.entry.EnqueuedAt, &consentJSON); err != nil {
			rows.Close()
			return nil, 0, eris.Wrap(err, "sqlite: scan export entry")
		}
		p.entry.AdjustmentID = adjID.String
		if err := json.Unmarshal([]byte(consentJSON), &p.consent); err != nil {
			rows.Close()
			return nil, 0, eris.Wrap(err, "sqlite: unmarshal consent")
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, eris.Wrap(err, "sqlite: iterate pending exports")
	}
	rows.Close()

	now := time.Now().UTC()
	var delivered []model.ExportEntry
	droppedCount := 0
	for _, p := range batch {
		if p.consent.TrainingShare {
			if _, err := tx.ExecContext(ctx,
				`UPDATE export_queue SET consumed_at = ? WHERE id = ?`, now, p.entry.ID,
			); err != nil {
				return nil, 0, eris.Wrapf(err, "sqlite: consume export %s", p.entry.ID)
			}
			consumed := now
			p.entry.ConsumedAt = &consumed
			delivered = append(delivered, p.entry)
			continue
		}
		// Consent revoked between enqueue and consumption: drop, never deliver.
		if _, err := tx.ExecContext(ctx,
			`UPDATE export_queue SET consumed_at = ?, dropped = 1 WHERE id = ?`, now, p.entry.ID,
		); err != nil {
			return nil, 0, eris.Wrapf(err, "sqlite: drop export %s", p.entry.ID)
		}
		droppedCount++
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: commit consume exports")
	}
	return delivered, droppedCount, nil
}

func (s *SQLiteStore) PendingExports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM export_queue WHERE consumed_at IS NULL AND dropped = 0`,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending exports")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.CaptureStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.CaptureStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.CaptureStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

func (s *SQLiteStore) CountSnapshotReviews(ctx context.Context) (total, needsReview int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(needs_review), 0) FROM metric_snapshots`)
	if err := row.Scan(&total, &needsReview); err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: count snapshot reviews")
	}
	return total, needsReview, nil
}

// helpers

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCapture(row scannable) (*model.Capture, error) {
	var c model.Capture
	var consentJSON, viewsJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.Source, &consentJSON, &viewsJSON,
		&c.FailReason, &c.CreatedAt, &c.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, resilience.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan capture")
	}

	if err := json.Unmarshal([]byte(consentJSON), &c.Consent); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal consent")
	}
	if err := json.Unmarshal([]byte(viewsJSON), &c.Views); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal views")
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

func scanAdjustment(row scannable) (*model.Adjustment, error) {
	var a model.Adjustment
	var changesJSON string
	var resolvedAt sql.NullTime

	err := row.Scan(&a.ID, &a.CaptureID, &a.AuthorID, &a.Role, &changesJSON, &a.Note,
		&a.State, &a.ApproverID, &resolvedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, resilience.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan adjustment")
	}

	if err := json.Unmarshal([]byte(changesJSON), &a.Changes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal changes")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
