// Package postgres implements showrun.Store using PostgreSQL. This is the
// production store: the queue claim relies on SELECT ... FOR UPDATE SKIP
// LOCKED, so any number of worker processes can poll the same table without
// serializing on each other or double-claiming a task.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool. Query logging and tracing belong
// to the pool's pgx configuration, not to this package.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/showrun/showrun"
)

// Store implements showrun.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ showrun.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			policy JSONB,
			feed_settings JSONB,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS candidates (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			platform_video_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			caption TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			metrics JSONB,
			virality_score DOUBLE PRECISION,
			status TEXT NOT NULL,
			meta JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(project_id, platform, platform_video_id)
		)`,
		`CREATE INDEX IF NOT EXISTS candidates_project_idx ON candidates(project_id, status)`,
		`CREATE INDEX IF NOT EXISTS candidates_signature_idx ON candidates(project_id, (meta->>'content_signature'))`,

		`CREATE TABLE IF NOT EXISTS presets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			steps JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS export_profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			fps INTEGER NOT NULL,
			video_codec TEXT NOT NULL,
			video_bitrate_kbps INTEGER NOT NULL,
			audio_bitrate_kbps INTEGER NOT NULL,
			safe_area JSONB,
			max_duration_sec INTEGER NOT NULL,
			recommended_duration_sec INTEGER NOT NULL,
			pixel_format TEXT NOT NULL DEFAULT '',
			extras JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS publish_tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			candidate_id TEXT NOT NULL,
			preset_id TEXT NOT NULL,
			destination TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			processing_started_at BIGINT NOT NULL DEFAULT 0,
			processing_finished_at BIGINT NOT NULL DEFAULT 0,
			paused_at BIGINT NOT NULL DEFAULT 0,
			canceled_at BIGINT NOT NULL DEFAULT 0,
			published_at BIGINT NOT NULL DEFAULT 0,
			last_metrics_at BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			publish_error TEXT NOT NULL DEFAULT '',
			pause_requested_at BIGINT NOT NULL DEFAULT 0,
			pause_reason TEXT NOT NULL DEFAULT '',
			cancel_requested_at BIGINT NOT NULL DEFAULT 0,
			cancel_reason TEXT NOT NULL DEFAULT '',
			moderation_step INTEGER,
			approved_steps JSONB,
			lease_id TEXT NOT NULL DEFAULT '',
			artifacts JSONB,
			dag_debug JSONB,
			last_metrics JSONB,
			published_external_id TEXT NOT NULL DEFAULT '',
			published_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS publish_tasks_queue_idx ON publish_tasks(status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS publish_tasks_pause_idx ON publish_tasks(status, pause_requested_at)`,
		`CREATE INDEX IF NOT EXISTS publish_tasks_cancel_idx ON publish_tasks(status, cancel_requested_at)`,
		`CREATE INDEX IF NOT EXISTS publish_tasks_published_idx ON publish_tasks(destination, published_at)`,

		`CREATE TABLE IF NOT EXISTS step_results (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			tool_id TEXT NOT NULL,
			step_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			input JSONB,
			params JSONB,
			output JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			retryable BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS step_results_task_idx ON step_results(task_id, step_index)`,
		// Step fence: at most one ok row per (task, step index). A worker that
		// lost its lease race trips this constraint and aborts its attempt.
		`CREATE UNIQUE INDEX IF NOT EXISTS step_results_ok_fence ON step_results(task_id, step_index) WHERE status = 'ok'`,

		`CREATE TABLE IF NOT EXISTS published_metrics (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			external_id TEXT NOT NULL,
			snapshot_at BIGINT NOT NULL,
			metrics JSONB NOT NULL,
			UNIQUE(platform, external_id, snapshot_at)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p showrun.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, policy, feed_settings, created_at)
		 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)`,
		p.ID, p.Name, rawOrNil(p.Policy), rawOrNil(p.FeedSettings), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (showrun.Project, error) {
	var p showrun.Project
	var policy, feed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, policy, feed_settings, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &policy, &feed, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return showrun.Project{}, fmt.Errorf("postgres: project %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.Project{}, fmt.Errorf("postgres: get project: %w", err)
	}
	if policy != nil {
		p.Policy = json.RawMessage(policy)
	}
	if feed != nil {
		p.FeedSettings = json.RawMessage(feed)
	}
	return p, nil
}

// --- Candidates ---

const candidateColumns = `id, project_id, platform, platform_video_id, url, title, caption, transcript,
	metrics, virality_score, status, meta, created_at, updated_at`

func scanCandidate(row pgx.Row) (showrun.Candidate, error) {
	var c showrun.Candidate
	var metrics, meta []byte
	var status string
	err := row.Scan(&c.ID, &c.ProjectID, &c.Platform, &c.PlatformVideoID, &c.URL, &c.Title, &c.Caption, &c.Transcript,
		&metrics, &c.ViralityScore, &status, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return showrun.Candidate{}, err
	}
	c.Status = showrun.CandidateStatus(status)
	if metrics != nil {
		_ = json.Unmarshal(metrics, &c.Metrics)
	}
	if meta != nil {
		_ = json.Unmarshal(meta, &c.Meta)
	}
	return c, nil
}

func (s *Store) CreateCandidate(ctx context.Context, c showrun.Candidate) error {
	if c.Status == "" {
		c.Status = showrun.CandidateNew
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidates (id, project_id, platform, platform_video_id, url, title, caption, transcript,
			metrics, virality_score, status, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12::jsonb, $13, $14)`,
		c.ID, c.ProjectID, c.Platform, c.PlatformVideoID, c.URL, c.Title, c.Caption, c.Transcript,
		jsonOrNil(c.Metrics), c.ViralityScore, string(c.Status), jsonMapOrNil(c.Meta), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create candidate: %w", err)
	}
	return nil
}

func (s *Store) GetCandidate(ctx context.Context, id string) (showrun.Candidate, error) {
	c, err := scanCandidate(s.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return showrun.Candidate{}, fmt.Errorf("postgres: candidate %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.Candidate{}, fmt.Errorf("postgres: get candidate: %w", err)
	}
	return c, nil
}

func (s *Store) ListCandidates(ctx context.Context, projectID string, status showrun.CandidateStatus, limit int) ([]showrun.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE project_id = $1`
	args := []any{projectID}
	p := 2
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, p)
		p++
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, p)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candidates: %w", err)
	}
	defer rows.Close()

	var out []showrun.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCandidateStatus enforces the monotonic candidate state machine.
func (s *Store) UpdateCandidateStatus(ctx context.Context, id string, to showrun.CandidateStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var from string
	err = tx.QueryRow(ctx, `SELECT status FROM candidates WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("postgres: candidate %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: load candidate status: %w", err)
	}
	if !showrun.ValidCandidateTransition(showrun.CandidateStatus(from), to) {
		return fmt.Errorf("postgres: candidate %s: invalid transition %s -> %s", id, from, to)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE candidates SET status = $1, updated_at = $2 WHERE id = $3`,
		string(to), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("postgres: update candidate status: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateCandidateMeta(ctx context.Context, id string, meta map[string]any) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE candidates SET meta = $1::jsonb, updated_at = $2 WHERE id = $3`,
		jsonMapOrNil(meta), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("postgres: update candidate meta: %w", err)
	}
	return nil
}

// FindCandidateBySignature looks for another candidate in the project with
// the same content signature and status APPROVED or USED.
func (s *Store) FindCandidateBySignature(ctx context.Context, projectID, signature, excludeID string) (showrun.Candidate, error) {
	c, err := scanCandidate(s.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates
		 WHERE project_id = $1 AND id != $2 AND status IN ('APPROVED', 'USED')
		   AND meta->>'content_signature' = $3
		 LIMIT 1`,
		projectID, excludeID, signature))
	if err == pgx.ErrNoRows {
		return showrun.Candidate{}, showrun.ErrNotFound
	}
	if err != nil {
		return showrun.Candidate{}, fmt.Errorf("postgres: find candidate by signature: %w", err)
	}
	return c, nil
}

// --- Presets and export profiles ---

func (s *Store) CreatePreset(ctx context.Context, p showrun.Preset) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("postgres: encode preset steps: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO presets (id, name, steps, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		p.ID, p.Name, string(steps), p.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create preset: %w", err)
	}
	return nil
}

func (s *Store) GetPreset(ctx context.Context, id string) (showrun.Preset, error) {
	var p showrun.Preset
	var steps []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, steps, created_at FROM presets WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &steps, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return showrun.Preset{}, fmt.Errorf("postgres: preset %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.Preset{}, fmt.Errorf("postgres: get preset: %w", err)
	}
	if err := json.Unmarshal(steps, &p.Steps); err != nil {
		return showrun.Preset{}, fmt.Errorf("postgres: decode preset steps: %w", err)
	}
	return p, nil
}

func (s *Store) CreateExportProfile(ctx context.Context, p showrun.ExportProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO export_profiles (id, name, width, height, fps, video_codec, video_bitrate_kbps,
			audio_bitrate_kbps, safe_area, max_duration_sec, recommended_duration_sec, pixel_format, extras)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13::jsonb)`,
		p.ID, p.Name, p.Width, p.Height, p.FPS, p.VideoCodec, p.VideoBitrateKbps,
		p.AudioBitrateKbps, jsonOrNil(p.SafeArea), p.MaxDurationSec, p.RecommendedDuration,
		p.PixelFormat, jsonMapOrNil(p.Extras))
	if err != nil {
		return fmt.Errorf("postgres: create export profile: %w", err)
	}
	return nil
}

func (s *Store) GetExportProfile(ctx context.Context, id string) (showrun.ExportProfile, error) {
	var p showrun.ExportProfile
	var safeArea, extras []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, width, height, fps, video_codec, video_bitrate_kbps, audio_bitrate_kbps,
			safe_area, max_duration_sec, recommended_duration_sec, pixel_format, extras
		 FROM export_profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Width, &p.Height, &p.FPS, &p.VideoCodec, &p.VideoBitrateKbps,
		&p.AudioBitrateKbps, &safeArea, &p.MaxDurationSec, &p.RecommendedDuration, &p.PixelFormat, &extras)
	if err == pgx.ErrNoRows {
		return showrun.ExportProfile{}, fmt.Errorf("postgres: export profile %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.ExportProfile{}, fmt.Errorf("postgres: get export profile: %w", err)
	}
	if safeArea != nil {
		_ = json.Unmarshal(safeArea, &p.SafeArea)
	}
	if extras != nil {
		_ = json.Unmarshal(extras, &p.Extras)
	}
	return p, nil
}

// --- Publish tasks ---

const taskColumns = `id, project_id, candidate_id, preset_id, destination, status, priority, attempt,
	created_at, processing_started_at, processing_finished_at, paused_at, canceled_at, published_at, last_metrics_at,
	error_message, publish_error,
	pause_requested_at, pause_reason, cancel_requested_at, cancel_reason,
	moderation_step, approved_steps, lease_id, artifacts, dag_debug, last_metrics,
	published_external_id, published_url`

func scanTask(row pgx.Row) (showrun.PublishTask, error) {
	var t showrun.PublishTask
	var status string
	var moderationStep *int
	var approvedSteps, artifacts, dagDebug, lastMetrics []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.CandidateID, &t.PresetID, &t.Destination, &status, &t.Priority, &t.Attempt,
		&t.CreatedAt, &t.ProcessingStartedAt, &t.ProcessingFinishedAt, &t.PausedAt, &t.CanceledAt, &t.PublishedAt, &t.LastMetricsAt,
		&t.ErrorMessage, &t.PublishError,
		&t.PauseRequestedAt, &t.PauseReason, &t.CancelRequestedAt, &t.CancelReason,
		&moderationStep, &approvedSteps, &t.LeaseID, &artifacts, &dagDebug, &lastMetrics,
		&t.PublishedExternalID, &t.PublishedURL)
	if err != nil {
		return showrun.PublishTask{}, err
	}
	t.Status = showrun.TaskStatus(status)
	t.ModerationStep = moderationStep
	if approvedSteps != nil {
		_ = json.Unmarshal(approvedSteps, &t.ApprovedSteps)
	}
	if artifacts != nil {
		_ = json.Unmarshal(artifacts, &t.Artifacts)
	}
	if dagDebug != nil {
		_ = json.Unmarshal(dagDebug, &t.DagDebug)
	}
	if lastMetrics != nil {
		t.LastMetrics = &showrun.MediaMetrics{}
		_ = json.Unmarshal(lastMetrics, t.LastMetrics)
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t showrun.PublishTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO publish_tasks (id, project_id, candidate_id, preset_id, destination, status, priority, attempt,
			created_at, moderation_step, approved_steps, artifacts, dag_debug)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13::jsonb)`,
		t.ID, t.ProjectID, t.CandidateID, t.PresetID, t.Destination, string(t.Status), t.Priority, t.Attempt,
		t.CreatedAt, t.ModerationStep, jsonIntsOrNil(t.ApprovedSteps), jsonOrNil(t.Artifacts), jsonMapOrNil(t.DagDebug))
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (showrun.PublishTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return showrun.PublishTask{}, fmt.Errorf("postgres: task %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f showrun.TaskFilter) ([]showrun.PublishTask, error) {
	query := `SELECT ` + taskColumns + ` FROM publish_tasks WHERE TRUE`
	var args []any
	p := 1
	if f.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, p)
		p++
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, p)
		p++
		args = append(args, string(f.Status))
	}
	if f.Destination != "" {
		query += fmt.Sprintf(` AND destination = $%d`, p)
		p++
		args = append(args, f.Destination)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, p)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimNextTask atomically claims the highest-priority queued task. SKIP
// LOCKED lets concurrent workers pass over rows another claim is holding
// instead of blocking on them.
func (s *Store) ClaimNextTask(ctx context.Context, leaseID string) (*showrun.PublishTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`WITH next AS (
			SELECT id FROM publish_tasks
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE publish_tasks t
		SET status = 'processing', lease_id = $1, processing_started_at = $2
		FROM next WHERE t.id = next.id
		RETURNING t.id, t.project_id, t.candidate_id, t.preset_id, t.destination, t.status, t.priority, t.attempt,
			t.created_at, t.processing_started_at, t.processing_finished_at, t.paused_at, t.canceled_at, t.published_at, t.last_metrics_at,
			t.error_message, t.publish_error,
			t.pause_requested_at, t.pause_reason, t.cancel_requested_at, t.cancel_reason,
			t.moderation_step, t.approved_steps, t.lease_id, t.artifacts, t.dag_debug, t.last_metrics,
			t.published_external_id, t.published_url`,
		leaseID, time.Now().Unix()))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim next task: %w", err)
	}
	return &t, nil
}

func (s *Store) RequeueTask(ctx context.Context, id string, attempt int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET status = 'queued', attempt = $1, lease_id = '', processing_started_at = 0
		 WHERE id = $2`, attempt, id)
	if err != nil {
		return fmt.Errorf("postgres: requeue task: %w", err)
	}
	return nil
}

func (s *Store) MarkTaskPublished(ctx context.Context, id, externalID, url string) error {
	now := time.Now().Unix()
	_, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET status = 'published', published_at = $1, processing_finished_at = $1,
			published_external_id = $2, published_url = $3, lease_id = ''
		 WHERE id = $4`, now, externalID, url, id)
	if err != nil {
		return fmt.Errorf("postgres: mark task published: %w", err)
	}
	return nil
}

func (s *Store) MarkTaskError(ctx context.Context, id, errorMessage, publishError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET status = 'error', processing_finished_at = $1,
			error_message = $2, publish_error = $3, lease_id = ''
		 WHERE id = $4`, time.Now().Unix(), errorMessage, publishError, id)
	if err != nil {
		return fmt.Errorf("postgres: mark task error: %w", err)
	}
	return nil
}

func (s *Store) MarkTaskPaused(ctx context.Context, id, reason string, moderationStep *int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET status = 'paused', paused_at = $1, pause_reason = $2, moderation_step = $3, lease_id = ''
		 WHERE id = $4`, time.Now().Unix(), reason, moderationStep, id)
	if err != nil {
		return fmt.Errorf("postgres: mark task paused: %w", err)
	}
	return nil
}

func (s *Store) MarkTaskCanceled(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	_, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET status = 'canceled', canceled_at = $1, cancel_reason = $2,
			processing_finished_at = $1, lease_id = ''
		 WHERE id = $3`, now, reason, id)
	if err != nil {
		return fmt.Errorf("postgres: mark task canceled: %w", err)
	}
	return nil
}

// --- Control requests ---

func (s *Store) SetPauseRequest(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET pause_requested_at = $1, pause_reason = $2
		 WHERE id = $3 AND status IN ('queued', 'processing')`,
		time.Now().Unix(), reason, id)
	if err != nil {
		return fmt.Errorf("postgres: set pause request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: task %s not pausable: %w", id, showrun.ErrNotFound)
	}
	return nil
}

func (s *Store) SetCancelRequest(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET cancel_requested_at = $1, cancel_reason = $2
		 WHERE id = $3 AND status IN ('queued', 'processing')`,
		time.Now().Unix(), reason, id)
	if err != nil {
		return fmt.Errorf("postgres: set cancel request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: task %s not cancelable: %w", id, showrun.ErrNotFound)
	}
	return nil
}

// ResumeTask puts a paused or errored task back on the queue with a fresh
// retry budget and cleared control flags.
func (s *Store) ResumeTask(ctx context.Context, id string) (showrun.PublishTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = $1 FOR UPDATE`, id))
	if err == pgx.ErrNoRows {
		return showrun.PublishTask{}, fmt.Errorf("postgres: task %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("postgres: load task: %w", err)
	}
	if !t.Status.Resumable() {
		return showrun.PublishTask{}, fmt.Errorf("postgres: task %s is %s, not resumable", id, t.Status)
	}

	row := tx.QueryRow(ctx,
		`UPDATE publish_tasks SET status = 'queued', attempt = 0,
			pause_requested_at = 0, pause_reason = '', paused_at = 0,
			moderation_step = NULL, lease_id = '', processing_started_at = 0
		 WHERE id = $1
		 RETURNING `+taskColumns, id)
	t, err = scanTask(row)
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("postgres: resume task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return showrun.PublishTask{}, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return t, nil
}

// ApproveModerationStep records approval for one step index and clears the
// moderation marker when the task was waiting on that exact step.
func (s *Store) ApproveModerationStep(ctx context.Context, id string, stepIndex int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var moderationStep *int
	var approvedJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT moderation_step, approved_steps FROM publish_tasks WHERE id = $1 FOR UPDATE`, id,
	).Scan(&moderationStep, &approvedJSON)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("postgres: task %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: load moderation state: %w", err)
	}

	var approved []int
	if approvedJSON != nil {
		_ = json.Unmarshal(approvedJSON, &approved)
	}
	found := false
	for _, i := range approved {
		if i == stepIndex {
			found = true
			break
		}
	}
	if !found {
		approved = append(approved, stepIndex)
	}
	data, _ := json.Marshal(approved)

	if moderationStep != nil && *moderationStep == stepIndex {
		_, err = tx.Exec(ctx,
			`UPDATE publish_tasks SET approved_steps = $1::jsonb, moderation_step = NULL WHERE id = $2`,
			string(data), id)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE publish_tasks SET approved_steps = $1::jsonb WHERE id = $2`,
			string(data), id)
	}
	if err != nil {
		return fmt.Errorf("postgres: approve moderation step: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Step results ---

const stepColumns = `id, task_id, step_index, attempt, tool_id, step_name, status,
	started_at, completed_at, input, params, output, error_message, retryable`

func scanStepResult(row pgx.Row) (showrun.StepResult, error) {
	var r showrun.StepResult
	var status string
	var input, params, output []byte
	err := row.Scan(&r.ID, &r.TaskID, &r.StepIndex, &r.Attempt, &r.ToolID, &r.StepName, &status,
		&r.StartedAt, &r.CompletedAt, &input, &params, &output, &r.ErrorMsg, &r.Retryable)
	if err != nil {
		return showrun.StepResult{}, err
	}
	r.Status = showrun.StepStatus(status)
	if input != nil {
		_ = json.Unmarshal(input, &r.Input)
	}
	if params != nil {
		_ = json.Unmarshal(params, &r.Params)
	}
	if output != nil {
		_ = json.Unmarshal(output, &r.Output)
	}
	return r, nil
}

func (s *Store) AppendStepResult(ctx context.Context, r showrun.StepResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO step_results (id, task_id, step_index, attempt, tool_id, step_name, status,
			started_at, completed_at, input, params, output, error_message, retryable)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14)`,
		r.ID, r.TaskID, r.StepIndex, r.Attempt, r.ToolID, r.StepName, string(r.Status),
		r.StartedAt, r.CompletedAt, jsonOrNil(r.Input), jsonMapOrNil(r.Params), jsonOrNil(r.Output),
		r.ErrorMsg, r.Retryable)
	if err != nil {
		return fmt.Errorf("postgres: append step result: %w", err)
	}
	return nil
}

// CompleteStep finalizes an interim step result to ok and persists the
// merged artifact map and DAG diagnostics in the same transaction. The
// partial unique index on ok rows is the fence: a unique violation means
// another worker already committed this step, and showrun.ErrStepFenced
// comes back.
func (s *Store) CompleteStep(ctx context.Context, r showrun.StepResult, artifacts showrun.ArtifactMap, dagDebug map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`UPDATE step_results SET status = 'ok', completed_at = $1, output = $2::jsonb, error_message = '' WHERE id = $3`,
		r.CompletedAt, jsonOrNil(r.Output), r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: step %d of task %s: %w", r.StepIndex, r.TaskID, showrun.ErrStepFenced)
		}
		return fmt.Errorf("postgres: finalize step result: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE publish_tasks SET artifacts = $1::jsonb, dag_debug = $2::jsonb WHERE id = $3`,
		jsonOrNil(artifacts), jsonMapOrNil(dagDebug), r.TaskID); err != nil {
		return fmt.Errorf("postgres: persist artifacts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: step %d of task %s: %w", r.StepIndex, r.TaskID, showrun.ErrStepFenced)
		}
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) FailStep(ctx context.Context, r showrun.StepResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE step_results SET status = $1, completed_at = $2, error_message = $3, retryable = $4 WHERE id = $5`,
		string(r.Status), r.CompletedAt, r.ErrorMsg, r.Retryable, r.ID)
	if err != nil {
		return fmt.Errorf("postgres: fail step: %w", err)
	}
	return nil
}

func (s *Store) ListStepResults(ctx context.Context, taskID string) ([]showrun.StepResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM step_results WHERE task_id = $1 ORDER BY started_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list step results: %w", err)
	}
	defer rows.Close()

	var out []showrun.StepResult
	for rows.Next() {
		r, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LastStepResultAt(ctx context.Context, taskID string) (int64, error) {
	var at *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(GREATEST(started_at, completed_at)) FROM step_results WHERE task_id = $1`, taskID,
	).Scan(&at)
	if err != nil {
		return 0, fmt.Errorf("postgres: last step result at: %w", err)
	}
	if at == nil {
		return 0, nil
	}
	return *at, nil
}

// --- Scans ---

func (s *Store) ListProcessingStartedBefore(ctx context.Context, cutoff int64) ([]showrun.PublishTask, error) {
	return s.listTasksWhere(ctx,
		`status = 'processing' AND processing_started_at > 0 AND processing_started_at < $1`, cutoff)
}

func (s *Store) ListQueuedBefore(ctx context.Context, cutoff int64) ([]showrun.PublishTask, error) {
	return s.listTasksWhere(ctx, `status = 'queued' AND created_at < $1`, cutoff)
}

func (s *Store) listTasksWhere(ctx context.Context, where string, args ...any) ([]showrun.PublishTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan tasks: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentPublishedTopics returns the topic signatures of the most recent
// published tasks on a destination, newest first. The signature rides on
// the candidate's meta document.
func (s *Store) RecentPublishedTopics(ctx context.Context, destination string, limit int, since int64) ([]showrun.PublishedTopic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, COALESCE(c.meta->>'topic_signature', ''), t.published_at
		 FROM publish_tasks t
		 JOIN candidates c ON c.id = t.candidate_id
		 WHERE t.status = 'published' AND t.destination = $1 AND t.published_at >= $2
		 ORDER BY t.published_at DESC
		 LIMIT $3`,
		destination, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent published topics: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishedTopic
	for rows.Next() {
		var t showrun.PublishedTopic
		if err := rows.Scan(&t.TaskID, &t.TopicSignature, &t.PublishedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan published topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Published metrics ---

func (s *Store) InsertPublishedMetric(ctx context.Context, m showrun.PublishedVideoMetric) error {
	metrics, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("postgres: encode metrics: %w", err)
	}
	// DO NOTHING keeps snapshot inserts idempotent per (platform, external, time).
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO published_metrics (id, task_id, platform, external_id, snapshot_at, metrics)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		 ON CONFLICT (platform, external_id, snapshot_at) DO NOTHING`,
		m.ID, m.TaskID, m.Platform, m.ExternalID, m.SnapshotAt, string(metrics)); err != nil {
		return fmt.Errorf("postgres: insert published metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetricsDue(ctx context.Context, lastBefore int64, limit int) ([]showrun.PublishTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks
		 WHERE status = 'published' AND last_metrics_at < $1 AND published_external_id != ''
		 ORDER BY last_metrics_at ASC, published_at ASC
		 LIMIT $2`, lastBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list metrics due: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskMetrics(ctx context.Context, id string, m showrun.MediaMetrics, at int64) error {
	metrics, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: encode metrics: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE publish_tasks SET last_metrics = $1::jsonb, last_metrics_at = $2 WHERE id = $3`,
		string(metrics), at, id); err != nil {
		return fmt.Errorf("postgres: update task metrics: %w", err)
	}
	return nil
}

// --- Lifecycle ---

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &showrun.ErrUnavailable{Store: "postgres", Err: err}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// --- Helpers ---

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func rawOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	v := string(raw)
	return &v
}

// jsonOrNil marshals v unless it is empty, returning NULL for empties so
// the column stays clean.
func jsonOrNil(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case showrun.ArtifactMap:
		if len(t) == 0 {
			return nil
		}
	case showrun.MediaMetrics:
		if t == (showrun.MediaMetrics{}) {
			return nil
		}
	case showrun.Rect:
		if t == (showrun.Rect{}) {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func jsonMapOrNil(m map[string]any) *string {
	if len(m) == 0 {
		return nil
	}
	data, _ := json.Marshal(m)
	s := string(data)
	return &s
}

func jsonIntsOrNil(v []int) *string {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	s := string(data)
	return &s
}
