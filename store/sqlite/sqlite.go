// Package sqlite implements showrun.Store using pure-Go SQLite. Zero CGO
// required. Suited to single-process deployments and tests; the claim
// queries serialize through one connection instead of row locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/showrun/showrun"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements showrun.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ showrun.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections. This
// also makes the queue claim atomic without row locks.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, _ = s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
	_, _ = s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			policy TEXT,
			feed_settings TEXT,
			created_at INTEGER NOT NULL
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
			metrics TEXT,
			virality_score REAL,
			status TEXT NOT NULL,
			meta TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(project_id, platform, platform_video_id)
		)`,
		`CREATE TABLE IF NOT EXISTS presets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			steps TEXT NOT NULL,
			created_at INTEGER NOT NULL
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
			safe_area TEXT,
			max_duration_sec INTEGER NOT NULL,
			recommended_duration_sec INTEGER NOT NULL,
			pixel_format TEXT NOT NULL DEFAULT '',
			extras TEXT
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
			created_at INTEGER NOT NULL,
			processing_started_at INTEGER NOT NULL DEFAULT 0,
			processing_finished_at INTEGER NOT NULL DEFAULT 0,
			paused_at INTEGER NOT NULL DEFAULT 0,
			canceled_at INTEGER NOT NULL DEFAULT 0,
			published_at INTEGER NOT NULL DEFAULT 0,
			last_metrics_at INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			publish_error TEXT NOT NULL DEFAULT '',
			pause_requested_at INTEGER NOT NULL DEFAULT 0,
			pause_reason TEXT NOT NULL DEFAULT '',
			cancel_requested_at INTEGER NOT NULL DEFAULT 0,
			cancel_reason TEXT NOT NULL DEFAULT '',
			moderation_step INTEGER,
			approved_steps TEXT,
			lease_id TEXT NOT NULL DEFAULT '',
			artifacts TEXT,
			dag_debug TEXT,
			last_metrics TEXT,
			published_external_id TEXT NOT NULL DEFAULT '',
			published_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			tool_id TEXT NOT NULL,
			step_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			input TEXT,
			params TEXT,
			output TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			retryable INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS published_metrics (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			external_id TEXT NOT NULL,
			snapshot_at INTEGER NOT NULL,
			metrics TEXT NOT NULL,
			UNIQUE(platform, external_id, snapshot_at)
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_queue ON publish_tasks(status, priority DESC, created_at ASC)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_pause ON publish_tasks(status, pause_requested_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_cancel ON publish_tasks(status, cancel_requested_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_published ON publish_tasks(destination, published_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_steps_task ON step_results(task_id, step_index)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_candidates_project ON candidates(project_id, status)`)

	// Step fence: at most one ok row per (task, step index). A second worker
	// finalizing the same index trips this and aborts its attempt.
	if _, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_fence ON step_results(task_id, step_index) WHERE status = 'ok'`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p showrun.Project) error {
	start := time.Now()
	s.logger.Debug("sqlite: create project", "id", p.ID, "name", p.Name)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, policy, feed_settings, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, rawOrNil(p.Policy), rawOrNil(p.FeedSettings), p.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create project failed", "id", p.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create project: %w", err)
	}
	s.logger.Debug("sqlite: create project ok", "id", p.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (showrun.Project, error) {
	var p showrun.Project
	var policy, feed sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, policy, feed_settings, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &policy, &feed, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return showrun.Project{}, fmt.Errorf("get project %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.Project{}, fmt.Errorf("get project: %w", err)
	}
	if policy.Valid {
		p.Policy = json.RawMessage(policy.String)
	}
	if feed.Valid {
		p.FeedSettings = json.RawMessage(feed.String)
	}
	return p, nil
}

// --- Candidates ---

func (s *Store) CreateCandidate(ctx context.Context, c showrun.Candidate) error {
	start := time.Now()
	s.logger.Debug("sqlite: create candidate", "id", c.ID, "project_id", c.ProjectID, "platform", c.Platform)

	if c.Status == "" {
		c.Status = showrun.CandidateNew
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, project_id, platform, platform_video_id, url, title, caption, transcript,
			metrics, virality_score, status, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Platform, c.PlatformVideoID, c.URL, c.Title, c.Caption, c.Transcript,
		jsonOrNil(c.Metrics), c.ViralityScore, string(c.Status), jsonMapOrNil(c.Meta), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create candidate failed", "id", c.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create candidate: %w", err)
	}
	s.logger.Debug("sqlite: create candidate ok", "id", c.ID, "duration", time.Since(start))
	return nil
}

const candidateColumns = `id, project_id, platform, platform_video_id, url, title, caption, transcript,
	metrics, virality_score, status, meta, created_at, updated_at`

func scanCandidate(row rowScanner) (showrun.Candidate, error) {
	var c showrun.Candidate
	var metrics, meta sql.NullString
	var status string
	err := row.Scan(&c.ID, &c.ProjectID, &c.Platform, &c.PlatformVideoID, &c.URL, &c.Title, &c.Caption, &c.Transcript,
		&metrics, &c.ViralityScore, &status, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return showrun.Candidate{}, err
	}
	c.Status = showrun.CandidateStatus(status)
	if metrics.Valid {
		_ = json.Unmarshal([]byte(metrics.String), &c.Metrics)
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &c.Meta)
	}
	return c, nil
}

func (s *Store) GetCandidate(ctx context.Context, id string) (showrun.Candidate, error) {
	c, err := scanCandidate(s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return showrun.Candidate{}, fmt.Errorf("get candidate %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.Candidate{}, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

func (s *Store) ListCandidates(ctx context.Context, projectID string, status showrun.CandidateStatus, limit int) ([]showrun.Candidate, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list candidates", "project_id", projectID, "status", status, "limit", limit)

	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list candidates failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []showrun.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	s.logger.Debug("sqlite: list candidates ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// UpdateCandidateStatus enforces the monotonic candidate state machine.
func (s *Store) UpdateCandidateStatus(ctx context.Context, id string, to showrun.CandidateStatus) error {
	start := time.Now()
	s.logger.Debug("sqlite: update candidate status", "id", id, "to", to)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM candidates WHERE id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return fmt.Errorf("candidate %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load candidate status: %w", err)
	}
	if !showrun.ValidCandidateTransition(showrun.CandidateStatus(from), to) {
		return fmt.Errorf("candidate %s: invalid transition %s -> %s", id, from, to)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE candidates SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("update candidate status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: update candidate status commit failed", "id", id, "error", err)
		return err
	}
	s.logger.Debug("sqlite: update candidate status ok", "id", id, "from", from, "to", to, "duration", time.Since(start))
	return nil
}

func (s *Store) UpdateCandidateMeta(ctx context.Context, id string, meta map[string]any) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET meta = ?, updated_at = ? WHERE id = ?`,
		jsonMapOrNil(meta), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update candidate meta: %w", err)
	}
	return nil
}

// FindCandidateBySignature looks for another candidate in the project with
// the same content signature and status APPROVED or USED.
func (s *Store) FindCandidateBySignature(ctx context.Context, projectID, signature, excludeID string) (showrun.Candidate, error) {
	start := time.Now()
	s.logger.Debug("sqlite: find candidate by signature", "project_id", projectID, "exclude", excludeID)

	c, err := scanCandidate(s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidates
		 WHERE project_id = ? AND id != ? AND status IN ('APPROVED', 'USED')
		   AND json_extract(meta, '$.content_signature') = ?
		 LIMIT 1`,
		projectID, excludeID, signature))
	if err == sql.ErrNoRows {
		return showrun.Candidate{}, showrun.ErrNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: find candidate by signature failed", "error", err, "duration", time.Since(start))
		return showrun.Candidate{}, fmt.Errorf("find candidate by signature: %w", err)
	}
	s.logger.Debug("sqlite: find candidate by signature ok", "match", c.ID, "duration", time.Since(start))
	return c, nil
}

// --- Presets and export profiles ---

func (s *Store) CreatePreset(ctx context.Context, p showrun.Preset) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode preset steps: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO presets (id, name, steps, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, string(steps), p.CreatedAt); err != nil {
		return fmt.Errorf("create preset: %w", err)
	}
	return nil
}

func (s *Store) GetPreset(ctx context.Context, id string) (showrun.Preset, error) {
	var p showrun.Preset
	var steps string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, created_at FROM presets WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &steps, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return showrun.Preset{}, fmt.Errorf("get preset %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.Preset{}, fmt.Errorf("get preset: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return showrun.Preset{}, fmt.Errorf("decode preset steps: %w", err)
	}
	return p, nil
}

func (s *Store) CreateExportProfile(ctx context.Context, p showrun.ExportProfile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_profiles (id, name, width, height, fps, video_codec, video_bitrate_kbps,
			audio_bitrate_kbps, safe_area, max_duration_sec, recommended_duration_sec, pixel_format, extras)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Width, p.Height, p.FPS, p.VideoCodec, p.VideoBitrateKbps,
		p.AudioBitrateKbps, jsonOrNil(p.SafeArea), p.MaxDurationSec, p.RecommendedDuration, p.PixelFormat, jsonMapOrNil(p.Extras))
	if err != nil {
		return fmt.Errorf("create export profile: %w", err)
	}
	return nil
}

func (s *Store) GetExportProfile(ctx context.Context, id string) (showrun.ExportProfile, error) {
	var p showrun.ExportProfile
	var safeArea, extras sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, width, height, fps, video_codec, video_bitrate_kbps, audio_bitrate_kbps,
			safe_area, max_duration_sec, recommended_duration_sec, pixel_format, extras
		 FROM export_profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Width, &p.Height, &p.FPS, &p.VideoCodec, &p.VideoBitrateKbps,
		&p.AudioBitrateKbps, &safeArea, &p.MaxDurationSec, &p.RecommendedDuration, &p.PixelFormat, &extras)
	if err == sql.ErrNoRows {
		return showrun.ExportProfile{}, fmt.Errorf("get export profile %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.ExportProfile{}, fmt.Errorf("get export profile: %w", err)
	}
	if safeArea.Valid {
		_ = json.Unmarshal([]byte(safeArea.String), &p.SafeArea)
	}
	if extras.Valid {
		_ = json.Unmarshal([]byte(extras.String), &p.Extras)
	}
	return p, nil
}

// --- Tasks ---

const taskColumns = `id, project_id, candidate_id, preset_id, destination, status, priority, attempt,
	created_at, processing_started_at, processing_finished_at, paused_at, canceled_at, published_at, last_metrics_at,
	error_message, publish_error,
	pause_requested_at, pause_reason, cancel_requested_at, cancel_reason,
	moderation_step, approved_steps, lease_id, artifacts, dag_debug, last_metrics,
	published_external_id, published_url`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (showrun.PublishTask, error) {
	var t showrun.PublishTask
	var status string
	var moderationStep sql.NullInt64
	var approvedSteps, artifacts, dagDebug, lastMetrics sql.NullString
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
	if moderationStep.Valid {
		v := int(moderationStep.Int64)
		t.ModerationStep = &v
	}
	if approvedSteps.Valid {
		_ = json.Unmarshal([]byte(approvedSteps.String), &t.ApprovedSteps)
	}
	if artifacts.Valid {
		_ = json.Unmarshal([]byte(artifacts.String), &t.Artifacts)
	}
	if dagDebug.Valid {
		_ = json.Unmarshal([]byte(dagDebug.String), &t.DagDebug)
	}
	if lastMetrics.Valid {
		t.LastMetrics = &showrun.MediaMetrics{}
		_ = json.Unmarshal([]byte(lastMetrics.String), t.LastMetrics)
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t showrun.PublishTask) error {
	start := time.Now()
	s.logger.Debug("sqlite: create task", "id", t.ID, "candidate_id", t.CandidateID, "preset_id", t.PresetID, "priority", t.Priority)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_tasks (id, project_id, candidate_id, preset_id, destination, status, priority, attempt,
			created_at, moderation_step, approved_steps, artifacts, dag_debug)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.CandidateID, t.PresetID, t.Destination, string(t.Status), t.Priority, t.Attempt,
		t.CreatedAt, t.ModerationStep, jsonOrNilSlice(t.ApprovedSteps), jsonOrNil(t.Artifacts), jsonMapOrNil(t.DagDebug))
	if err != nil {
		s.logger.Error("sqlite: create task failed", "id", t.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create task: %w", err)
	}
	s.logger.Debug("sqlite: create task ok", "id", t.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (showrun.PublishTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return showrun.PublishTask{}, fmt.Errorf("get task %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f showrun.TaskFilter) ([]showrun.PublishTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list tasks", "project_id", f.ProjectID, "status", f.Status, "destination", f.Destination, "limit", f.Limit)

	query := `SELECT ` + taskColumns + ` FROM publish_tasks WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Destination != "" {
		query += ` AND destination = ?`
		args = append(args, f.Destination)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list tasks failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	s.logger.Debug("sqlite: list tasks ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// ClaimNextTask atomically claims the highest-priority queued task. All
// access serializes through the single connection, so the select-then-update
// pair inside one transaction cannot interleave with another claim.
func (s *Store) ClaimNextTask(ctx context.Context, leaseID string) (*showrun.PublishTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: claim next task", "lease_id", leaseID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM publish_tasks WHERE status = 'queued'
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued task: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'processing', lease_id = ?, processing_started_at = ?
		 WHERE id = ? AND status = 'queued'`,
		leaseID, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load claimed task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: claim commit failed", "id", id, "error", err)
		return nil, err
	}
	s.logger.Debug("sqlite: claim next task ok", "id", id, "priority", t.Priority, "duration", time.Since(start))
	return &t, nil
}

func (s *Store) RequeueTask(ctx context.Context, id string, attempt int) error {
	start := time.Now()
	s.logger.Debug("sqlite: requeue task", "id", id, "attempt", attempt)

	_, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'queued', attempt = ?, lease_id = '', processing_started_at = 0
		 WHERE id = ?`, attempt, id)
	if err != nil {
		s.logger.Error("sqlite: requeue task failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("requeue task: %w", err)
	}
	s.logger.Debug("sqlite: requeue task ok", "id", id, "duration", time.Since(start))
	return nil
}

func (s *Store) MarkTaskPublished(ctx context.Context, id, externalID, url string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'published', published_at = ?, processing_finished_at = ?,
			published_external_id = ?, published_url = ?, lease_id = ''
		 WHERE id = ?`, now, now, externalID, url, id)
	if err != nil {
		return fmt.Errorf("mark task published: %w", err)
	}
	s.logger.Debug("sqlite: task published", "id", id, "url", url)
	return nil
}

func (s *Store) MarkTaskError(ctx context.Context, id, errorMessage, publishError string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'error', processing_finished_at = ?,
			error_message = ?, publish_error = ?, lease_id = ''
		 WHERE id = ?`, now, errorMessage, publishError, id)
	if err != nil {
		return fmt.Errorf("mark task error: %w", err)
	}
	s.logger.Debug("sqlite: task errored", "id", id)
	return nil
}

func (s *Store) MarkTaskPaused(ctx context.Context, id, reason string, moderationStep *int) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'paused', paused_at = ?, pause_reason = ?, moderation_step = ?, lease_id = ''
		 WHERE id = ?`, now, reason, moderationStep, id)
	if err != nil {
		return fmt.Errorf("mark task paused: %w", err)
	}
	s.logger.Debug("sqlite: task paused", "id", id, "reason", reason)
	return nil
}

func (s *Store) MarkTaskCanceled(ctx context.Context, id, reason string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'canceled', canceled_at = ?, cancel_reason = ?,
			processing_finished_at = ?, lease_id = ''
		 WHERE id = ?`, now, reason, now, id)
	if err != nil {
		return fmt.Errorf("mark task canceled: %w", err)
	}
	s.logger.Debug("sqlite: task canceled", "id", id, "reason", reason)
	return nil
}

// --- Control ---

func (s *Store) SetPauseRequest(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET pause_requested_at = ?, pause_reason = ?
		 WHERE id = ? AND status IN ('queued', 'processing')`,
		time.Now().Unix(), reason, id)
	if err != nil {
		return fmt.Errorf("set pause request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not pausable: %w", id, showrun.ErrNotFound)
	}
	return nil
}

func (s *Store) SetCancelRequest(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET cancel_requested_at = ?, cancel_reason = ?
		 WHERE id = ? AND status IN ('queued', 'processing')`,
		time.Now().Unix(), reason, id)
	if err != nil {
		return fmt.Errorf("set cancel request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not cancelable: %w", id, showrun.ErrNotFound)
	}
	return nil
}

// ResumeTask puts a paused or errored task back on the queue with a fresh
// retry budget and cleared control flags.
func (s *Store) ResumeTask(ctx context.Context, id string) (showrun.PublishTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: resume task", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return showrun.PublishTask{}, fmt.Errorf("resume task %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("load task: %w", err)
	}
	if !t.Status.Resumable() {
		return showrun.PublishTask{}, fmt.Errorf("task %s is %s, not resumable", id, t.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE publish_tasks SET status = 'queued', attempt = 0,
			pause_requested_at = 0, pause_reason = '', paused_at = 0,
			moderation_step = NULL, lease_id = '', processing_started_at = 0
		 WHERE id = ?`, id); err != nil {
		return showrun.PublishTask{}, fmt.Errorf("resume task: %w", err)
	}

	t, err = scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE id = ?`, id))
	if err != nil {
		return showrun.PublishTask{}, fmt.Errorf("reload task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: resume commit failed", "id", id, "error", err)
		return showrun.PublishTask{}, err
	}
	s.logger.Debug("sqlite: resume task ok", "id", id, "duration", time.Since(start))
	return t, nil
}

// ApproveModerationStep records approval for one step index and clears the
// moderation marker when the task was waiting on that exact step. Status is
// untouched; resuming is the control surface's call.
func (s *Store) ApproveModerationStep(ctx context.Context, id string, stepIndex int) error {
	start := time.Now()
	s.logger.Debug("sqlite: approve moderation step", "id", id, "step", stepIndex)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var moderationStep sql.NullInt64
	var approvedJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT moderation_step, approved_steps FROM publish_tasks WHERE id = ?`, id,
	).Scan(&moderationStep, &approvedJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", id, showrun.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load moderation state: %w", err)
	}

	var approved []int
	if approvedJSON.Valid {
		_ = json.Unmarshal([]byte(approvedJSON.String), &approved)
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

	if moderationStep.Valid && int(moderationStep.Int64) == stepIndex {
		_, err = tx.ExecContext(ctx,
			`UPDATE publish_tasks SET approved_steps = ?, moderation_step = NULL WHERE id = ?`,
			string(data), id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE publish_tasks SET approved_steps = ? WHERE id = ?`,
			string(data), id)
	}
	if err != nil {
		return fmt.Errorf("approve moderation step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: approve moderation commit failed", "id", id, "error", err)
		return err
	}
	s.logger.Debug("sqlite: approve moderation step ok", "id", id, "step", stepIndex, "duration", time.Since(start))
	return nil
}

// --- Step results ---

const stepColumns = `id, task_id, step_index, attempt, tool_id, step_name, status,
	started_at, completed_at, input, params, output, error_message, retryable`

func scanStepResult(row rowScanner) (showrun.StepResult, error) {
	var r showrun.StepResult
	var status string
	var input, params, output sql.NullString
	var retryable int
	err := row.Scan(&r.ID, &r.TaskID, &r.StepIndex, &r.Attempt, &r.ToolID, &r.StepName, &status,
		&r.StartedAt, &r.CompletedAt, &input, &params, &output, &r.ErrorMsg, &retryable)
	if err != nil {
		return showrun.StepResult{}, err
	}
	r.Status = showrun.StepStatus(status)
	r.Retryable = retryable != 0
	if input.Valid {
		_ = json.Unmarshal([]byte(input.String), &r.Input)
	}
	if params.Valid {
		_ = json.Unmarshal([]byte(params.String), &r.Params)
	}
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &r.Output)
	}
	return r, nil
}

func (s *Store) AppendStepResult(ctx context.Context, r showrun.StepResult) error {
	start := time.Now()
	s.logger.Debug("sqlite: append step result", "id", r.ID, "task_id", r.TaskID, "step", r.StepIndex, "status", r.Status)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (id, task_id, step_index, attempt, tool_id, step_name, status,
			started_at, completed_at, input, params, output, error_message, retryable)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.StepIndex, r.Attempt, r.ToolID, r.StepName, string(r.Status),
		r.StartedAt, r.CompletedAt, jsonOrNil(r.Input), jsonMapOrNil(r.Params), jsonOrNil(r.Output),
		r.ErrorMsg, boolToInt(r.Retryable))
	if err != nil {
		s.logger.Error("sqlite: append step result failed", "id", r.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append step result: %w", err)
	}
	s.logger.Debug("sqlite: append step result ok", "id", r.ID, "duration", time.Since(start))
	return nil
}

// CompleteStep finalizes an interim step result to ok and persists the
// merged artifact map and DAG diagnostics in the same transaction. If any
// other ok row exists for this (task, step index), the fence trips and
// showrun.ErrStepFenced comes back.
func (s *Store) CompleteStep(ctx context.Context, r showrun.StepResult, artifacts showrun.ArtifactMap, dagDebug map[string]any) error {
	start := time.Now()
	s.logger.Debug("sqlite: complete step", "id", r.ID, "task_id", r.TaskID, "step", r.StepIndex)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var fenced int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_results WHERE task_id = ? AND step_index = ? AND status = 'ok' AND id != ?`,
		r.TaskID, r.StepIndex, r.ID).Scan(&fenced); err != nil {
		return fmt.Errorf("check step fence: %w", err)
	}
	if fenced > 0 {
		return fmt.Errorf("step %d of task %s: %w", r.StepIndex, r.TaskID, showrun.ErrStepFenced)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE step_results SET status = 'ok', completed_at = ?, output = ?, error_message = '' WHERE id = ?`,
		r.CompletedAt, jsonOrNil(r.Output), r.ID); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("step %d of task %s: %w", r.StepIndex, r.TaskID, showrun.ErrStepFenced)
		}
		return fmt.Errorf("finalize step result: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE publish_tasks SET artifacts = ?, dag_debug = ? WHERE id = ?`,
		jsonOrNil(artifacts), jsonMapOrNil(dagDebug), r.TaskID); err != nil {
		return fmt.Errorf("persist artifacts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: complete step commit failed", "id", r.ID, "error", err)
		return err
	}
	s.logger.Debug("sqlite: complete step ok", "id", r.ID, "step", r.StepIndex, "duration", time.Since(start))
	return nil
}

func (s *Store) FailStep(ctx context.Context, r showrun.StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE step_results SET status = ?, completed_at = ?, error_message = ?, retryable = ? WHERE id = ?`,
		string(r.Status), r.CompletedAt, r.ErrorMsg, boolToInt(r.Retryable), r.ID)
	if err != nil {
		return fmt.Errorf("fail step: %w", err)
	}
	s.logger.Debug("sqlite: step failed", "id", r.ID, "task_id", r.TaskID, "step", r.StepIndex, "retryable", r.Retryable)
	return nil
}

func (s *Store) ListStepResults(ctx context.Context, taskID string) ([]showrun.StepResult, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list step results", "task_id", taskID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_results WHERE task_id = ? ORDER BY started_at ASC, id ASC`, taskID)
	if err != nil {
		s.logger.Error("sqlite: list step results failed", "task_id", taskID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var out []showrun.StepResult
	for rows.Next() {
		r, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		out = append(out, r)
	}
	s.logger.Debug("sqlite: list step results ok", "task_id", taskID, "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

func (s *Store) LastStepResultAt(ctx context.Context, taskID string) (int64, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(MAX(started_at, completed_at)) FROM step_results WHERE task_id = ?`, taskID,
	).Scan(&at)
	if err != nil {
		return 0, fmt.Errorf("last step result at: %w", err)
	}
	if !at.Valid {
		return 0, nil
	}
	return at.Int64, nil
}

// --- Scans ---

func (s *Store) ListProcessingStartedBefore(ctx context.Context, cutoff int64) ([]showrun.PublishTask, error) {
	return s.listTasksWhere(ctx,
		`status = 'processing' AND processing_started_at > 0 AND processing_started_at < ?`, cutoff)
}

func (s *Store) ListQueuedBefore(ctx context.Context, cutoff int64) ([]showrun.PublishTask, error) {
	return s.listTasksWhere(ctx, `status = 'queued' AND created_at < ?`, cutoff)
}

func (s *Store) listTasksWhere(ctx context.Context, where string, args ...any) ([]showrun.PublishTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentPublishedTopics returns the topic signatures of the most recent
// published tasks on a destination, newest first. The signature rides on
// the candidate's meta document.
func (s *Store) RecentPublishedTopics(ctx context.Context, destination string, limit int, since int64) ([]showrun.PublishedTopic, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent published topics", "destination", destination, "limit", limit, "since", since)

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, COALESCE(json_extract(c.meta, '$.topic_signature'), ''), t.published_at
		 FROM publish_tasks t
		 JOIN candidates c ON c.id = t.candidate_id
		 WHERE t.status = 'published' AND t.destination = ? AND t.published_at >= ?
		 ORDER BY t.published_at DESC
		 LIMIT ?`,
		destination, since, limit)
	if err != nil {
		s.logger.Error("sqlite: recent published topics failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent published topics: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishedTopic
	for rows.Next() {
		var t showrun.PublishedTopic
		if err := rows.Scan(&t.TaskID, &t.TopicSignature, &t.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan published topic: %w", err)
		}
		out = append(out, t)
	}
	s.logger.Debug("sqlite: recent published topics ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// --- Published metrics ---

func (s *Store) InsertPublishedMetric(ctx context.Context, m showrun.PublishedVideoMetric) error {
	metrics, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	// OR IGNORE keeps snapshot inserts idempotent per (platform, external, time).
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO published_metrics (id, task_id, platform, external_id, snapshot_at, metrics)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.Platform, m.ExternalID, m.SnapshotAt, string(metrics)); err != nil {
		return fmt.Errorf("insert published metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetricsDue(ctx context.Context, lastBefore int64, limit int) ([]showrun.PublishTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM publish_tasks
		 WHERE status = 'published' AND last_metrics_at < ? AND published_external_id != ''
		 ORDER BY last_metrics_at ASC, published_at ASC
		 LIMIT ?`, lastBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list metrics due: %w", err)
	}
	defer rows.Close()

	var out []showrun.PublishTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskMetrics(ctx context.Context, id string, m showrun.MediaMetrics, at int64) error {
	metrics, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE publish_tasks SET last_metrics = ?, last_metrics_at = ? WHERE id = ?`,
		string(metrics), at, id); err != nil {
		return fmt.Errorf("update task metrics: %w", err)
	}
	return nil
}

// --- Lifecycle ---

// Ping verifies the database file is reachable and writable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &showrun.ErrUnavailable{Store: "sqlite", Err: err}
	}
	return nil
}

// DB returns the underlying *sql.DB for admin tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

func jsonOrNilSlice(v []int) *string {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	s := string(data)
	return &s
}
