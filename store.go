package showrun

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups for ids that do not exist.
var ErrNotFound = errors.New("not found")

// ErrStepFenced is returned by CompleteStep when another worker already
// committed an ok result for the same (task, step index). The caller lost
// its lease race and must abort the attempt.
var ErrStepFenced = errors.New("step already completed by another worker")

// PublishedTopic pairs a published task with its candidate's topic
// signature, for the anti-repeat guard.
type PublishedTopic struct {
	TaskID         string
	TopicSignature string
	PublishedAt    int64
}

// Store is the durable source of truth: tasks, step results, candidates,
// presets, profiles, metric snapshots. Implementations are safe for
// concurrent use; every mutation is committed per call (no cross-call
// transactions).
type Store interface {
	// --- Projects ---
	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)

	// --- Candidates ---
	CreateCandidate(ctx context.Context, c Candidate) error
	GetCandidate(ctx context.Context, id string) (Candidate, error)
	ListCandidates(ctx context.Context, projectID string, status CandidateStatus, limit int) ([]Candidate, error)
	// UpdateCandidateStatus enforces the monotonic state machine and fails
	// on invalid transitions.
	UpdateCandidateStatus(ctx context.Context, id string, to CandidateStatus) error
	UpdateCandidateMeta(ctx context.Context, id string, meta map[string]any) error
	// FindCandidateBySignature returns an APPROVED or USED candidate in the
	// project holding the content signature, excluding excludeID; ErrNotFound
	// when none.
	FindCandidateBySignature(ctx context.Context, projectID, signature, excludeID string) (Candidate, error)

	// --- Presets and export profiles ---
	CreatePreset(ctx context.Context, p Preset) error
	GetPreset(ctx context.Context, id string) (Preset, error)
	CreateExportProfile(ctx context.Context, p ExportProfile) error
	GetExportProfile(ctx context.Context, id string) (ExportProfile, error)

	// --- Publish tasks ---
	CreateTask(ctx context.Context, t PublishTask) error
	GetTask(ctx context.Context, id string) (PublishTask, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]PublishTask, error)
	// ClaimNextTask atomically claims the highest-priority queued task
	// (priority descending, created ascending) for the given lease id,
	// moving it to processing. Returns nil when the queue is empty.
	ClaimNextTask(ctx context.Context, leaseID string) (*PublishTask, error)
	// RequeueTask returns a task to queued with the given attempt counter,
	// clearing its lease. Used for retries, resumes, and reclaim.
	RequeueTask(ctx context.Context, id string, attempt int) error

	MarkTaskPublished(ctx context.Context, id, externalID, url string) error
	MarkTaskError(ctx context.Context, id, errorMessage, publishError string) error
	MarkTaskPaused(ctx context.Context, id, reason string, moderationStep *int) error
	MarkTaskCanceled(ctx context.Context, id, reason string) error

	// --- Control requests ---
	SetPauseRequest(ctx context.Context, id, reason string) error
	SetCancelRequest(ctx context.Context, id, reason string) error
	// ResumeTask clears control/pause state and re-enqueues at the original
	// priority. Fails unless the task status is resumable.
	ResumeTask(ctx context.Context, id string) (PublishTask, error)
	ApproveModerationStep(ctx context.Context, id string, stepIndex int) error

	// --- Step results ---
	// AppendStepResult inserts a new row (interim retrying markers, control
	// events, failures).
	AppendStepResult(ctx context.Context, r StepResult) error
	// CompleteStep finalizes the row r.ID to ok and persists the merged
	// artifact map (and dag debug, when non-nil) in the same transaction.
	// Returns ErrStepFenced when an ok row already exists for the index.
	CompleteStep(ctx context.Context, r StepResult, artifacts ArtifactMap, dagDebug map[string]any) error
	// FailStep finalizes the row r.ID with its terminal non-ok status.
	FailStep(ctx context.Context, r StepResult) error
	ListStepResults(ctx context.Context, taskID string) ([]StepResult, error)
	// LastStepResultAt returns the newest step activity timestamp for the
	// task (start or completion), 0 when the task has no step results.
	LastStepResultAt(ctx context.Context, taskID string) (int64, error)

	// --- Scans ---
	ListProcessingStartedBefore(ctx context.Context, cutoff int64) ([]PublishTask, error)
	ListQueuedBefore(ctx context.Context, cutoff int64) ([]PublishTask, error)
	// RecentPublishedTopics lists topic signatures of the most recently
	// published tasks on a destination, newest first.
	RecentPublishedTopics(ctx context.Context, destination string, limit int, since int64) ([]PublishedTopic, error)

	// --- Published metrics ---
	InsertPublishedMetric(ctx context.Context, m PublishedVideoMetric) error
	ListMetricsDue(ctx context.Context, lastBefore int64, limit int) ([]PublishTask, error)
	UpdateTaskMetrics(ctx context.Context, id string, m MediaMetrics, at int64) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
