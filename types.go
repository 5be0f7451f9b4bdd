package showrun

import "encoding/json"

// --- Candidates ---

// CandidateStatus is the ingest state machine. Once a candidate leaves NEW it
// only advances: NEW -> APPROVED -> USED, or NEW/APPROVED -> REJECTED.
type CandidateStatus string

const (
	CandidateNew      CandidateStatus = "NEW"
	CandidateApproved CandidateStatus = "APPROVED"
	CandidateUsed     CandidateStatus = "USED"
	CandidateRejected CandidateStatus = "REJECTED"
)

// ValidCandidateTransition reports whether from -> to respects the monotonic
// candidate state machine.
func ValidCandidateTransition(from, to CandidateStatus) bool {
	switch from {
	case CandidateNew:
		return to == CandidateApproved || to == CandidateRejected
	case CandidateApproved:
		return to == CandidateUsed || to == CandidateRejected
	default:
		return false
	}
}

// Conventional keys inside Candidate.Meta.
const (
	MetaContentSignature = "content_signature"
	MetaTopicTags        = "topic_tags"
	MetaTopicSignature   = "topic_signature"
	MetaScriptAnalysis   = "script_analysis"
)

// MediaMetrics is a point-in-time engagement snapshot.
type MediaMetrics struct {
	Views       int64 `json:"views"`
	Likes       int64 `json:"likes"`
	Comments    int64 `json:"comments"`
	Shares      int64 `json:"shares"`
	Subscribers int64 `json:"subscribers,omitempty"`
}

// Candidate is an ingested source media item in a project.
type Candidate struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Platform        string          `json:"platform"`
	PlatformVideoID string          `json:"platform_video_id"`
	URL             string          `json:"url"`
	Title           string          `json:"title,omitempty"`
	Caption         string          `json:"caption,omitempty"`
	Transcript      string          `json:"transcript,omitempty"`
	Metrics         MediaMetrics    `json:"metrics"`
	ViralityScore   *float64        `json:"virality_score,omitempty"`
	Status          CandidateStatus `json:"status"`
	Meta            map[string]any  `json:"meta,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// --- Projects ---

// Project is the container for candidates and publish tasks. Policy and
// FeedSettings are opaque JSON documents owned by the admin surface.
type Project struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Policy       json.RawMessage `json:"policy,omitempty"`
	FeedSettings json.RawMessage `json:"feed_settings,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}

// --- Presets ---

// PresetStep is one tool invocation slot in a preset.
type PresetStep struct {
	ToolID             string         `json:"tool_id"`
	Name               string         `json:"name,omitempty"`
	Params             map[string]any `json:"params,omitempty"`
	RequiresModeration bool           `json:"requires_moderation,omitempty"`
	Order              int            `json:"order"`
}

// Preset is an ordered, immutable list of steps. Treat as versioned: edits
// create a new preset rather than mutating one in use.
type Preset struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Steps     []PresetStep `json:"steps"`
	CreatedAt int64        `json:"created_at"`
}

// --- Publish tasks ---

// TaskStatus is the executor state machine: queued -> processing ->
// {published, error, canceled, paused}. paused and error are resumable.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskPublished  TaskStatus = "published"
	TaskError      TaskStatus = "error"
	TaskCanceled   TaskStatus = "canceled"
	TaskPaused     TaskStatus = "paused"
)

// Resumable reports whether a task in this status may be re-enqueued.
func (s TaskStatus) Resumable() bool {
	return s == TaskPaused || s == TaskError
}

// Terminal reports whether this status ends the task for good.
func (s TaskStatus) Terminal() bool {
	return s == TaskPublished || s == TaskCanceled
}

// PublishTask is the unit of work: one preset executed against one candidate.
// Mutated only by the worker holding its lease. Timestamps are Unix seconds,
// zero meaning unset.
type PublishTask struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	CandidateID string     `json:"candidate_id"`
	PresetID    string     `json:"preset_id"`
	Destination string     `json:"destination"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	Attempt     int        `json:"attempt"`

	CreatedAt            int64 `json:"created_at"`
	ProcessingStartedAt  int64 `json:"processing_started_at,omitempty"`
	ProcessingFinishedAt int64 `json:"processing_finished_at,omitempty"`
	PausedAt             int64 `json:"paused_at,omitempty"`
	CanceledAt           int64 `json:"canceled_at,omitempty"`
	PublishedAt          int64 `json:"published_at,omitempty"`
	LastMetricsAt        int64 `json:"last_metrics_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	PublishError string `json:"publish_error,omitempty"`

	PauseRequestedAt  int64  `json:"pause_requested_at,omitempty"`
	PauseReason       string `json:"pause_reason,omitempty"`
	CancelRequestedAt int64  `json:"cancel_requested_at,omitempty"`
	CancelReason      string `json:"cancel_reason,omitempty"`

	// ModerationStep is the step index the task is paused on awaiting
	// moderation, nil otherwise. ApprovedSteps lists indexes already cleared.
	ModerationStep *int  `json:"moderation_step,omitempty"`
	ApprovedSteps  []int `json:"approved_steps,omitempty"`

	LeaseID string `json:"lease_id,omitempty"`

	Artifacts ArtifactMap    `json:"artifacts,omitempty"`
	DagDebug  map[string]any `json:"dag_debug,omitempty"`

	LastMetrics *MediaMetrics `json:"last_metrics,omitempty"`

	PublishedExternalID string `json:"published_external_id,omitempty"`
	PublishedURL        string `json:"published_url,omitempty"`
}

// StepApproved reports whether moderation has cleared the given step index.
func (t *PublishTask) StepApproved(index int) bool {
	for _, i := range t.ApprovedSteps {
		if i == index {
			return true
		}
	}
	return false
}

// --- Step results ---

// StepStatus is the per-step outcome recorded in the step-result log.
type StepStatus string

const (
	StepOK       StepStatus = "ok"
	StepError    StepStatus = "error"
	StepSkipped  StepStatus = "skipped"
	StepPaused   StepStatus = "paused"
	StepCanceled StepStatus = "canceled"
	StepRetrying StepStatus = "retrying"
)

// Reserved step indexes for events that are not preset steps.
const (
	StepIndexControl  = 9996 // pause/cancel observed at a checkpoint
	StepIndexWorker   = 9997 // worker-level failure after retries exhausted
	StepIndexRetry    = 9998 // retry fence
	StepIndexTerminal = 9999 // terminal marker
)

// Tool ids recorded at sentinel indexes.
const (
	ToolControl = "CONTROL"
	ToolWorker  = "WORKER"
)

// SentinelIndex reports whether a step index is one of the reserved values.
func SentinelIndex(i int) bool {
	return i >= StepIndexControl && i <= StepIndexTerminal
}

// StepResult is one row of the append-only per-task execution log. Keyed by
// (task, step index, attempt); at most one `ok` row may ever exist per
// (task, step index).
type StepResult struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	StepIndex   int            `json:"step_index"`
	Attempt     int            `json:"attempt"`
	ToolID      string         `json:"tool_id"`
	StepName    string         `json:"step_name,omitempty"`
	Status      StepStatus     `json:"status"`
	StartedAt   int64          `json:"started_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	Input       ArtifactMap    `json:"input,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Output      ArtifactMap    `json:"output,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	Retryable   bool           `json:"retryable,omitempty"`
}

// --- Export profiles ---

// Rect is a pixel rectangle, used for platform safe areas.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ExportProfile is a target-platform encoding contract. Immutable once
// referenced by a task.
type ExportProfile struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Width               int            `json:"width"`
	Height              int            `json:"height"`
	FPS                 int            `json:"fps"`
	VideoCodec          string         `json:"video_codec"`
	VideoBitrateKbps    int            `json:"video_bitrate_kbps"`
	AudioBitrateKbps    int            `json:"audio_bitrate_kbps"`
	SafeArea            Rect           `json:"safe_area"`
	MaxDurationSec      int            `json:"max_duration_sec"`
	RecommendedDuration int            `json:"recommended_duration_sec"`
	PixelFormat         string         `json:"pixel_format,omitempty"`
	Extras              map[string]any `json:"extras,omitempty"`
}

// --- Published metrics ---

// PublishedVideoMetric is an append-only external-stats snapshot for a
// published task. Unique per (platform, external id, snapshot time).
type PublishedVideoMetric struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id"`
	Platform   string       `json:"platform"`
	ExternalID string       `json:"external_id"`
	SnapshotAt int64        `json:"snapshot_at"`
	Metrics    MediaMetrics `json:"metrics"`
}

// --- Queries ---

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID   string
	Status      TaskStatus
	Destination string
	Limit       int
}
