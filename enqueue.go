package showrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Anti-repeat defaults, used when the project policy does not set
// topic_repeat_n / topic_repeat_days.
const (
	defaultTopicRepeatN    = 5
	defaultTopicRepeatDays = 14
)

// enqueuePolicy is the slice of the project policy document the enqueue
// guards care about.
type enqueuePolicy struct {
	TopicRepeatN    int `json:"topic_repeat_n"`
	TopicRepeatDays int `json:"topic_repeat_days"`
}

// EnqueueRequest describes one publish task to create.
type EnqueueRequest struct {
	CandidateID string
	PresetID    string
	Destination string
	Priority    int
}

// Enqueuer creates publish tasks from approved candidates. Both content
// guards run here, before any task row exists: a rejected enqueue leaves no
// trace in the queue.
type Enqueuer struct {
	store  Store
	logger *slog.Logger
	ready  ReadySignal
	now    func() time.Time
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithEnqueuerLogger sets the structured logger.
func WithEnqueuerLogger(l *slog.Logger) EnqueuerOption {
	return func(e *Enqueuer) { e.logger = l }
}

// WithEnqueuerSignal wakes idle dispatchers after a successful enqueue.
func WithEnqueuerSignal(s ReadySignal) EnqueuerOption {
	return func(e *Enqueuer) { e.ready = s }
}

// NewEnqueuer wires an enqueuer over a store.
func NewEnqueuer(store Store, opts ...EnqueuerOption) *Enqueuer {
	e := &Enqueuer{store: store, logger: nopLogger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue validates the candidate, refreshes its signatures, runs the
// duplicate and topic-repeat guards, and creates a queued task. On success
// the candidate advances to USED.
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (PublishTask, error) {
	candidate, err := e.store.GetCandidate(ctx, req.CandidateID)
	if err != nil {
		return PublishTask{}, fmt.Errorf("enqueue: load candidate: %w", err)
	}
	if candidate.Status != CandidateApproved {
		return PublishTask{}, fmt.Errorf("enqueue: candidate %s is %s, want %s", candidate.ID, candidate.Status, CandidateApproved)
	}
	preset, err := e.store.GetPreset(ctx, req.PresetID)
	if err != nil {
		return PublishTask{}, fmt.Errorf("enqueue: load preset: %w", err)
	}
	if len(preset.Steps) == 0 {
		return PublishTask{}, fmt.Errorf("enqueue: preset %s has no steps", preset.ID)
	}
	project, err := e.store.GetProject(ctx, candidate.ProjectID)
	if err != nil {
		return PublishTask{}, fmt.Errorf("enqueue: load project: %w", err)
	}

	signature, topicSig := e.refreshSignatures(ctx, &candidate)

	if signature != "" {
		match, err := e.store.FindCandidateBySignature(ctx, candidate.ProjectID, signature, candidate.ID)
		switch {
		case err == nil:
			return PublishTask{}, &ErrDuplicateContent{
				ProjectID:   candidate.ProjectID,
				CandidateID: candidate.ID,
				MatchID:     match.ID,
				Signature:   signature,
			}
		case !errors.Is(err, ErrNotFound):
			return PublishTask{}, fmt.Errorf("enqueue: duplicate lookup: %w", err)
		}
	}

	if topicSig != "" && req.Destination != "" {
		if err := e.checkTopicRepeat(ctx, project, req.Destination, topicSig); err != nil {
			return PublishTask{}, err
		}
	}

	now := e.now().Unix()
	task := PublishTask{
		ID:          NewID(),
		ProjectID:   candidate.ProjectID,
		CandidateID: candidate.ID,
		PresetID:    preset.ID,
		Destination: req.Destination,
		Status:      TaskQueued,
		Priority:    req.Priority,
		CreatedAt:   now,
		Artifacts:   seedArtifacts(&candidate),
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return PublishTask{}, fmt.Errorf("enqueue: create task: %w", err)
	}
	if err := e.store.UpdateCandidateStatus(ctx, candidate.ID, CandidateUsed); err != nil {
		return PublishTask{}, fmt.Errorf("enqueue: mark candidate used: %w", err)
	}

	e.logger.Info("task enqueued", "task", task.ID, "candidate", candidate.ID, "preset", preset.ID, "destination", req.Destination, "priority", req.Priority)
	if e.ready != nil {
		if err := e.ready.Notify(ctx); err != nil {
			e.logger.Warn("ready signal failed", "error", err)
		}
	}
	return task, nil
}

// refreshSignatures recomputes the candidate's content and topic signatures
// and persists them into meta when they changed. Returns the current pair.
func (e *Enqueuer) refreshSignatures(ctx context.Context, c *Candidate) (signature, topicSig string) {
	signature = ContentSignature(SignatureText(c))
	tags := TopicTags(TopicSourceFromCandidate(c))
	topicSig = TopicSignature(tags)

	meta := c.Meta
	if meta == nil {
		meta = make(map[string]any)
	}
	changed := false
	if prev, _ := meta[MetaContentSignature].(string); prev != signature {
		meta[MetaContentSignature] = signature
		changed = true
	}
	if prev, _ := meta[MetaTopicSignature].(string); prev != topicSig {
		meta[MetaTopicSignature] = topicSig
		meta[MetaTopicTags] = tags
		changed = true
	}
	if changed {
		c.Meta = meta
		if err := e.store.UpdateCandidateMeta(ctx, c.ID, meta); err != nil {
			e.logger.Warn("signature refresh not persisted", "candidate", c.ID, "error", err)
		}
	}
	return signature, topicSig
}

// checkTopicRepeat rejects the enqueue when the destination's recent
// publishes already covered this topic. Window and depth come from project
// policy, falling back to the defaults.
func (e *Enqueuer) checkTopicRepeat(ctx context.Context, project Project, destination, topicSig string) error {
	n, days := defaultTopicRepeatN, defaultTopicRepeatDays
	if len(project.Policy) > 0 {
		var pol enqueuePolicy
		if err := json.Unmarshal(project.Policy, &pol); err != nil {
			e.logger.Warn("unreadable project policy, using defaults", "project", project.ID, "error", err)
		} else {
			if pol.TopicRepeatN > 0 {
				n = pol.TopicRepeatN
			}
			if pol.TopicRepeatDays > 0 {
				days = pol.TopicRepeatDays
			}
		}
	}

	since := e.now().AddDate(0, 0, -days).Unix()
	recent, err := e.store.RecentPublishedTopics(ctx, destination, n, since)
	if err != nil {
		return fmt.Errorf("enqueue: recent topics: %w", err)
	}
	for _, t := range recent {
		if t.TopicSignature == topicSig {
			return &ErrTopicRepeat{
				Destination: destination,
				Signature:   topicSig,
				MatchTaskID: t.TaskID,
			}
		}
	}
	return nil
}

// seedArtifacts builds the task's initial artifact map from what the
// candidate already carries.
func seedArtifacts(c *Candidate) ArtifactMap {
	m := ArtifactMap{
		ArtifactSourceVideo: TextArtifact(c.URL),
	}
	if c.Transcript != "" {
		m[ArtifactTranscript] = TextArtifact(c.Transcript)
	}
	return m
}
