package showrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is a full in-memory Store for tests. It mirrors the SQL backends'
// semantics: claim ordering, the ok-fence on step results, the monotonic
// candidate state machine, and idempotent metric snapshots.
type memStore struct {
	mu         sync.Mutex
	projects   map[string]Project
	candidates map[string]Candidate
	presets    map[string]Preset
	profiles   map[string]ExportProfile
	tasks      map[string]*PublishTask
	results    []StepResult
	metrics    []PublishedVideoMetric

	// Failure injection, consumed on the next matching call.
	completeStepErr error
}

func newMemStore() *memStore {
	return &memStore{
		projects:   make(map[string]Project),
		candidates: make(map[string]Candidate),
		presets:    make(map[string]Preset),
		profiles:   make(map[string]ExportProfile),
		tasks:      make(map[string]*PublishTask),
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// --- Projects ---

func (s *memStore) CreateProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) GetProject(_ context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// --- Candidates ---

func (s *memStore) CreateCandidate(_ context.Context, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.ID] = c
	return nil
}

func (s *memStore) GetCandidate(_ context.Context, id string) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return Candidate{}, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *memStore) ListCandidates(_ context.Context, projectID string, status CandidateStatus, limit int) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Candidate
	for _, c := range s.candidates {
		if projectID != "" && c.ProjectID != projectID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateCandidateStatus(_ context.Context, id string, to CandidateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	if !ValidCandidateTransition(c.Status, to) {
		return fmt.Errorf("candidate %s: invalid transition %s -> %s", id, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = time.Now().Unix()
	s.candidates[id] = c
	return nil
}

func (s *memStore) UpdateCandidateMeta(_ context.Context, id string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	c.Meta = meta
	c.UpdatedAt = time.Now().Unix()
	s.candidates[id] = c
	return nil
}

func (s *memStore) FindCandidateBySignature(_ context.Context, projectID, signature, excludeID string) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.candidates {
		if c.ProjectID != projectID || c.ID == excludeID {
			continue
		}
		if c.Status != CandidateApproved && c.Status != CandidateUsed {
			continue
		}
		if sig, _ := c.Meta[MetaContentSignature].(string); sig == signature {
			return c, nil
		}
	}
	return Candidate{}, ErrNotFound
}

// --- Presets and export profiles ---

func (s *memStore) CreatePreset(_ context.Context, p Preset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[p.ID] = p
	return nil
}

func (s *memStore) GetPreset(_ context.Context, id string) (Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[id]
	if !ok {
		return Preset{}, fmt.Errorf("preset %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *memStore) CreateExportProfile(_ context.Context, p ExportProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *memStore) GetExportProfile(_ context.Context, id string) (ExportProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ExportProfile{}, fmt.Errorf("export profile %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// --- Tasks ---

func (s *memStore) CreateTask(_ context.Context, t PublishTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyTask(&t)
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return PublishTask{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *memStore) ListTasks(_ context.Context, f TaskFilter) ([]PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PublishTask
	for _, t := range s.tasks {
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Destination != "" && t.Destination != f.Destination {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ClaimNextTask picks by priority descending, then created ascending, then
// id, exactly like the SQL claim.
func (s *memStore) ClaimNextTask(_ context.Context, leaseID string) (*PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *PublishTask
	for _, t := range s.tasks {
		if t.Status != TaskQueued {
			continue
		}
		if next == nil {
			next = t
			continue
		}
		switch {
		case t.Priority != next.Priority:
			if t.Priority > next.Priority {
				next = t
			}
		case t.CreatedAt != next.CreatedAt:
			if t.CreatedAt < next.CreatedAt {
				next = t
			}
		case t.ID < next.ID:
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = TaskProcessing
	next.LeaseID = leaseID
	next.ProcessingStartedAt = time.Now().Unix()
	cp := copyTask(next)
	return &cp, nil
}

func (s *memStore) RequeueTask(_ context.Context, id string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.Status = TaskQueued
	t.Attempt = attempt
	t.LeaseID = ""
	t.ProcessingStartedAt = 0
	return nil
}

func (s *memStore) MarkTaskPublished(_ context.Context, id, externalID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	now := time.Now().Unix()
	t.Status = TaskPublished
	t.PublishedAt = now
	t.ProcessingFinishedAt = now
	t.PublishedExternalID = externalID
	t.PublishedURL = url
	t.LeaseID = ""
	return nil
}

func (s *memStore) MarkTaskError(_ context.Context, id, errorMessage, publishError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.Status = TaskError
	t.ProcessingFinishedAt = time.Now().Unix()
	t.ErrorMessage = errorMessage
	t.PublishError = publishError
	t.LeaseID = ""
	return nil
}

func (s *memStore) MarkTaskPaused(_ context.Context, id, reason string, moderationStep *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.Status = TaskPaused
	t.PausedAt = time.Now().Unix()
	t.PauseReason = reason
	t.ModerationStep = moderationStep
	t.LeaseID = ""
	return nil
}

func (s *memStore) MarkTaskCanceled(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	now := time.Now().Unix()
	t.Status = TaskCanceled
	t.CanceledAt = now
	t.ProcessingFinishedAt = now
	t.CancelReason = reason
	t.LeaseID = ""
	return nil
}

func (s *memStore) SetPauseRequest(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != TaskQueued && t.Status != TaskProcessing) {
		return fmt.Errorf("task %s not pausable: %w", id, ErrNotFound)
	}
	t.PauseRequestedAt = time.Now().Unix()
	t.PauseReason = reason
	return nil
}

func (s *memStore) SetCancelRequest(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (t.Status != TaskQueued && t.Status != TaskProcessing) {
		return fmt.Errorf("task %s not cancelable: %w", id, ErrNotFound)
	}
	t.CancelRequestedAt = time.Now().Unix()
	t.CancelReason = reason
	return nil
}

func (s *memStore) ResumeTask(_ context.Context, id string) (PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return PublishTask{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if !t.Status.Resumable() {
		return PublishTask{}, fmt.Errorf("task %s is %s, not resumable", id, t.Status)
	}
	t.Status = TaskQueued
	t.Attempt = 0
	t.PauseRequestedAt = 0
	t.PauseReason = ""
	t.PausedAt = 0
	t.ModerationStep = nil
	t.LeaseID = ""
	t.ProcessingStartedAt = 0
	return copyTask(t), nil
}

func (s *memStore) ApproveModerationStep(_ context.Context, id string, stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if !t.StepApproved(stepIndex) {
		t.ApprovedSteps = append(t.ApprovedSteps, stepIndex)
	}
	if t.ModerationStep != nil && *t.ModerationStep == stepIndex {
		t.ModerationStep = nil
	}
	return nil
}

// --- Step results ---

func (s *memStore) AppendStepResult(_ context.Context, r StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memStore) CompleteStep(_ context.Context, r StepResult, artifacts ArtifactMap, dagDebug map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeStepErr != nil {
		err := s.completeStepErr
		s.completeStepErr = nil
		return err
	}
	// The ok-fence: at most one ok row per (task, step index).
	for _, existing := range s.results {
		if existing.TaskID == r.TaskID && existing.StepIndex == r.StepIndex &&
			existing.Status == StepOK && existing.ID != r.ID {
			return fmt.Errorf("step %d of task %s: %w", r.StepIndex, r.TaskID, ErrStepFenced)
		}
	}
	for i := range s.results {
		if s.results[i].ID == r.ID {
			s.results[i].Status = StepOK
			s.results[i].CompletedAt = r.CompletedAt
			s.results[i].Output = r.Output
			s.results[i].ErrorMsg = ""
			break
		}
	}
	if t, ok := s.tasks[r.TaskID]; ok {
		t.Artifacts = artifacts.Clone()
		t.DagDebug = dagDebug
	}
	return nil
}

func (s *memStore) FailStep(_ context.Context, r StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.results {
		if s.results[i].ID == r.ID {
			s.results[i].Status = r.Status
			s.results[i].CompletedAt = r.CompletedAt
			s.results[i].ErrorMsg = r.ErrorMsg
			s.results[i].Retryable = r.Retryable
			break
		}
	}
	return nil
}

func (s *memStore) ListStepResults(_ context.Context, taskID string) ([]StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepResult
	for _, r := range s.results {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) LastStepResultAt(_ context.Context, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at int64
	for _, r := range s.results {
		if r.TaskID != taskID {
			continue
		}
		if r.StartedAt > at {
			at = r.StartedAt
		}
		if r.CompletedAt > at {
			at = r.CompletedAt
		}
	}
	return at, nil
}

// --- Scans ---

func (s *memStore) ListProcessingStartedBefore(_ context.Context, cutoff int64) ([]PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PublishTask
	for _, t := range s.tasks {
		if t.Status == TaskProcessing && t.ProcessingStartedAt > 0 && t.ProcessingStartedAt < cutoff {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) ListQueuedBefore(_ context.Context, cutoff int64) ([]PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PublishTask
	for _, t := range s.tasks {
		if t.Status == TaskQueued && t.CreatedAt < cutoff {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) RecentPublishedTopics(_ context.Context, destination string, limit int, since int64) ([]PublishedTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var published []*PublishTask
	for _, t := range s.tasks {
		if t.Status == TaskPublished && t.Destination == destination && t.PublishedAt >= since {
			published = append(published, t)
		}
	}
	sort.Slice(published, func(i, j int) bool { return published[i].PublishedAt > published[j].PublishedAt })
	if limit > 0 && len(published) > limit {
		published = published[:limit]
	}
	out := make([]PublishedTopic, 0, len(published))
	for _, t := range published {
		sig := ""
		if c, ok := s.candidates[t.CandidateID]; ok {
			sig, _ = c.Meta[MetaTopicSignature].(string)
		}
		out = append(out, PublishedTopic{TaskID: t.ID, TopicSignature: sig, PublishedAt: t.PublishedAt})
	}
	return out, nil
}

// --- Published metrics ---

func (s *memStore) InsertPublishedMetric(_ context.Context, m PublishedVideoMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.metrics {
		if have.Platform == m.Platform && have.ExternalID == m.ExternalID && have.SnapshotAt == m.SnapshotAt {
			return nil
		}
	}
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) ListMetricsDue(_ context.Context, lastBefore int64, limit int) ([]PublishTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PublishTask
	for _, t := range s.tasks {
		if t.Status == TaskPublished && t.LastMetricsAt < lastBefore && t.PublishedExternalID != "" {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMetricsAt < out[j].LastMetricsAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateTaskMetrics(_ context.Context, id string, m MediaMetrics, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	cp := m
	t.LastMetrics = &cp
	t.LastMetricsAt = at
	return nil
}

// stepRows returns the recorded results for one step index, test probe.
func (s *memStore) stepRows(taskID string, stepIndex int) []StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepResult
	for _, r := range s.results {
		if r.TaskID == taskID && r.StepIndex == stepIndex {
			out = append(out, r)
		}
	}
	return out
}

func copyTask(t *PublishTask) PublishTask {
	cp := *t
	cp.Artifacts = t.Artifacts.Clone()
	if t.ApprovedSteps != nil {
		cp.ApprovedSteps = append([]int(nil), t.ApprovedSteps...)
	}
	if t.ModerationStep != nil {
		idx := *t.ModerationStep
		cp.ModerationStep = &idx
	}
	if t.DagDebug != nil {
		dd := make(map[string]any, len(t.DagDebug))
		for k, v := range t.DagDebug {
			dd[k] = v
		}
		cp.DagDebug = dd
	}
	if t.LastMetrics != nil {
		m := *t.LastMetrics
		cp.LastMetrics = &m
	}
	return cp
}

// --- Tool fixtures (shared across executor, dispatcher, and app tests) ---

// outputsTool registers a handler that returns fixed outputs.
func outputsTool(id string, outputs ArtifactMap) Registration {
	kinds := make([]string, 0, len(outputs))
	for k := range outputs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return Registration{
		ToolID:  id,
		Outputs: kinds,
		Handler: HandlerFunc(func(context.Context, ArtifactMap, map[string]any) (ArtifactMap, error) {
			return outputs.Clone(), nil
		}),
	}
}

// publishTool emits the two publish outputs the executor lifts on finish.
func publishTool(id string) Registration {
	return outputsTool(id, ArtifactMap{
		ArtifactPublishedExternal: TextArtifact("ext-1"),
		ArtifactPublishedURL:      TextArtifact("https://example.com/v/ext-1"),
	})
}

// errTool registers a handler that always fails with err.
func errTool(id string, err error) Registration {
	return Registration{
		ToolID: id,
		Handler: HandlerFunc(func(context.Context, ArtifactMap, map[string]any) (ArtifactMap, error) {
			return nil, err
		}),
	}
}

// presetOf builds a preset whose steps invoke the given tool ids in order.
func presetOf(toolIDs ...string) Preset {
	steps := make([]PresetStep, len(toolIDs))
	for i, id := range toolIDs {
		steps[i] = PresetStep{ToolID: id, Order: i}
	}
	return Preset{ID: NewID(), Name: "test preset", Steps: steps, CreatedAt: time.Now().Unix()}
}

// seedTask stores a preset and a task over it in the given status.
func seedTask(t *testing.T, store *memStore, preset Preset, status TaskStatus) PublishTask {
	t.Helper()
	ctx := context.Background()
	if err := store.CreatePreset(ctx, preset); err != nil {
		t.Fatal(err)
	}
	task := PublishTask{
		ID:          NewID(),
		ProjectID:   "p1",
		CandidateID: "c1",
		PresetID:    preset.ID,
		Destination: "youtube",
		Status:      status,
		CreatedAt:   time.Now().Unix(),
		Artifacts:   ArtifactMap{ArtifactSourceVideo: TextArtifact("https://src/v1")},
	}
	if status == TaskProcessing {
		task.ProcessingStartedAt = time.Now().Unix()
		task.LeaseID = NewID()
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	return task
}

// seedCandidate stores an approved candidate with enough text for the
// signature pipeline.
func seedCandidate(t *testing.T, store *memStore, projectID, title string) Candidate {
	t.Helper()
	c := Candidate{
		ID:              NewID(),
		ProjectID:       projectID,
		Platform:        "tiktok",
		PlatformVideoID: NewID(),
		URL:             "https://source.example/" + title,
		Title:           title,
		Status:          CandidateApproved,
		CreatedAt:       time.Now().Unix(),
	}
	if err := store.CreateCandidate(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}
