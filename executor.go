package showrun

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"
)

// OutcomeKind discriminates the terminal result of one execution attempt.
type OutcomeKind int

const (
	OutcomePublished OutcomeKind = iota
	OutcomePaused
	OutcomeCanceled
	OutcomeRetry  // transient step failure; the dispatcher decides re-enqueue
	OutcomeFailed // permanent step failure; task is in error
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePublished:
		return "published"
	case OutcomePaused:
		return "paused"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

// Outcome is the sum-type result of Execute. Control flow never unwinds
// through panics or sentinel exceptions: every path ends here.
type Outcome struct {
	Kind      OutcomeKind
	StepIndex int    // step the outcome was decided at; -1 for pre-step outcomes
	Reason    string // pause/cancel reason or truncated error message
	Err       error  // the step error for Retry and Failed
}

// Executor advances a single claimed task through its preset, committing
// each step's result and merged artifacts before moving on. The task row is
// owned by the caller's lease; the executor never holds a database
// transaction across a handler invocation or a semaphore acquire.
type Executor struct {
	store    Store
	sem      Semaphore
	registry *Registry

	objects ObjectStore
	tracer  Tracer
	logger  *slog.Logger

	limits    map[string]int
	semTTL    time.Duration
	semWait   time.Duration
	softLimit time.Duration

	now func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer sets the span tracer.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithObjectStore enables spilling oversized text outputs to blob storage.
func WithObjectStore(os ObjectStore) ExecutorOption {
	return func(e *Executor) { e.objects = os }
}

// WithResourceLimits sets the per-class semaphore limits. Classes absent
// from the map default to 1.
func WithResourceLimits(limits map[string]int) ExecutorOption {
	return func(e *Executor) { e.limits = limits }
}

// WithSemaphoreTTL sets the lease TTL handed to Acquire. Must exceed the
// worst expected step wall clock.
func WithSemaphoreTTL(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.semTTL = d }
}

// WithSemaphoreWait sets the acquire wait budget.
func WithSemaphoreWait(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.semWait = d }
}

// WithSoftLimit sets the graceful wall-clock checkpoint: once an attempt
// runs longer than this, the next inter-step checkpoint pauses the task
// instead of starting another step. Zero disables. Default: 5 hours, one
// hour inside the dispatcher's hard limit.
func WithSoftLimit(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.softLimit = d }
}

// NewExecutor wires an executor. Store, semaphore, and registry are
// required; everything else has defaults.
func NewExecutor(store Store, sem Semaphore, registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     store,
		sem:       sem,
		registry:  registry,
		logger:    nopLogger,
		semTTL:    30 * time.Minute,
		semWait:   10 * time.Minute,
		softLimit: 5 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute advances the task with the given id from its first pending step to
// a terminal status for this attempt. The task must already be claimed
// (status processing). The returned error reports infrastructure failures
// only; step failures, pauses, and cancels are Outcomes.
func (e *Executor) Execute(ctx context.Context, taskID string) (Outcome, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: load task: %w", err)
	}
	if task.Status != TaskProcessing {
		return Outcome{}, fmt.Errorf("executor: task %s is %s, want processing", taskID, task.Status)
	}
	preset, err := e.store.GetPreset(ctx, task.PresetID)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: load preset: %w", err)
	}
	results, err := e.store.ListStepResults(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: load step results: %w", err)
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "task.execute",
			StringAttr("task.id", task.ID),
			StringAttr("preset.id", preset.ID),
			IntAttr("task.attempt", task.Attempt))
		defer span.End()
	}

	outcome, err := e.run(ctx, &task, &preset, results)
	if span != nil {
		if err != nil {
			span.Error(err)
		} else {
			span.SetAttr(StringAttr("task.outcome", outcome.Kind.String()))
		}
	}
	return outcome, err
}

// run is the step loop. Resume semantics: start at the smallest step index
// with no ok result; everything before it is already committed and is never
// re-executed.
func (e *Executor) run(ctx context.Context, task *PublishTask, preset *Preset, results []StepResult) (Outcome, error) {
	start := e.now()
	artifacts := task.Artifacts.Clone()
	dagDebug := task.DagDebug
	if dagDebug == nil {
		dagDebug = make(map[string]any)
	}

	for i := firstPendingStep(preset, results); i < len(preset.Steps); i++ {
		if outcome, stop, err := e.checkpoint(ctx, task, start, i); err != nil {
			return Outcome{}, err
		} else if stop {
			return outcome, nil
		}

		step := preset.Steps[i]
		reg, ok := e.registry.Lookup(step.ToolID)
		if !ok {
			return e.failPermanent(ctx, task, i, step, Registration{},
				&ErrPermanent{Op: "executor", Message: fmt.Sprintf("tool %s not registered", step.ToolID)}, artifacts)
		}

		if step.RequiresModeration && !task.StepApproved(i) {
			idx := i
			if err := e.store.MarkTaskPaused(ctx, task.ID, fmt.Sprintf("awaiting moderation for step %d (%s)", i, step.ToolID), &idx); err != nil {
				return Outcome{}, fmt.Errorf("executor: pause for moderation: %w", err)
			}
			e.logger.Info("task awaiting moderation", "task", task.ID, "step", i, "tool", step.ToolID)
			return Outcome{Kind: OutcomePaused, StepIndex: i, Reason: "awaiting moderation"}, nil
		}

		outcome, err := e.runStep(ctx, task, i, step, reg, artifacts, dagDebug)
		if err != nil {
			return Outcome{}, err
		}
		if outcome != nil {
			return *outcome, nil
		}
	}

	return e.finish(ctx, task, artifacts, len(preset.Steps))
}

// checkpoint is the inter-step control gate: cancel wins over pause, the
// soft wall clock surfaces as a pause, hard cancellation comes in through
// ctx. Returns stop=true with the terminal outcome when the attempt ends
// here.
func (e *Executor) checkpoint(ctx context.Context, task *PublishTask, start time.Time, stepIndex int) (Outcome, bool, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, false, err
	}

	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("executor: control check: %w", err)
	}

	switch {
	case fresh.CancelRequestedAt > 0:
		reason := fresh.CancelReason
		if err := e.recordControl(ctx, task, StepCanceled, reason); err != nil {
			return Outcome{}, false, err
		}
		if err := e.store.MarkTaskCanceled(ctx, task.ID, reason); err != nil {
			return Outcome{}, false, fmt.Errorf("executor: mark canceled: %w", err)
		}
		e.logger.Info("task canceled at checkpoint", "task", task.ID, "step", stepIndex, "reason", reason)
		return Outcome{Kind: OutcomeCanceled, StepIndex: stepIndex, Reason: reason}, true, nil

	case fresh.PauseRequestedAt > 0:
		reason := fresh.PauseReason
		if err := e.recordControl(ctx, task, StepPaused, reason); err != nil {
			return Outcome{}, false, err
		}
		if err := e.store.MarkTaskPaused(ctx, task.ID, reason, nil); err != nil {
			return Outcome{}, false, fmt.Errorf("executor: mark paused: %w", err)
		}
		e.logger.Info("task paused at checkpoint", "task", task.ID, "step", stepIndex, "reason", reason)
		return Outcome{Kind: OutcomePaused, StepIndex: stepIndex, Reason: reason}, true, nil

	case e.softLimit > 0 && e.now().Sub(start) > e.softLimit:
		reason := "soft wall-clock limit reached"
		if err := e.recordControl(ctx, task, StepPaused, reason); err != nil {
			return Outcome{}, false, err
		}
		if err := e.store.MarkTaskPaused(ctx, task.ID, reason, nil); err != nil {
			return Outcome{}, false, fmt.Errorf("executor: mark paused: %w", err)
		}
		e.logger.Warn("task paused at soft limit", "task", task.ID, "step", stepIndex, "elapsed", e.now().Sub(start))
		return Outcome{Kind: OutcomePaused, StepIndex: stepIndex, Reason: reason}, true, nil
	}

	return Outcome{}, false, nil
}

// recordControl appends the sentinel step result for an observed control
// request.
func (e *Executor) recordControl(ctx context.Context, task *PublishTask, status StepStatus, reason string) error {
	now := e.now().Unix()
	r := StepResult{
		ID:          NewID(),
		TaskID:      task.ID,
		StepIndex:   StepIndexControl,
		Attempt:     task.Attempt,
		ToolID:      ToolControl,
		Status:      status,
		StartedAt:   now,
		CompletedAt: now,
		ErrorMsg:    TruncateError(reason),
	}
	if err := e.store.AppendStepResult(ctx, r); err != nil {
		return fmt.Errorf("executor: record control event: %w", err)
	}
	return nil
}

// runStep executes one preset step end to end: lease, interim record,
// handler, commit. A nil outcome with nil error means the step committed ok
// and the loop continues.
func (e *Executor) runStep(ctx context.Context, task *PublishTask, i int, step PresetStep, reg Registration, artifacts ArtifactMap, dagDebug map[string]any) (*Outcome, error) {
	inputs, perr := artifacts.Project(reg.Inputs)
	if perr != nil {
		o, err := e.failPermanent(ctx, task, i, step, reg, perr, artifacts)
		return &o, err
	}
	params := reg.MergedParams(step.Params)

	var span Span
	if e.tracer != nil {
		var stepCtx context.Context
		stepCtx, span = e.tracer.Start(ctx, "task.step",
			StringAttr("task.id", task.ID),
			IntAttr("step.index", i),
			StringAttr("tool.id", step.ToolID))
		ctx = stepCtx
		defer span.End()
	}

	// Lease for the resource class, released on every path below.
	var token string
	if reg.ResourceClass != ResourceNone {
		limit := e.limitFor(reg.ResourceClass)
		var err error
		token, err = e.sem.Acquire(ctx, reg.ResourceClass, limit, e.semTTL, e.semWait)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			o, ferr := e.failStep(ctx, task, i, step, reg, inputs, params, err, span)
			return &o, ferr
		}
		defer func() {
			if rerr := e.sem.Release(context.WithoutCancel(ctx), reg.ResourceClass, token); rerr != nil {
				e.logger.Warn("semaphore release failed", "class", reg.ResourceClass, "error", rerr)
			}
		}()
	}

	started := e.now()
	res := StepResult{
		ID:        NewID(),
		TaskID:    task.ID,
		StepIndex: i,
		Attempt:   task.Attempt,
		ToolID:    step.ToolID,
		StepName:  step.Name,
		Status:    StepRetrying,
		StartedAt: started.Unix(),
		Input:     inputs,
		Params:    params,
	}
	if err := e.store.AppendStepResult(ctx, res); err != nil {
		return nil, fmt.Errorf("executor: begin step result: %w", err)
	}

	handler := reg.Handler
	if reg.SupportsRetry {
		handler = WithHandlerRetry(handler, RetryLogger(e.logger))
	}
	outputs, herr := safeInvoke(ctx, handler, inputs, params)
	duration := e.now().Sub(started)

	if herr != nil {
		res.ErrorMsg = TruncateError(herr.Error())
		o, ferr := e.finalizeFailure(ctx, task, res, reg, herr, span, duration)
		return &o, ferr
	}

	if e.objects != nil {
		if err := e.spillOversized(ctx, outputs); err != nil {
			res.ErrorMsg = TruncateError(err.Error())
			o, ferr := e.finalizeFailure(ctx, task, res, reg, err, span, duration)
			return &o, ferr
		}
	}

	artifacts.Merge(outputs)
	res.Status = StepOK
	res.CompletedAt = e.now().Unix()
	res.Output = outputs
	dagDebug[fmt.Sprintf("%02d_%s", i, step.ToolID)] = map[string]any{
		"status":      string(StepOK),
		"attempt":     task.Attempt,
		"duration_ms": duration.Milliseconds(),
	}

	if err := e.store.CompleteStep(ctx, res, artifacts, dagDebug); err != nil {
		// Lost the lease race: another worker committed this index first.
		return nil, fmt.Errorf("executor: commit step %d: %w", i, err)
	}

	if span != nil {
		span.SetAttr(
			StringAttr("step.status", string(StepOK)),
			Float64Attr("step.duration_ms", float64(duration.Milliseconds())))
	}
	e.logger.Info("step completed", "task", task.ID, "step", i, "tool", step.ToolID, "duration", duration)
	return nil, nil
}

// finalizeFailure classifies a handler error, finalizes the interim step
// result, and translates the class into an outcome.
func (e *Executor) finalizeFailure(ctx context.Context, task *PublishTask, res StepResult, reg Registration, herr error, span Span, duration time.Duration) (Outcome, error) {
	class := Classify(herr)
	if class == ClassUnknown {
		// Unhandled errors: transient once, permanent after.
		e.logger.Error("unclassified step error", "task", task.ID, "step", res.StepIndex, "tool", res.ToolID, "attempt", task.Attempt, "error", herr)
		if task.Attempt == 0 {
			class = ClassTransient
		} else {
			class = ClassPermanent
		}
	}

	res.CompletedAt = e.now().Unix()
	if span != nil {
		span.Error(herr)
		span.SetAttr(Float64Attr("step.duration_ms", float64(duration.Milliseconds())))
	}

	switch class {
	case ClassTransient:
		res.Status = StepError
		res.Retryable = true
		if err := e.store.FailStep(ctx, res); err != nil {
			return Outcome{}, fmt.Errorf("executor: record transient failure: %w", err)
		}
		e.logger.Warn("step failed, retryable", "task", task.ID, "step", res.StepIndex, "tool", res.ToolID, "error", herr)
		return Outcome{Kind: OutcomeRetry, StepIndex: res.StepIndex, Reason: res.ErrorMsg, Err: herr}, nil

	default:
		res.Status = StepError
		if err := e.store.FailStep(ctx, res); err != nil {
			return Outcome{}, fmt.Errorf("executor: record permanent failure: %w", err)
		}
		publishError := ""
		if slices.Contains(reg.Outputs, ArtifactPublishedURL) {
			publishError = res.ErrorMsg
		}
		if err := e.store.MarkTaskError(ctx, task.ID, res.ErrorMsg, publishError); err != nil {
			return Outcome{}, fmt.Errorf("executor: mark task error: %w", err)
		}
		e.logger.Error("step failed permanently", "task", task.ID, "step", res.StepIndex, "tool", res.ToolID, "error", herr)
		return Outcome{Kind: OutcomeFailed, StepIndex: res.StepIndex, Reason: res.ErrorMsg, Err: herr}, nil
	}
}

// failPermanent records a permanent failure for a step that never got an
// interim result (registry miss, missing input).
func (e *Executor) failPermanent(ctx context.Context, task *PublishTask, i int, step PresetStep, reg Registration, herr error, artifacts ArtifactMap) (Outcome, error) {
	now := e.now().Unix()
	res := StepResult{
		ID:          NewID(),
		TaskID:      task.ID,
		StepIndex:   i,
		Attempt:     task.Attempt,
		ToolID:      step.ToolID,
		StepName:    step.Name,
		Status:      StepError,
		StartedAt:   now,
		CompletedAt: now,
		ErrorMsg:    TruncateError(herr.Error()),
	}
	if err := e.store.AppendStepResult(ctx, res); err != nil {
		return Outcome{}, fmt.Errorf("executor: record failure: %w", err)
	}
	publishError := ""
	if slices.Contains(reg.Outputs, ArtifactPublishedURL) {
		publishError = res.ErrorMsg
	}
	if err := e.store.MarkTaskError(ctx, task.ID, res.ErrorMsg, publishError); err != nil {
		return Outcome{}, fmt.Errorf("executor: mark task error: %w", err)
	}
	e.logger.Error("step failed permanently", "task", task.ID, "step", i, "tool", step.ToolID, "error", herr)
	return Outcome{Kind: OutcomeFailed, StepIndex: i, Reason: res.ErrorMsg, Err: herr}, nil
}

// failStep handles pre-handler step failures that already have a resource
// context (semaphore acquire timeout or outage): record a retrying result
// with the error and surface the retry hint.
func (e *Executor) failStep(ctx context.Context, task *PublishTask, i int, step PresetStep, reg Registration, inputs ArtifactMap, params map[string]any, herr error, span Span) (Outcome, error) {
	now := e.now().Unix()
	res := StepResult{
		ID:          NewID(),
		TaskID:      task.ID,
		StepIndex:   i,
		Attempt:     task.Attempt,
		ToolID:      step.ToolID,
		StepName:    step.Name,
		Status:      StepRetrying,
		StartedAt:   now,
		CompletedAt: now,
		Input:       inputs,
		Params:      params,
		ErrorMsg:    TruncateError(herr.Error()),
		Retryable:   true,
	}
	if err := e.store.AppendStepResult(ctx, res); err != nil {
		return Outcome{}, fmt.Errorf("executor: record acquire failure: %w", err)
	}
	if span != nil {
		span.Error(herr)
	}
	e.logger.Warn("semaphore acquire failed", "task", task.ID, "step", i, "class", reg.ResourceClass, "error", herr)
	return Outcome{Kind: OutcomeRetry, StepIndex: i, Reason: res.ErrorMsg, Err: herr}, nil
}

// finish marks the task published, lifting the publish outputs off the
// artifact map. A published task without publish outputs is a contract
// violation, recorded as a terminal marker at the 9999 sentinel.
func (e *Executor) finish(ctx context.Context, task *PublishTask, artifacts ArtifactMap, steps int) (Outcome, error) {
	externalID := artifacts.TextOf(ArtifactPublishedExternal)
	url := artifacts.TextOf(ArtifactPublishedURL)
	if externalID == "" || url == "" {
		msg := "all steps completed but publish outputs are missing from the artifact map"
		now := e.now().Unix()
		r := StepResult{
			ID:          NewID(),
			TaskID:      task.ID,
			StepIndex:   StepIndexTerminal,
			Attempt:     task.Attempt,
			ToolID:      ToolWorker,
			Status:      StepError,
			StartedAt:   now,
			CompletedAt: now,
			ErrorMsg:    msg,
		}
		if err := e.store.AppendStepResult(ctx, r); err != nil {
			return Outcome{}, fmt.Errorf("executor: record terminal marker: %w", err)
		}
		if err := e.store.MarkTaskError(ctx, task.ID, msg, msg); err != nil {
			return Outcome{}, fmt.Errorf("executor: mark task error: %w", err)
		}
		e.logger.Error("publish outputs missing", "task", task.ID)
		return Outcome{Kind: OutcomeFailed, StepIndex: steps, Reason: msg}, nil
	}
	if err := e.store.MarkTaskPublished(ctx, task.ID, externalID, url); err != nil {
		return Outcome{}, fmt.Errorf("executor: mark published: %w", err)
	}
	e.logger.Info("task published", "task", task.ID, "url", url)
	return Outcome{Kind: OutcomePublished, StepIndex: steps}, nil
}

// RunPreview executes a single preview-capable step against a copy of the
// task's artifact map and returns the outputs under preview/<kind> keys.
// The canonical map and the step index are untouched; nothing is persisted.
func (e *Executor) RunPreview(ctx context.Context, taskID string, stepIndex int) (ArtifactMap, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("executor: load task: %w", err)
	}
	preset, err := e.store.GetPreset(ctx, task.PresetID)
	if err != nil {
		return nil, fmt.Errorf("executor: load preset: %w", err)
	}
	if stepIndex < 0 || stepIndex >= len(preset.Steps) {
		return nil, fmt.Errorf("executor: step index %d out of range", stepIndex)
	}
	step := preset.Steps[stepIndex]
	reg, ok := e.registry.Lookup(step.ToolID)
	if !ok {
		return nil, fmt.Errorf("executor: tool %s not registered", step.ToolID)
	}
	if !reg.SupportsPreview {
		return nil, fmt.Errorf("executor: tool %s does not support preview", step.ToolID)
	}
	inputs, err := task.Artifacts.Clone().Project(reg.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := safeInvoke(ctx, reg.Handler, inputs, reg.MergedParams(step.Params))
	if err != nil {
		return nil, err
	}
	preview := make(ArtifactMap, len(outputs))
	for kind, v := range outputs {
		preview[PreviewKey(kind)] = v
	}
	return preview, nil
}

// limitFor resolves the semaphore limit for a resource class.
func (e *Executor) limitFor(class string) int {
	if n, ok := e.limits[class]; ok && n > 0 {
		return n
	}
	return 1
}

// spillOversized moves text outputs above the inline cap to the object
// store, replacing them with blob descriptors.
func (e *Executor) spillOversized(ctx context.Context, outputs ArtifactMap) error {
	for kind, a := range outputs {
		if a.Type != ArtifactText || len(a.Text) <= MaxInlineText {
			continue
		}
		ref, err := e.objects.Put(ctx, []byte(a.Text), "text/plain; charset=utf-8")
		if err != nil {
			return &ErrTransient{Op: "executor", Message: fmt.Sprintf("spill %s to object store", kind), Err: err}
		}
		outputs[kind] = BlobArtifact(ref)
	}
	return nil
}

// firstPendingStep returns the smallest step index with no ok result.
func firstPendingStep(preset *Preset, results []StepResult) int {
	done := make(map[int]bool, len(results))
	for _, r := range results {
		if r.Status == StepOK && !SentinelIndex(r.StepIndex) {
			done[r.StepIndex] = true
		}
	}
	for i := range preset.Steps {
		if !done[i] {
			return i
		}
	}
	return len(preset.Steps)
}

// safeInvoke shields the executor from handler panics; a panic is an
// unclassified error carrying the stack.
func safeInvoke(ctx context.Context, h Handler, inputs ArtifactMap, params map[string]any) (out ArtifactMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, inputs, params)
}
