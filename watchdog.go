package showrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Watchdog actions, as reported by Sweep.
const (
	WatchdogRequeue    = "requeue"
	WatchdogError      = "error"
	WatchdogQueuedWarn = "queued_warn"
)

// WatchdogAction is one reconciliation decision.
type WatchdogAction struct {
	TaskID string
	Action string
	Reason string
}

// WatchdogReport is the result of one sweep. In dry-run mode it carries the
// decisions that a live sweep would have applied.
type WatchdogReport struct {
	ScannedAt time.Time
	DryRun    bool
	Actions   []WatchdogAction
}

// watchdogConfig holds options accumulated by WatchdogOption calls.
type watchdogConfig struct {
	interval   time.Duration
	hardLimit  time.Duration
	grace      time.Duration
	staleStep  time.Duration
	queueSLA   time.Duration
	maxRetries int
	logger     *slog.Logger
	notifier   Notifier
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*watchdogConfig)

// WithWatchdogInterval sets the sweep period. Default: 5 minutes.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(c *watchdogConfig) { c.interval = d }
}

// WithWatchdogHardLimit mirrors the dispatcher's per-attempt ceiling. A
// processing task older than hard limit plus grace is a reclaim candidate.
// Default: 6 hours.
func WithWatchdogHardLimit(d time.Duration) WatchdogOption {
	return func(c *watchdogConfig) { c.hardLimit = d }
}

// WithWatchdogGrace sets the slack added on top of the hard limit before a
// lease is considered dead. Default: 30 minutes.
func WithWatchdogGrace(d time.Duration) WatchdogOption {
	return func(c *watchdogConfig) { c.grace = d }
}

// WithStaleStepThreshold sets how recent step activity must be for an
// overdue task to be left alone. Default: 30 minutes.
func WithStaleStepThreshold(d time.Duration) WatchdogOption {
	return func(c *watchdogConfig) { c.staleStep = d }
}

// WithQueueSLA sets the age past which still-queued tasks are reported.
// Default: 1 hour.
func WithQueueSLA(d time.Duration) WatchdogOption {
	return func(c *watchdogConfig) { c.queueSLA = d }
}

// WithWatchdogMaxRetries mirrors the dispatcher's retry budget. Default: 3.
func WithWatchdogMaxRetries(n int) WatchdogOption {
	return func(c *watchdogConfig) { c.maxRetries = n }
}

// WithWatchdogLogger sets the structured logger.
func WithWatchdogLogger(l *slog.Logger) WatchdogOption {
	return func(c *watchdogConfig) { c.logger = l }
}

// WithWatchdogNotifier routes reclaim alerts to a notifier.
func WithWatchdogNotifier(n Notifier) WatchdogOption {
	return func(c *watchdogConfig) { c.notifier = n }
}

// Watchdog reconciles tasks whose worker died mid-attempt. A processing
// task past the hard wall clock with no recent step activity either goes
// back on the queue (retry budget remaining) or is marked as errored. It is
// the queue's redelivery mechanism, so its cutoff must exceed the
// dispatcher's hard limit.
type Watchdog struct {
	store      Store
	interval   time.Duration
	hardLimit  time.Duration
	grace      time.Duration
	staleStep  time.Duration
	queueSLA   time.Duration
	maxRetries int
	logger     *slog.Logger
	notifier   Notifier

	now func() time.Time
}

// NewWatchdog creates a Watchdog over a store.
func NewWatchdog(store Store, opts ...WatchdogOption) *Watchdog {
	cfg := watchdogConfig{
		interval:   5 * time.Minute,
		hardLimit:  6 * time.Hour,
		grace:      30 * time.Minute,
		staleStep:  30 * time.Minute,
		queueSLA:   time.Hour,
		maxRetries: 3,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Watchdog{
		store:      store,
		interval:   cfg.interval,
		hardLimit:  cfg.hardLimit,
		grace:      cfg.grace,
		staleStep:  cfg.staleStep,
		queueSLA:   cfg.queueSLA,
		maxRetries: cfg.maxRetries,
		logger:     cfg.logger,
		notifier:   cfg.notifier,
		now:        time.Now,
	}
}

// Start begins the sweep loop. Blocks until ctx is cancelled. Returns nil
// on clean shutdown.
func (w *Watchdog) Start(ctx context.Context) error {
	for {
		if _, err := w.Sweep(ctx, false); err != nil {
			w.logger.Error("watchdog sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.interval):
		}
	}
}

// Sweep performs one reconciliation pass. With dryRun set it computes the
// decisions without mutating or alerting. Sweeps are idempotent: a task
// already handled drops out of the scan queries.
func (w *Watchdog) Sweep(ctx context.Context, dryRun bool) (WatchdogReport, error) {
	now := w.now()
	report := WatchdogReport{ScannedAt: now, DryRun: dryRun}

	// 1. Dead leases: processing past hardLimit+grace with no step activity.
	cutoff := now.Add(-(w.hardLimit + w.grace)).Unix()
	stuck, err := w.store.ListProcessingStartedBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("watchdog: scan processing: %w", err)
	}
	activityFloor := now.Add(-w.staleStep).Unix()
	for _, task := range stuck {
		lastAt, err := w.store.LastStepResultAt(ctx, task.ID)
		if err != nil {
			return report, fmt.Errorf("watchdog: last step activity: %w", err)
		}
		if lastAt >= activityFloor {
			continue
		}
		action, err := w.reclaim(ctx, task, dryRun)
		if err != nil {
			return report, err
		}
		report.Actions = append(report.Actions, action)
	}

	// 2. Queue SLA: queued tasks nobody has claimed.
	queuedCutoff := now.Add(-w.queueSLA).Unix()
	waiting, err := w.store.ListQueuedBefore(ctx, queuedCutoff)
	if err != nil {
		return report, fmt.Errorf("watchdog: scan queued: %w", err)
	}
	for _, task := range waiting {
		report.Actions = append(report.Actions, WatchdogAction{
			TaskID: task.ID,
			Action: WatchdogQueuedWarn,
			Reason: fmt.Sprintf("queued since %s", time.Unix(task.CreatedAt, 0).UTC().Format(time.RFC3339)),
		})
	}
	if len(waiting) > 0 && !dryRun {
		w.logger.Warn("tasks over queue SLA", "count", len(waiting))
		NotifyAsync(w.notifier, w.logger, Alert{
			Severity: SeverityWarn,
			Title:    "tasks over queue SLA",
			Body:     fmt.Sprintf("%d tasks queued longer than %s", len(waiting), w.queueSLA),
		})
	}

	return report, nil
}

// reclaim decides the fate of one dead-lease task: back on the queue while
// the retry budget lasts, errored after.
func (w *Watchdog) reclaim(ctx context.Context, task PublishTask, dryRun bool) (WatchdogAction, error) {
	age := w.now().Sub(time.Unix(task.ProcessingStartedAt, 0))
	next := task.Attempt + 1

	if next <= w.maxRetries {
		action := WatchdogAction{
			TaskID: task.ID,
			Action: WatchdogRequeue,
			Reason: fmt.Sprintf("lease stale for %s, requeue as attempt %d", age.Round(time.Minute), next),
		}
		if dryRun {
			return action, nil
		}
		if err := w.sentinel(ctx, task, StepIndexRetry, StepRetrying, "lease reclaimed by watchdog"); err != nil {
			return action, err
		}
		if err := w.store.RequeueTask(ctx, task.ID, next); err != nil {
			return action, fmt.Errorf("watchdog: requeue %s: %w", task.ID, err)
		}
		w.logger.Warn("task lease reclaimed", "task", task.ID, "attempt", next, "stale", age)
		NotifyAsync(w.notifier, w.logger, Alert{
			Severity: SeverityWarn,
			Title:    "task lease reclaimed",
			Body:     fmt.Sprintf("task %s requeued as attempt %d after %s without progress", task.ID, next, age.Round(time.Minute)),
			TaskID:   task.ID,
		})
		return action, nil
	}

	action := WatchdogAction{
		TaskID: task.ID,
		Action: WatchdogError,
		Reason: fmt.Sprintf("lease stale for %s, retry budget exhausted", age.Round(time.Minute)),
	}
	if dryRun {
		return action, nil
	}
	msg := fmt.Sprintf("worker lost after %d attempts, no step progress for %s", next, age.Round(time.Minute))
	if err := w.sentinel(ctx, task, StepIndexWorker, StepError, msg); err != nil {
		return action, err
	}
	if err := w.store.MarkTaskError(ctx, task.ID, msg, ""); err != nil {
		return action, fmt.Errorf("watchdog: mark error %s: %w", task.ID, err)
	}
	w.logger.Error("task abandoned by watchdog", "task", task.ID, "attempts", next)
	NotifyAsync(w.notifier, w.logger, Alert{
		Severity: SeverityError,
		Title:    "task abandoned by watchdog",
		Body:     fmt.Sprintf("task %s: %s", task.ID, msg),
		TaskID:   task.ID,
	})
	return action, nil
}

func (w *Watchdog) sentinel(ctx context.Context, task PublishTask, index int, status StepStatus, msg string) error {
	now := w.now().Unix()
	r := StepResult{
		ID:          NewID(),
		TaskID:      task.ID,
		StepIndex:   index,
		Attempt:     task.Attempt,
		ToolID:      ToolWorker,
		Status:      status,
		StartedAt:   now,
		CompletedAt: now,
		ErrorMsg:    TruncateError(msg),
		Retryable:   status == StepRetrying,
	}
	if err := w.store.AppendStepResult(ctx, r); err != nil {
		return fmt.Errorf("watchdog: record sentinel: %w", err)
	}
	return nil
}
