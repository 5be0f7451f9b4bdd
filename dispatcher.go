package showrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// ReadySignal wakes idle dispatchers when new work lands, so a freshly
// enqueued or resumed task does not wait out a full poll interval.
type ReadySignal interface {
	Notify(ctx context.Context) error
	// Wait blocks until a notify arrives, d elapses, or ctx is done.
	Wait(ctx context.Context, d time.Duration) error
}

// LocalSignal is an in-process ReadySignal. Notifications coalesce: many
// notifies while nobody waits wake exactly one waiter.
type LocalSignal struct {
	ch chan struct{}
}

// NewLocalSignal creates a LocalSignal.
func NewLocalSignal() *LocalSignal {
	return &LocalSignal{ch: make(chan struct{}, 1)}
}

func (s *LocalSignal) Notify(_ context.Context) error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

func (s *LocalSignal) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ch:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ReadySignal = (*LocalSignal)(nil)

// dispatcherConfig holds options accumulated by DispatcherOption calls.
type dispatcherConfig struct {
	workers    int
	poll       time.Duration
	maxRetries int
	retryBase  time.Duration
	hardLimit  time.Duration
	logger     *slog.Logger
	notifier   Notifier
	ready      ReadySignal
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

// WithWorkers sets the number of concurrent claim loops. Default: one per
// CPU core.
func WithWorkers(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.workers = n }
}

// WithPollInterval sets the idle poll interval. Default: 5 seconds.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.poll = d }
}

// WithMaxRetries sets how many times a failed attempt is re-enqueued before
// the task is marked as errored. Default: 3.
func WithMaxRetries(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.maxRetries = n }
}

// WithRetryBase sets the base delay for exponential retry backoff.
// Default: 1 second.
func WithRetryBase(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.retryBase = d }
}

// WithHardLimit sets the wall-clock ceiling per attempt. Must stay below
// the queue's redelivery visibility timeout. Default: 6 hours.
func WithHardLimit(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.hardLimit = d }
}

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.logger = l }
}

// WithDispatcherNotifier routes failure alerts to a notifier.
func WithDispatcherNotifier(n Notifier) DispatcherOption {
	return func(c *dispatcherConfig) { c.notifier = n }
}

// WithDispatcherSignal subscribes the idle wait to a ready signal.
func WithDispatcherSignal(s ReadySignal) DispatcherOption {
	return func(c *dispatcherConfig) { c.ready = s }
}

// Dispatcher runs a pool of workers that claim queued tasks and drive them
// through the executor. Claims are atomic on the store side, so any number
// of dispatcher processes can share one queue.
type Dispatcher struct {
	store    Store
	executor *Executor

	workers    int
	poll       time.Duration
	maxRetries int
	retryBase  time.Duration
	hardLimit  time.Duration
	logger     *slog.Logger
	notifier   Notifier
	ready      ReadySignal

	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatcher creates a Dispatcher over a store and an executor.
func NewDispatcher(store Store, executor *Executor, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{
		workers:    runtime.NumCPU(),
		poll:       5 * time.Second,
		maxRetries: 3,
		retryBase:  time.Second,
		hardLimit:  6 * time.Hour,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:      store,
		executor:   executor,
		workers:    cfg.workers,
		poll:       cfg.poll,
		maxRetries: cfg.maxRetries,
		retryBase:  cfg.retryBase,
		hardLimit:  cfg.hardLimit,
		logger:     cfg.logger,
		notifier:   cfg.notifier,
		ready:      cfg.ready,
		sleep:      sleepCtx,
	}
}

// Start runs the worker pool. Blocks until ctx is cancelled and all workers
// have drained. Returns nil on clean shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

// runWorker is one claim loop. Claim order is priority descending, then
// created ascending, decided entirely by the store.
func (d *Dispatcher) runWorker(ctx context.Context, worker int) {
	log := d.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := d.store.ClaimNextTask(ctx, NewID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "error", err)
			d.idle(ctx)
			continue
		}
		if task == nil {
			d.idle(ctx)
			continue
		}
		d.runTask(ctx, log, task)
	}
}

// runTask drives one claimed attempt end to end.
func (d *Dispatcher) runTask(ctx context.Context, log *slog.Logger, task *PublishTask) {
	log.Info("task claimed", "task", task.ID, "priority", task.Priority, "attempt", task.Attempt)

	// 1. Run the executor under the per-attempt wall-clock ceiling.
	attemptCtx, cancel := context.WithTimeout(ctx, d.hardLimit)
	outcome, err := d.executor.Execute(attemptCtx, task.ID)
	cancel()

	// 2. Classify the attempt.
	switch {
	case err == nil:
		d.handleOutcome(ctx, log, task, outcome)

	case errors.Is(err, ErrStepFenced):
		// Another worker committed a step we were running: our lease is
		// stale, the task is theirs. Walk away without touching it.
		log.Warn("step fence hit, abandoning attempt", "task", task.ID)

	case ctx.Err() != nil:
		// Process shutdown mid-attempt. Leave the task in processing;
		// the watchdog reclaims it.
		log.Info("shutdown during attempt", "task", task.ID)

	case attemptCtx.Err() != nil:
		d.retryOrFail(ctx, log, task, &ErrTransient{
			Op:      "dispatcher",
			Message: fmt.Sprintf("hard wall-clock limit %s exceeded", d.hardLimit),
			Err:     attemptCtx.Err(),
		})

	default:
		// Store or executor infrastructure failure.
		log.Error("attempt failed", "task", task.ID, "error", err)
		d.retryOrFail(ctx, log, task, err)
	}
}

// handleOutcome maps the executor's outcome onto queue state.
func (d *Dispatcher) handleOutcome(ctx context.Context, log *slog.Logger, task *PublishTask, outcome Outcome) {
	switch outcome.Kind {
	case OutcomePublished:
		log.Info("task published", "task", task.ID)
	case OutcomePaused:
		log.Info("task paused", "task", task.ID, "step", outcome.StepIndex, "reason", outcome.Reason)
	case OutcomeCanceled:
		log.Info("task canceled", "task", task.ID, "step", outcome.StepIndex, "reason", outcome.Reason)
	case OutcomeRetry:
		d.retryOrFail(ctx, log, task, outcome.Err)
	case OutcomeFailed:
		log.Warn("task failed", "task", task.ID, "step", outcome.StepIndex, "reason", outcome.Reason)
		NotifyAsync(d.notifier, d.logger, Alert{
			Severity: SeverityError,
			Title:    "task failed",
			Body:     fmt.Sprintf("task %s failed at step %d: %s", task.ID, outcome.StepIndex, outcome.Reason),
			TaskID:   task.ID,
		})
	}
}

// retryOrFail re-enqueues a transiently failed attempt with backoff, or
// gives up after the retry budget and records the worker-level failure.
func (d *Dispatcher) retryOrFail(ctx context.Context, log *slog.Logger, task *PublishTask, cause error) {
	next := task.Attempt + 1
	if next <= d.maxRetries {
		delay := retryBackoff(d.retryBase, task.Attempt)
		log.Warn("task re-enqueued", "task", task.ID, "attempt", next, "delay", delay, "error", cause)
		d.sleep(ctx, delay)
		if err := d.store.RequeueTask(ctx, task.ID, next); err != nil {
			log.Error("requeue failed", "task", task.ID, "error", err)
		}
		return
	}

	msg := TruncateError(fmt.Sprintf("retries exhausted after %d attempts: %v", next, cause))
	now := time.Now().Unix()
	r := StepResult{
		ID:          NewID(),
		TaskID:      task.ID,
		StepIndex:   StepIndexWorker,
		Attempt:     task.Attempt,
		ToolID:      ToolWorker,
		Status:      StepError,
		StartedAt:   now,
		CompletedAt: now,
		ErrorMsg:    msg,
	}
	if err := d.store.AppendStepResult(ctx, r); err != nil {
		log.Error("record worker failure failed", "task", task.ID, "error", err)
	}
	if err := d.store.MarkTaskError(ctx, task.ID, msg, ""); err != nil {
		log.Error("mark task error failed", "task", task.ID, "error", err)
	}
	log.Error("task failed after retries", "task", task.ID, "attempts", next, "error", cause)
	NotifyAsync(d.notifier, d.logger, Alert{
		Severity: SeverityError,
		Title:    "task failed after retries",
		Body:     fmt.Sprintf("task %s: %s", task.ID, msg),
		TaskID:   task.ID,
	})
}

// idle waits for the next poll or a ready signal.
func (d *Dispatcher) idle(ctx context.Context) {
	if d.ready != nil {
		_ = d.ready.Wait(ctx, d.poll)
		return
	}
	d.sleep(ctx, d.poll)
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
