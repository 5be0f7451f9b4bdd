package showrun

import (
	"context"
	"fmt"
	"log/slog"
)

// Controller is the operator-facing control surface for running tasks. All
// operations are idempotent: repeating a request that already took effect
// returns nil.
type Controller struct {
	store  Store
	logger *slog.Logger
	ready  ReadySignal
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the structured logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithControllerSignal lets resume operations wake idle dispatchers instead
// of waiting for the next poll.
func WithControllerSignal(s ReadySignal) ControllerOption {
	return func(c *Controller) { c.ready = s }
}

// NewController wires the control surface over a store.
func NewController(store Store, opts ...ControllerOption) *Controller {
	c := &Controller{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestPause flags a task for cooperative pause. A running attempt
// observes the flag at its next inter-step checkpoint; a queued task is
// flagged before any worker picks it up.
func (c *Controller) RequestPause(ctx context.Context, taskID, reason string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("control: pause: %w", err)
	}
	switch task.Status {
	case TaskQueued, TaskProcessing:
		if task.PauseRequestedAt > 0 {
			return nil
		}
		if err := c.store.SetPauseRequest(ctx, taskID, reason); err != nil {
			return fmt.Errorf("control: pause: %w", err)
		}
		c.logger.Info("pause requested", "task", taskID, "reason", reason)
		return nil
	case TaskPaused:
		return nil
	default:
		return fmt.Errorf("control: cannot pause task in status %s", task.Status)
	}
}

// RequestCancel flags a task for cooperative cancel. Cancel wins over a
// pending pause. A task already parked in paused or error is canceled
// directly since no attempt will observe the flag.
func (c *Controller) RequestCancel(ctx context.Context, taskID, reason string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("control: cancel: %w", err)
	}
	switch task.Status {
	case TaskQueued, TaskProcessing:
		if task.CancelRequestedAt > 0 {
			return nil
		}
		if err := c.store.SetCancelRequest(ctx, taskID, reason); err != nil {
			return fmt.Errorf("control: cancel: %w", err)
		}
		c.logger.Info("cancel requested", "task", taskID, "reason", reason)
		return nil
	case TaskPaused, TaskError:
		if err := c.store.MarkTaskCanceled(ctx, taskID, reason); err != nil {
			return fmt.Errorf("control: cancel: %w", err)
		}
		c.logger.Info("parked task canceled", "task", taskID, "was", task.Status, "reason", reason)
		return nil
	case TaskCanceled:
		return nil
	default:
		return fmt.Errorf("control: cannot cancel task in status %s", task.Status)
	}
}

// Resume puts a paused or errored task back on the queue with its original
// priority. The next claim resumes from the first step without an ok
// result.
func (c *Controller) Resume(ctx context.Context, taskID string) (PublishTask, error) {
	task, err := c.store.ResumeTask(ctx, taskID)
	if err != nil {
		return PublishTask{}, fmt.Errorf("control: resume: %w", err)
	}
	c.logger.Info("task resumed", "task", taskID, "priority", task.Priority)
	c.wake(ctx)
	return task, nil
}

// ApproveModeration records operator approval for a moderation-gated step.
// If the task is currently parked waiting on that exact step, it is resumed
// in the same call.
func (c *Controller) ApproveModeration(ctx context.Context, taskID string, stepIndex int) (PublishTask, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return PublishTask{}, fmt.Errorf("control: approve: %w", err)
	}
	if task.StepApproved(stepIndex) && (task.ModerationStep == nil || *task.ModerationStep != stepIndex) {
		return task, nil
	}
	if err := c.store.ApproveModerationStep(ctx, taskID, stepIndex); err != nil {
		return PublishTask{}, fmt.Errorf("control: approve: %w", err)
	}
	c.logger.Info("moderation approved", "task", taskID, "step", stepIndex)

	if task.Status == TaskPaused && task.ModerationStep != nil && *task.ModerationStep == stepIndex {
		return c.Resume(ctx, taskID)
	}
	return c.store.GetTask(ctx, taskID)
}

func (c *Controller) wake(ctx context.Context) {
	if c.ready == nil {
		return
	}
	if err := c.ready.Notify(ctx); err != nil {
		c.logger.Warn("ready signal failed", "error", err)
	}
}
