package showrun

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// countSignal records ready notifications.
type countSignal struct{ notifies atomic.Int32 }

func (s *countSignal) Notify(context.Context) error { s.notifies.Add(1); return nil }

func (s *countSignal) Wait(context.Context, time.Duration) error { return nil }

func TestRequestPause(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(store)
	ctx := context.Background()
	task := seedTask(t, store, presetOf("transcribe"), TaskQueued)

	if err := ctrl.RequestPause(ctx, task.ID, "hold for review"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.PauseRequestedAt == 0 || got.PauseReason != "hold for review" {
		t.Fatalf("pause flags = (%d, %q)", got.PauseRequestedAt, got.PauseReason)
	}

	// Repeating the request is a no-op that keeps the first reason.
	if err := ctrl.RequestPause(ctx, task.ID, "different reason"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.PauseReason != "hold for review" {
		t.Errorf("reason overwritten to %q", got.PauseReason)
	}

	// Already paused: accept silently.
	if err := store.MarkTaskPaused(ctx, task.ID, "parked", nil); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.RequestPause(ctx, task.ID, "again"); err != nil {
		t.Errorf("pause of paused task: %v", err)
	}
}

func TestRequestPauseRejectsTerminal(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(store)
	ctx := context.Background()
	task := seedTask(t, store, presetOf("transcribe"), TaskProcessing)
	if err := store.MarkTaskPublished(ctx, task.ID, "ext", "url"); err != nil {
		t.Fatal(err)
	}

	err := ctrl.RequestPause(ctx, task.ID, "too late")
	if err == nil || !strings.Contains(err.Error(), "cannot pause") {
		t.Fatalf("err = %v, want status rejection", err)
	}
}

func TestRequestCancelFlagsRunning(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(store)
	ctx := context.Background()
	task := seedTask(t, store, presetOf("transcribe"), TaskProcessing)

	if err := ctrl.RequestCancel(ctx, task.ID, "wrong preset"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.CancelRequestedAt == 0 || got.CancelReason != "wrong preset" {
		t.Fatalf("cancel flags = (%d, %q)", got.CancelRequestedAt, got.CancelReason)
	}
	// The flag is cooperative: the task still runs until a checkpoint.
	if got.Status != TaskProcessing {
		t.Errorf("status = %s, flag must not preempt", got.Status)
	}

	if err := ctrl.RequestCancel(ctx, task.ID, "again"); err != nil {
		t.Errorf("repeat cancel: %v", err)
	}
}

func TestRequestCancelParkedTask(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(store)
	ctx := context.Background()

	// Paused tasks have no attempt to observe the flag: cancel directly.
	paused := seedTask(t, store, presetOf("transcribe"), TaskProcessing)
	if err := store.MarkTaskPaused(ctx, paused.ID, "parked", nil); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.RequestCancel(ctx, paused.ID, "no longer wanted"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTask(ctx, paused.ID)
	if got.Status != TaskCanceled || got.CancelReason != "no longer wanted" {
		t.Errorf("paused task = %s (%q), want canceled", got.Status, got.CancelReason)
	}

	// Same for errored tasks.
	errored := seedTask(t, store, presetOf("transcribe"), TaskProcessing)
	if err := store.MarkTaskError(ctx, errored.ID, "boom", ""); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.RequestCancel(ctx, errored.ID, "give up"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTask(ctx, errored.ID)
	if got.Status != TaskCanceled {
		t.Errorf("errored task = %s, want canceled", got.Status)
	}

	// Canceling a canceled task is a no-op; published is a hard error.
	if err := ctrl.RequestCancel(ctx, paused.ID, "again"); err != nil {
		t.Errorf("repeat cancel: %v", err)
	}
	published := seedTask(t, store, presetOf("transcribe"), TaskProcessing)
	if err := store.MarkTaskPublished(ctx, published.ID, "ext", "url"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.RequestCancel(ctx, published.ID, "too late"); err == nil {
		t.Error("expected rejection for published task")
	}
}

func TestResume(t *testing.T) {
	store := newMemStore()
	sig := &countSignal{}
	ctrl := NewController(store, WithControllerSignal(sig))
	ctx := context.Background()

	task := seedTask(t, store, presetOf("transcribe"), TaskProcessing)
	if err := store.RequeueTask(ctx, task.ID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNextTask(ctx, NewID()); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkTaskError(ctx, task.ID, "render died", ""); err != nil {
		t.Fatal(err)
	}

	resumed, err := ctrl.Resume(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != TaskQueued || resumed.Attempt != 0 {
		t.Fatalf("resumed = %s attempt=%d, want queued at attempt 0", resumed.Status, resumed.Attempt)
	}
	if sig.notifies.Load() != 1 {
		t.Errorf("notifies = %d, resume must wake a dispatcher", sig.notifies.Load())
	}

	// Only paused and errored tasks are resumable.
	if _, err := ctrl.Resume(ctx, task.ID); err == nil {
		t.Error("resume of queued task must fail")
	}
}

func TestApproveModerationResumesParkedStep(t *testing.T) {
	store := newMemStore()
	sig := &countSignal{}
	ctrl := NewController(store, WithControllerSignal(sig))
	ctx := context.Background()

	task := seedTask(t, store, presetOf("transcribe", "render", "publish"), TaskProcessing)
	idx := 1
	if err := store.MarkTaskPaused(ctx, task.ID, "awaiting moderation", &idx); err != nil {
		t.Fatal(err)
	}

	got, err := ctrl.ApproveModeration(ctx, task.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskQueued {
		t.Fatalf("status = %s, approval of the parked step must resume", got.Status)
	}
	if !got.StepApproved(1) {
		t.Error("step 1 not recorded as approved")
	}
	if got.ModerationStep != nil {
		t.Errorf("moderation step still set: %d", *got.ModerationStep)
	}
	if sig.notifies.Load() != 1 {
		t.Errorf("notifies = %d", sig.notifies.Load())
	}
}

func TestApproveModerationAheadOfTime(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(store)
	ctx := context.Background()

	// Approving a future step on a queued task records the approval without
	// touching queue state.
	task := seedTask(t, store, presetOf("transcribe", "render", "publish"), TaskQueued)
	got, err := ctrl.ApproveModeration(ctx, task.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskQueued || !got.StepApproved(2) {
		t.Fatalf("task = %s approved=%v", got.Status, got.ApprovedSteps)
	}

	// Idempotent: approving again changes nothing.
	again, err := ctrl.ApproveModeration(ctx, task.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.ApprovedSteps) != 1 {
		t.Errorf("approved steps = %v, want single entry", again.ApprovedSteps)
	}
}

func TestApproveModerationOtherStepKeepsPause(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(store)
	ctx := context.Background()

	task := seedTask(t, store, presetOf("transcribe", "render", "publish"), TaskProcessing)
	idx := 1
	if err := store.MarkTaskPaused(ctx, task.ID, "awaiting moderation", &idx); err != nil {
		t.Fatal(err)
	}

	// Approving a different step must not resume a task parked on step 1.
	got, err := ctrl.ApproveModeration(ctx, task.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskPaused {
		t.Fatalf("status = %s, want still paused", got.Status)
	}
	if !got.StepApproved(2) || got.StepApproved(1) {
		t.Errorf("approved steps = %v", got.ApprovedSteps)
	}
}
