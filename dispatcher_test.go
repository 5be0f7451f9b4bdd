package showrun

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// chanNotifier delivers alerts to a channel for synchronization with
// NotifyAsync goroutines.
type chanNotifier struct{ ch chan Alert }

func (n chanNotifier) Notify(_ context.Context, a Alert) error {
	n.ch <- a
	return nil
}

func waitAlert(t *testing.T, ch chan Alert) Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
		return Alert{}
	}
}

func TestDispatcherRetryBudget(t *testing.T) {
	store := newMemStore()
	registry := NewRegistry()
	registry.MustAdd(errTool("wobbly", &ErrTransient{Op: "wobbly", Message: "upstream 503"}))
	exec := newTestExecutor(store, registry)

	alerts := make(chan Alert, 4)
	d := NewDispatcher(store, exec,
		WithMaxRetries(2),
		WithRetryBase(10*time.Millisecond),
		WithDispatcherNotifier(chanNotifier{alerts}),
	)
	var delays []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) { delays = append(delays, dur) }

	task := seedTask(t, store, presetOf("wobbly"), TaskQueued)
	ctx := context.Background()

	// Attempts 0 and 1 re-enqueue, attempt 2 exhausts the budget.
	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimNextTask(ctx, NewID())
		if err != nil || claimed == nil {
			t.Fatalf("claim %d: task=%v err=%v", i, claimed, err)
		}
		if claimed.Attempt != i {
			t.Fatalf("claim %d: attempt = %d", i, claimed.Attempt)
		}
		d.runTask(ctx, nopLogger, claimed)
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "retries exhausted after 3 attempts") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	// Backoff doubles with up to 50% jitter.
	if len(delays) != 2 {
		t.Fatalf("requeue delays = %v, want 2", delays)
	}
	for i, base := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond} {
		if delays[i] < base || delays[i] > base+base/2 {
			t.Errorf("delay %d = %v, want within [%v, %v]", i, delays[i], base, base+base/2)
		}
	}

	// The worker-level failure is recorded at its sentinel index.
	worker := store.stepRows(task.ID, StepIndexWorker)
	if len(worker) != 1 || worker[0].ToolID != ToolWorker || worker[0].Status != StepError {
		t.Errorf("worker rows = %+v, want one WORKER error", worker)
	}

	a := waitAlert(t, alerts)
	if a.Severity != SeverityError || a.Title != "task failed after retries" || a.TaskID != task.ID {
		t.Errorf("alert = %+v", a)
	}
}

func TestDispatcherPermanentFailureAlerts(t *testing.T) {
	store := newMemStore()
	registry := NewRegistry()
	registry.MustAdd(errTool("broken", &ErrPermanent{Op: "broken", Message: "unsupported codec"}))
	exec := newTestExecutor(store, registry)

	alerts := make(chan Alert, 4)
	d := NewDispatcher(store, exec, WithDispatcherNotifier(chanNotifier{alerts}))
	var slept bool
	d.sleep = func(context.Context, time.Duration) { slept = true }

	task := seedTask(t, store, presetOf("broken"), TaskQueued)
	ctx := context.Background()
	claimed, err := store.ClaimNextTask(ctx, NewID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	d.runTask(ctx, nopLogger, claimed)

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskError || got.Attempt != 0 {
		t.Fatalf("task = %s attempt=%d, want error on first attempt", got.Status, got.Attempt)
	}
	if slept {
		t.Error("permanent failure must not schedule a retry")
	}
	a := waitAlert(t, alerts)
	if a.Title != "task failed" || a.TaskID != task.ID {
		t.Errorf("alert = %+v", a)
	}
}

func TestDispatcherStepFenceAbandons(t *testing.T) {
	store := newMemStore()
	store.completeStepErr = ErrStepFenced
	registry := pipelineRegistry(t)
	exec := newTestExecutor(store, registry)

	d := NewDispatcher(store, exec)
	var slept bool
	d.sleep = func(context.Context, time.Duration) { slept = true }

	task := seedTask(t, store, presetOf("transcribe", "publish"), TaskQueued)
	ctx := context.Background()
	claimed, err := store.ClaimNextTask(ctx, NewID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	d.runTask(ctx, nopLogger, claimed)

	// The losing worker walks away: no retry, no task mutation.
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskProcessing {
		t.Errorf("status = %s, want processing untouched", got.Status)
	}
	if slept {
		t.Error("fenced attempt must not schedule a retry")
	}
	if rows := store.stepRows(task.ID, StepIndexWorker); len(rows) != 0 {
		t.Errorf("fenced attempt recorded worker failure: %+v", rows)
	}
}

func TestDispatcherShutdownLeavesProcessing(t *testing.T) {
	store := newMemStore()
	registry := pipelineRegistry(t)
	exec := newTestExecutor(store, registry)
	d := NewDispatcher(store, exec)
	d.sleep = func(context.Context, time.Duration) {}

	task := seedTask(t, store, presetOf("transcribe", "publish"), TaskQueued)
	ctx, cancel := context.WithCancel(context.Background())
	claimed, err := store.ClaimNextTask(ctx, NewID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}

	// Shutdown races the claim: the attempt dies at the first checkpoint and
	// the task stays processing for the watchdog.
	cancel()
	d.runTask(ctx, nopLogger, claimed)

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != TaskProcessing {
		t.Errorf("status = %s, want processing for watchdog recovery", got.Status)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, shutdown must not burn the retry budget", got.Attempt)
	}
}

func TestDispatcherHardLimitRequeues(t *testing.T) {
	store := newMemStore()
	registry := NewRegistry()
	registry.MustAdd(Registration{
		ToolID: "slow",
		Handler: HandlerFunc(func(context.Context, ArtifactMap, map[string]any) (ArtifactMap, error) {
			time.Sleep(60 * time.Millisecond)
			return ArtifactMap{"a": TextArtifact("1")}, nil
		}),
	})
	registry.MustAdd(publishTool("publish"))
	exec := newTestExecutor(store, registry)

	d := NewDispatcher(store, exec, WithHardLimit(30*time.Millisecond), WithRetryBase(time.Millisecond))
	var delays []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) { delays = append(delays, dur) }

	task := seedTask(t, store, presetOf("slow", "publish"), TaskQueued)
	ctx := context.Background()
	claimed, err := store.ClaimNextTask(ctx, NewID())
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	d.runTask(ctx, nopLogger, claimed)

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != TaskQueued || got.Attempt != 1 {
		t.Fatalf("task = %s attempt=%d, want requeued at attempt 1", got.Status, got.Attempt)
	}
	if len(delays) != 1 {
		t.Errorf("delays = %v, want one backoff", delays)
	}
	// The slow step itself committed before the deadline was observed.
	rows := store.stepRows(task.ID, 0)
	if len(rows) != 1 || rows[0].Status != StepOK {
		t.Errorf("slow step rows = %+v, want committed ok", rows)
	}
}

func TestDispatcherStartDrainsQueue(t *testing.T) {
	store := newMemStore()
	registry := pipelineRegistry(t)
	exec := newTestExecutor(store, registry)
	sig := NewLocalSignal()
	d := NewDispatcher(store, exec,
		WithWorkers(1),
		WithPollInterval(10*time.Millisecond),
		WithDispatcherSignal(sig),
	)

	preset := presetOf("transcribe", "analyze", "render", "thumbnail", "publish")
	task := seedTask(t, store, preset, TaskQueued)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	_ = sig.Notify(ctx)

	deadline := time.After(3 * time.Second)
	for {
		got, err := store.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == TaskPublished {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task stuck in %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not drain after cancel")
	}
}

// --- ReadySignal tests ---

func TestLocalSignalWakesWaiter(t *testing.T) {
	sig := NewLocalSignal()
	ctx := context.Background()

	// Notifies coalesce and never block.
	for i := 0; i < 3; i++ {
		if err := sig.Notify(ctx); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	if err := sig.Wait(ctx, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait took %v despite pending notify", elapsed)
	}
}

func TestLocalSignalWaitHonorsContext(t *testing.T) {
	sig := NewLocalSignal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sig.Wait(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLocalSignalWaitTimesOut(t *testing.T) {
	sig := NewLocalSignal()
	start := time.Now()
	if err := sig.Wait(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("wait returned after %v, want the full timeout", elapsed)
	}
}
