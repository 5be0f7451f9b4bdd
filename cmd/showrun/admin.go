package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/internal/config"
	"github.com/showrun/showrun/semaphore/redisem"
)

// runEnqueue creates one publish task from an approved candidate. The
// duplicate and topic-repeat guards run inside Enqueue; a rejection is
// reported and exits non-zero without creating anything.
func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	candidate := fs.String("candidate", "", "approved candidate id")
	preset := fs.String("preset", "", "preset id")
	destination := fs.String("destination", "", "target platform")
	priority := fs.Int("priority", 0, "queue priority, higher first")
	_ = fs.Parse(args)
	if *candidate == "" || *preset == "" || *destination == "" {
		fatal(errors.New("enqueue requires --candidate, --preset and --destination"))
	}

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	opts := []showrun.EnqueuerOption{}
	if cfg.KV.URL != "" {
		client, err := openRedis(cfg)
		fatal(err)
		defer client.Close()
		sig := redisem.NewSignal(client)
		defer sig.Close()
		opts = append(opts, showrun.WithEnqueuerSignal(sig))
	}

	task, err := showrun.NewEnqueuer(store, opts...).Enqueue(ctx, showrun.EnqueueRequest{
		CandidateID: *candidate,
		PresetID:    *preset,
		Destination: *destination,
		Priority:    *priority,
	})
	var dup *showrun.ErrDuplicateContent
	var repeat *showrun.ErrTopicRepeat
	switch {
	case errors.As(err, &dup):
		fatal(fmt.Errorf("rejected: %w", dup))
	case errors.As(err, &repeat):
		fatal(fmt.Errorf("rejected: %w", repeat))
	default:
		fatal(err)
	}
	fmt.Printf("queued %s (candidate %s, preset %s, destination %s, priority %d)\n",
		task.ID, task.CandidateID, task.PresetID, task.Destination, task.Priority)
}

func runTasks(args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	project := fs.String("project", "", "filter by project id")
	status := fs.String("status", "", "filter by status")
	destination := fs.String("destination", "", "filter by destination")
	limit := fs.Int("limit", 50, "max rows")
	_ = fs.Parse(args)

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	tasks, err := store.ListTasks(ctx, showrun.TaskFilter{
		ProjectID:   *project,
		Status:      showrun.TaskStatus(*status),
		Destination: *destination,
		Limit:       *limit,
	})
	fatal(err)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDEST\tPRI\tATTEMPT\tCREATED\tAGE\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Destination, t.Priority, t.Attempt,
			fmtTime(t.CreatedAt), age(t.CreatedAt), truncate(t.ErrorMessage, 60))
	}
	_ = w.Flush()
}

// runTask prints one task with its full step log, sentinel rows included.
func runTask(args []string) {
	if len(args) < 1 {
		fatal(errors.New("task requires an id"))
	}
	id := args[0]

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	task, err := store.GetTask(ctx, id)
	fatal(err)

	fmt.Printf("task        %s\n", task.ID)
	fmt.Printf("status      %s\n", task.Status)
	fmt.Printf("project     %s\n", task.ProjectID)
	fmt.Printf("candidate   %s\n", task.CandidateID)
	fmt.Printf("preset      %s\n", task.PresetID)
	fmt.Printf("destination %s\n", task.Destination)
	fmt.Printf("priority    %d  attempt %d\n", task.Priority, task.Attempt)
	fmt.Printf("created     %s\n", fmtTime(task.CreatedAt))
	if task.ProcessingStartedAt > 0 {
		fmt.Printf("started     %s (lease %s)\n", fmtTime(task.ProcessingStartedAt), task.LeaseID)
	}
	if task.PublishedAt > 0 {
		fmt.Printf("published   %s  %s\n", fmtTime(task.PublishedAt), task.PublishedURL)
	}
	if task.PausedAt > 0 {
		fmt.Printf("paused      %s  %s\n", fmtTime(task.PausedAt), task.PauseReason)
	}
	if task.ModerationStep != nil {
		fmt.Printf("moderation  waiting on step %d (approved: %v)\n", *task.ModerationStep, task.ApprovedSteps)
	}
	if task.CanceledAt > 0 {
		fmt.Printf("canceled    %s  %s\n", fmtTime(task.CanceledAt), task.CancelReason)
	}
	if task.ErrorMessage != "" {
		fmt.Printf("error       %s\n", task.ErrorMessage)
	}
	if task.PauseRequestedAt > 0 && task.Status != showrun.TaskPaused {
		fmt.Printf("pending     pause requested %s\n", fmtTime(task.PauseRequestedAt))
	}
	if task.CancelRequestedAt > 0 && task.Status != showrun.TaskCanceled {
		fmt.Printf("pending     cancel requested %s\n", fmtTime(task.CancelRequestedAt))
	}
	if len(task.Artifacts) > 0 {
		fmt.Printf("artifacts   %s\n", strings.Join(artifactKeys(task.Artifacts), ", "))
	}

	results, err := store.ListStepResults(ctx, id)
	fatal(err)
	if len(results) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tATTEMPT\tTOOL\tSTATUS\tSTARTED\tERROR")
	for _, r := range results {
		step := strconv.Itoa(r.StepIndex)
		if showrun.SentinelIndex(r.StepIndex) {
			step = sentinelName(r.StepIndex)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			step, r.Attempt, r.ToolID, r.Status, fmtTime(r.StartedAt), truncate(r.ErrorMsg, 60))
	}
	_ = w.Flush()
}

func runPause(args []string) {
	if len(args) < 1 {
		fatal(errors.New("pause requires an id"))
	}
	id, reason := args[0], "operator pause"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	fatal(showrun.NewController(store).RequestPause(ctx, id, reason))
	fmt.Printf("pause requested for %s; takes effect at the next checkpoint\n", id)
}

func runCancel(args []string) {
	if len(args) < 1 {
		fatal(errors.New("cancel requires an id"))
	}
	id, reason := args[0], "operator cancel"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	fatal(showrun.NewController(store).RequestCancel(ctx, id, reason))
	fmt.Printf("cancel requested for %s\n", id)
}

func runResume(args []string) {
	if len(args) < 1 {
		fatal(errors.New("resume requires an id"))
	}
	id := args[0]

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	ctrl, cleanup := controllerWithSignal(cfg, store)
	defer cleanup()
	task, err := ctrl.Resume(ctx, id)
	fatal(err)
	fmt.Printf("resumed %s (priority %d); next claim continues at the first pending step\n",
		task.ID, task.Priority)
}

func runApprove(args []string) {
	if len(args) < 2 {
		fatal(errors.New("approve requires an id and a step index"))
	}
	id := args[0]
	step, err := strconv.Atoi(args[1])
	if err != nil {
		fatal(fmt.Errorf("step index: %w", err))
	}

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	ctrl, cleanup := controllerWithSignal(cfg, store)
	defer cleanup()
	task, err := ctrl.ApproveModeration(ctx, id, step)
	fatal(err)
	if task.Status == showrun.TaskQueued {
		fmt.Printf("step %d approved; %s re-queued\n", step, task.ID)
		return
	}
	fmt.Printf("step %d approved on %s (status %s)\n", step, task.ID, task.Status)
}

func runCandidates(args []string) {
	fs := flag.NewFlagSet("candidates", flag.ExitOnError)
	project := fs.String("project", "", "filter by project id")
	status := fs.String("status", "", "filter by status (NEW, APPROVED, USED, REJECTED)")
	limit := fs.Int("limit", 50, "max rows")
	_ = fs.Parse(args)

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	candidates, err := store.ListCandidates(ctx, *project, showrun.CandidateStatus(*status), *limit)
	fatal(err)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPLATFORM\tVIEWS\tSCORE\tTITLE")
	for _, c := range candidates {
		score := "-"
		if c.ViralityScore != nil {
			score = fmt.Sprintf("%.1f", *c.ViralityScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.Status, c.Platform, c.Metrics.Views, score, truncate(c.Title, 48))
	}
	_ = w.Flush()
}

// runCandidate moves one candidate through its review states. The store
// enforces the monotonic transitions; anything else is rejected.
func runCandidate(args []string) {
	if len(args) < 2 {
		fatal(errors.New("candidate requires approve|reject and an id"))
	}
	verb, id := args[0], args[1]

	var to showrun.CandidateStatus
	switch verb {
	case "approve":
		to = showrun.CandidateApproved
	case "reject":
		to = showrun.CandidateRejected
	default:
		fatal(fmt.Errorf("unknown candidate verb %q (want approve or reject)", verb))
	}

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	fatal(store.UpdateCandidateStatus(ctx, id, to))
	fmt.Printf("candidate %s -> %s\n", id, to)
}

func runWatchdog(args []string) {
	fs := flag.NewFlagSet("watchdog", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "report decisions without applying them")
	_ = fs.Parse(args)

	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	store := mustStore(ctx, cfg)
	defer store.Close()

	report, err := showrun.NewWatchdog(store,
		showrun.WithWatchdogMaxRetries(cfg.Worker.MaxRetries),
	).Sweep(ctx, *dryRun)
	fatal(err)

	if len(report.Actions) == 0 {
		fmt.Println("nothing to reclaim")
		return
	}
	mode := "applied"
	if report.DryRun {
		mode = "would apply"
	}
	fmt.Printf("%s %d action(s):\n", mode, len(report.Actions))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, a := range report.Actions {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", a.Action, a.TaskID, a.Reason)
	}
	_ = w.Flush()
}

// runHealth pings the store and KV and reports queue depth, exiting non-zero
// when either backend is unreachable.
func runHealth(args []string) {
	cfg := loadConfig()
	ctx, cancel := adminCtx()
	defer cancel()

	failed := false

	store, err := openStore(ctx, cfg, nil)
	if err != nil {
		fmt.Printf("store: ERROR %v\n", err)
		failed = true
	} else {
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			fmt.Printf("store: ERROR %v\n", err)
			failed = true
		} else {
			fmt.Println("store: ok")
			if err := store.Init(ctx); err == nil {
				queued, err := store.ListTasks(ctx, showrun.TaskFilter{Status: showrun.TaskQueued, Limit: 1000})
				if err == nil {
					fmt.Printf("queue: %d task(s) queued\n", len(queued))
				}
				processing, err := store.ListTasks(ctx, showrun.TaskFilter{Status: showrun.TaskProcessing, Limit: 1000})
				if err == nil {
					fmt.Printf("queue: %d task(s) processing\n", len(processing))
				}
			}
		}
	}

	if cfg.KV.URL == "" {
		fmt.Println("kv: not configured (in-process semaphore)")
	} else if client, err := openRedis(cfg); err != nil {
		fmt.Printf("kv: ERROR %v\n", err)
		failed = true
	} else {
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Printf("kv: ERROR %v\n", err)
			failed = true
		} else {
			fmt.Println("kv: ok")
		}
	}

	if failed {
		os.Exit(1)
	}
}

// controllerWithSignal builds a Controller that wakes idle dispatchers over
// the KV pub/sub channel when one is configured. Callers must invoke the
// returned cleanup.
func controllerWithSignal(cfg config.Config, store showrun.Store) (*showrun.Controller, func()) {
	if cfg.KV.URL == "" {
		return showrun.NewController(store), func() {}
	}
	client, err := openRedis(cfg)
	if err != nil {
		return showrun.NewController(store), func() {}
	}
	sig := redisem.NewSignal(client)
	cleanup := func() {
		_ = sig.Close()
		_ = client.Close()
	}
	return showrun.NewController(store, showrun.WithControllerSignal(sig)), cleanup
}

func sentinelName(i int) string {
	switch i {
	case showrun.StepIndexControl:
		return "control"
	case showrun.StepIndexWorker:
		return "worker"
	case showrun.StepIndexRetry:
		return "retry"
	case showrun.StepIndexTerminal:
		return "terminal"
	default:
		return strconv.Itoa(i)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func artifactKeys(m showrun.ArtifactMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
