// The showrun command runs the pipeline worker and administers its queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/internal/config"
	"github.com/showrun/showrun/store/postgres"
	"github.com/showrun/showrun/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "worker":
		runWorker(args)
	case "enqueue":
		runEnqueue(args)
	case "tasks":
		runTasks(args)
	case "task":
		runTask(args)
	case "pause":
		runPause(args)
	case "cancel":
		runCancel(args)
	case "resume":
		runResume(args)
	case "approve":
		runApprove(args)
	case "candidates":
		runCandidates(args)
	case "candidate":
		runCandidate(args)
	case "watchdog":
		runWatchdog(args)
	case "health":
		runHealth(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `showrun - content production pipeline worker and queue admin

Usage:
  showrun worker [--config path]
        run the dispatcher pool, watchdog, and metric refresher
  showrun enqueue --candidate id --preset id --destination platform [--priority n]
        create a publish task from an approved candidate
  showrun tasks [--project id] [--status s] [--destination d] [--limit n]
        list publish tasks
  showrun task <id>
        show one task with its step log
  showrun pause <id> [reason]
        request a cooperative pause at the next checkpoint
  showrun cancel <id> [reason]
        request a cooperative cancel (wins over a pending pause)
  showrun resume <id>
        re-enqueue a paused or errored task
  showrun approve <id> <step>
        clear a moderation gate; resumes the task if parked on it
  showrun candidates [--project id] [--status s] [--limit n]
        list ingest candidates
  showrun candidate approve|reject <id>
        move a candidate through its review states
  showrun watchdog [--dry-run]
        run one reclaim sweep now
  showrun health
        check store and KV reachability plus queue depth

Config comes from showrun.toml (or $SHOWRUN_CONFIG) with SHOWRUN_* overrides.
`)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	return config.Load(os.Getenv("SHOWRUN_CONFIG"))
}

// openStore builds the configured backend: postgres when a database URL is
// set, embedded sqlite otherwise. Callers own Close.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (showrun.Store, error) {
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool), nil
	}
	var opts []sqlite.StoreOption
	if logger != nil {
		opts = append(opts, sqlite.WithLogger(logger))
	}
	return sqlite.New(cfg.Database.Path, opts...), nil
}

// mustStore opens and initializes the store for the one-shot admin verbs.
func mustStore(ctx context.Context, cfg config.Config) showrun.Store {
	store, err := openStore(ctx, cfg, nil)
	fatal(err)
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		fatal(fmt.Errorf("store init: %w", err))
	}
	return store
}

func openRedis(cfg config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.KV.URL)
	if err != nil {
		return nil, fmt.Errorf("parse kv url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// adminCtx bounds the one-shot verbs.
func adminCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func fmtTime(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04:05")
}

func age(unix int64) string {
	if unix == 0 {
		return "-"
	}
	d := time.Since(time.Unix(unix, 0))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
