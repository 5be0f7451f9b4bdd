package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/internal/config"
	"github.com/showrun/showrun/internal/scheduling"
	"github.com/showrun/showrun/metricsync"
	"github.com/showrun/showrun/notify/telegram"
	"github.com/showrun/showrun/objectstore"
	"github.com/showrun/showrun/observer"
	"github.com/showrun/showrun/semaphore/redisem"
)

// runWorker is the long-running process: dispatcher pool, watchdog, and the
// metric-refresh schedule, all stopping together on SIGINT/SIGTERM.
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("SHOWRUN_CONFIG"), "path to TOML config")
	_ = fs.Parse(args)

	// 1. Load config
	cfg := config.Load(*configPath)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appOpts := []showrun.Option{showrun.WithLogger(logger)}

	// 2. Observability, when enabled (exporters read the OTEL_* env)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		fatal(err)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		appOpts = append(appOpts, showrun.WithTracer(observer.NewTracer()))
	}

	// 3. Store
	store, err := openStore(ctx, cfg, logger)
	fatal(err)
	defer store.Close()
	appOpts = append(appOpts, showrun.WithStore(store))

	// 4. Semaphore + ready signal: Redis when configured, in-process otherwise
	if cfg.KV.URL != "" {
		client, err := openRedis(cfg)
		fatal(err)
		defer client.Close()
		sig := redisem.NewSignal(client)
		defer sig.Close()
		appOpts = append(appOpts,
			showrun.WithSemaphore(redisem.New(client, redisem.WithLogger(logger))),
			showrun.WithSignal(sig),
		)
	}

	// 5. Notifier
	if cfg.Notify.TelegramToken != "" {
		appOpts = append(appOpts, showrun.WithNotifier(showrun.WithThrottle(
			telegram.New(cfg.Notify.TelegramToken, cfg.Notify.Channel),
		)))
	}

	// 6. Artifact blobs
	appOpts = append(appOpts, showrun.WithObjects(
		objectstore.New(cfg.Objects.Dir, objectstore.WithLogger(logger))))

	// 7. Tuning from config
	appOpts = append(appOpts,
		showrun.WithExecutorOptions(
			showrun.WithResourceLimits(cfg.Semaphore.Limits),
			showrun.WithSemaphoreTTL(cfg.Semaphore.TTL()),
			showrun.WithSemaphoreWait(cfg.Semaphore.WaitTimeout()),
		),
		showrun.WithDispatcherOptions(
			showrun.WithWorkers(cfg.Worker.Concurrency),
			showrun.WithPollInterval(cfg.Worker.Poll()),
			showrun.WithMaxRetries(cfg.Worker.MaxRetries),
		),
		showrun.WithWatchdogOptions(
			showrun.WithWatchdogInterval(cfg.Watchdog.Interval()),
			showrun.WithWatchdogMaxRetries(cfg.Worker.MaxRetries),
		),
	)

	app := showrun.New(appOpts...)

	// 8. Tool catalogue
	fatal(registerTools(app, inst))
	if len(app.Registry().ToolIDs()) == 0 {
		logger.Warn("no tools registered, queued tasks will fail tool lookup")
	}

	// 9. Metric refresher on its schedule, when a fetcher is compiled in
	if metricsFetcher != nil {
		runner := scheduling.New(scheduling.WithLogger(logger))
		refresher := metricsync.New(store, metricsFetcher, metricsync.WithLogger(logger))
		fatal(runner.Add("metric-refresh", cfg.Metrics.RefreshSchedule, refresher.RefreshDue))
		go func() { _ = runner.Run(ctx) }()
	}

	// 10. Run until signalled
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
