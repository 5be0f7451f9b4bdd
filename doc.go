// Package showrun is the task execution substrate for a short-video content
// production pipeline.
//
// It provides the building blocks of the publish path: a step-wise executor
// that persists every step's input and output, a distributed dispatcher over
// a durable priority queue, a named counting semaphore with TTL expiry for
// scarce resources, a watchdog that reclaims dead worker leases, and
// duplicate-content and topic-repeat guards applied at enqueue time.
//
// # Quick Start
//
// Wire a worker over Postgres and Redis:
//
//	store := postgres.New(pool)
//	sem := redisem.New(rdb)
//
//	app := showrun.New(
//		showrun.WithStore(store),
//		showrun.WithSemaphore(sem),
//		showrun.WithNotifier(telegram.New(token, chatID)),
//		showrun.WithDispatcherOptions(showrun.WithWorkers(4)),
//	)
//	app.AddTool(showrun.Registration{
//		ToolID:        "P01_PUBLISH",
//		Handler:       publishHandler,
//		ResourceClass: showrun.ResourceNone,
//		Inputs:        []string{showrun.ArtifactBurnedVideo},
//		Outputs:       []string{showrun.ArtifactPublishedURL, showrun.ArtifactPublishedExternal},
//	})
//
//	err := app.Run(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Store] — durable queue, task rows, step-result log, candidates
//   - [Semaphore] — named counting semaphore with lease TTLs
//   - [Handler] — one tool step: artifact projection in, artifact map out
//   - [ObjectStore] — content-addressed blob storage for large artifacts
//   - [Notifier] — outbound alert channel with per-title throttling
//   - [ReadySignal] — cross-process wake-up for idle dispatchers
//
// # Included Implementations
//
// Storage: store/postgres (production queue, SKIP LOCKED claims),
// store/sqlite (single-process and tests).
// Semaphore: semaphore/redisem (sorted-set protocol), [LocalSemaphore] (in-process).
// Blobs: objectstore (filesystem CAS and in-memory).
// Alerts: notify/telegram.
//
// See the cmd/showrun directory for the worker binary and admin commands.
package showrun
