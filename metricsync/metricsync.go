// Package metricsync keeps engagement stats for published tasks fresh. A
// Refresher pass selects published tasks whose last snapshot has gone
// stale, pulls current numbers through an injected Fetcher and appends a
// snapshot row, updating the task's denormalized last metrics. Platform
// scrapers live outside the worker; only the Fetcher seam is known here.
package metricsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/showrun/showrun"
)

// Fetcher returns current engagement stats for one published item.
type Fetcher interface {
	Fetch(ctx context.Context, platform, externalID string) (showrun.MediaMetrics, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, platform, externalID string) (showrun.MediaMetrics, error)

func (f FetcherFunc) Fetch(ctx context.Context, platform, externalID string) (showrun.MediaMetrics, error) {
	return f(ctx, platform, externalID)
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

// WithBatchSize caps tasks refreshed per pass. Default: 50.
func WithBatchSize(n int) Option {
	return func(r *Refresher) { r.batch = n }
}

// WithStaleAfter sets how old a task's last snapshot must be before the
// next pass refreshes it. Default: 6 hours.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Refresher) { r.staleAfter = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// Refresher runs metric refresh passes against a Store.
type Refresher struct {
	store      showrun.Store
	fetcher    Fetcher
	logger     *slog.Logger
	batch      int
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a Refresher.
func New(store showrun.Store, fetcher Fetcher, opts ...Option) *Refresher {
	r := &Refresher{
		store:      store,
		fetcher:    fetcher,
		logger:     nopLogger,
		batch:      50,
		staleAfter: 6 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshDue runs one pass. A failed fetch skips that task and moves on;
// the task stays due and the next pass picks it up again. Only store-level
// listing failures abort the pass.
func (r *Refresher) RefreshDue(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleAfter).Unix()
	tasks, err := r.store.ListMetricsDue(ctx, cutoff, r.batch)
	if err != nil {
		return fmt.Errorf("metricsync: list due: %w", err)
	}

	var refreshed, failed int
	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.refreshOne(ctx, &tasks[i]); err != nil {
			failed++
			r.logger.Warn("metric refresh failed", "task", tasks[i].ID, "error", err)
			continue
		}
		refreshed++
	}
	if refreshed+failed > 0 {
		r.logger.Info("metric refresh pass", "refreshed", refreshed, "failed", failed)
	}
	return nil
}

func (r *Refresher) refreshOne(ctx context.Context, task *showrun.PublishTask) error {
	if task.Destination == "" || task.PublishedExternalID == "" {
		return fmt.Errorf("metricsync: task %s has no publish identity", task.ID)
	}

	m, err := r.fetcher.Fetch(ctx, task.Destination, task.PublishedExternalID)
	if err != nil {
		return fmt.Errorf("metricsync: fetch %s/%s: %w", task.Destination, task.PublishedExternalID, err)
	}

	now := r.now().Unix()
	snap := showrun.PublishedVideoMetric{
		ID:         showrun.NewID(),
		TaskID:     task.ID,
		Platform:   task.Destination,
		ExternalID: task.PublishedExternalID,
		SnapshotAt: now,
		Metrics:    m,
	}
	if err := r.store.InsertPublishedMetric(ctx, snap); err != nil {
		return fmt.Errorf("metricsync: insert snapshot: %w", err)
	}
	if err := r.store.UpdateTaskMetrics(ctx, task.ID, m, now); err != nil {
		return fmt.Errorf("metricsync: update task metrics: %w", err)
	}
	return nil
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
