package showrun

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryHandler wraps a Handler and automatically retries transient failures
// with exponential backoff. Only handlers registered with SupportsRetry are
// wrapped: for everything else a retry is a fresh dispatcher attempt, so
// crash recovery runs through the queue instead of in-process loops.
type retryHandler struct {
	inner       Handler
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger // nil = nopLogger
}

// RetryOption configures a retryHandler.
type RetryOption func(*retryHandler)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryHandler) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryHandler) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures after exhausting attempts at ERROR. If not set, a
// no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryHandler) { r.logger = l }
}

// WithHandlerRetry wraps h with automatic retry on transient errors.
// Permanent, paused, and canceled outcomes pass through untouched.
func WithHandlerRetry(h Handler, opts ...RetryOption) Handler {
	r := &retryHandler{
		inner:       h,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryHandler) Handle(ctx context.Context, inputs ArtifactMap, params map[string]any) (ArtifactMap, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		out, err := r.inner.Handle(ctx, inputs, params)
		if err == nil || Classify(err) != ClassTransient {
			return out, err
		}
		last = err
		r.logger.Warn("retrying transient step error",
			"attempt", i+1,
			"max_attempts", r.maxAttempts,
			"error", err)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryBackoff(r.baseDelay, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"attempts", r.maxAttempts,
		"error", last)
	return nil, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ Handler = (*retryHandler)(nil)

// nopLogger is the default logger for components constructed without one.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
