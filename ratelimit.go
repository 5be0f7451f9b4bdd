package showrun

import (
	"context"
	"sync"
	"time"
)

// rateLimitHandler wraps a Handler with proactive rate limiting. Calls are
// blocked until the rate budget allows them to proceed, so platform-facing
// steps (publish, metrics pulls) stay under their API quotas.
type rateLimitHandler struct {
	inner Handler
	mu    sync.Mutex

	// Sliding window of invocation timestamps.
	perMinute int
	window    []time.Time
}

// RateLimitOption configures a rateLimitHandler.
type RateLimitOption func(*rateLimitHandler)

// CallsPerMinute sets the maximum handler invocations per minute.
func CallsPerMinute(n int) RateLimitOption {
	return func(r *rateLimitHandler) { r.perMinute = n }
}

// WithHandlerRateLimit wraps h with proactive rate limiting. Compose with
// other wrappers:
//
//	publish = showrun.WithHandlerRateLimit(handler, showrun.CallsPerMinute(30))
//	publish = showrun.WithHandlerRateLimit(showrun.WithHandlerRetry(handler), showrun.CallsPerMinute(30))
func WithHandlerRateLimit(h Handler, opts ...RateLimitOption) Handler {
	r := &rateLimitHandler{inner: h}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitHandler) Handle(ctx context.Context, inputs ArtifactMap, params map[string]any) (ArtifactMap, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	return r.inner.Handle(ctx, inputs, params)
}

// waitForBudget blocks until the per-minute budget allows a call.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitHandler) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.window = pruneTime(r.window, cutoff)

		if r.perMinute <= 0 || len(r.window) < r.perMinute {
			if r.perMinute > 0 {
				r.window = append(r.window, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry slides out of the window.
		wait := r.window[0].Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Handler = (*rateLimitHandler)(nil)
