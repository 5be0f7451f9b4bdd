package showrun

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// throttleWindow is the per-title suppression window of the notifier.
const throttleWindow = 15 * time.Minute

// Severity grades an alert.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Alert is one outbound notification.
type Alert struct {
	Severity Severity
	Title    string
	Body     string
	TaskID   string
}

// Notifier is the outbound alert transport.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// throttledNotifier suppresses repeats of the same title inside the window.
// State is per process: each worker throttles independently.
type throttledNotifier struct {
	inner  Notifier
	window time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// ThrottleOption configures a throttled notifier.
type ThrottleOption func(*throttledNotifier)

// ThrottleWindow overrides the default 15-minute suppression window.
func ThrottleWindow(d time.Duration) ThrottleOption {
	return func(t *throttledNotifier) { t.window = d }
}

// WithThrottle wraps n so that the same alert title is forwarded at most
// once per window; suppressed alerts are dropped silently.
func WithThrottle(n Notifier, opts ...ThrottleOption) Notifier {
	t := &throttledNotifier{
		inner:    n,
		window:   throttleWindow,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *throttledNotifier) Notify(ctx context.Context, a Alert) error {
	if !t.allow(a.Title) {
		return nil
	}
	return t.inner.Notify(ctx, a)
}

func (t *throttledNotifier) allow(title string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for k, at := range t.lastSent {
		if now.Sub(at) >= t.window {
			delete(t.lastSent, k)
		}
	}
	if at, ok := t.lastSent[title]; ok && now.Sub(at) < t.window {
		return false
	}
	t.lastSent[title] = now
	return true
}

var _ Notifier = (*throttledNotifier)(nil)

// NotifyAsync delivers an alert without ever blocking the caller or letting
// a transport failure propagate: the executor and watchdog use this for all
// out-of-band alerts.
func NotifyAsync(n Notifier, logger *slog.Logger, a Alert) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = nopLogger
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Notify(ctx, a); err != nil {
			logger.Warn("notification failed", "title", a.Title, "severity", a.Severity, "error", err)
		}
	}()
}
