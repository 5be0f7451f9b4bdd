package showrun

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxAcquireBackoff caps the sleep between semaphore acquire probes.
const maxAcquireBackoff = 5 * time.Second

// Semaphore is a named distributed counting semaphore with lease expiry.
// At any instant the number of live (unreleased, unexpired) tokens for a
// name never exceeds the limit passed to Acquire. Release is best-effort;
// the TTL is the crash-recovery safety net, so it must exceed the worst
// expected hold time.
type Semaphore interface {
	// Acquire blocks until a slot is free or waitTimeout elapses, returning
	// an opaque lease token. Fails with *ErrAcquireTimeout when no slot
	// freed up in time and *ErrUnavailable on a backing-store outage.
	Acquire(ctx context.Context, name string, limit int, ttl, waitTimeout time.Duration) (string, error)
	// Release returns a token. Unknown or expired tokens are a no-op that
	// logs a warning.
	Release(ctx context.Context, name, token string) error
}

// acquireBackoff is the probe delay before retry i, exponential from base
// and capped at maxAcquireBackoff.
func acquireBackoff(base time.Duration, i int) time.Duration {
	d := retryBackoff(base, i)
	if d > maxAcquireBackoff {
		return maxAcquireBackoff
	}
	return d
}

// LocalSemaphore implements Semaphore in process memory, for single-node
// deployments and tests. The contract matches the distributed backend:
// tokens expire at their TTL, eviction happens on acquire.
type LocalSemaphore struct {
	mu     sync.Mutex
	names  map[string]map[string]time.Time // name -> token -> expiry
	logger *slog.Logger
	now    func() time.Time
}

// LocalSemaphoreOption configures a LocalSemaphore.
type LocalSemaphoreOption func(*LocalSemaphore)

// WithLocalSemaphoreLogger sets a structured logger for release warnings.
func WithLocalSemaphoreLogger(l *slog.Logger) LocalSemaphoreOption {
	return func(s *LocalSemaphore) { s.logger = l }
}

// NewLocalSemaphore creates an empty in-process semaphore.
func NewLocalSemaphore(opts ...LocalSemaphoreOption) *LocalSemaphore {
	s := &LocalSemaphore{
		names:  make(map[string]map[string]time.Time),
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Semaphore = (*LocalSemaphore)(nil)

func (s *LocalSemaphore) Acquire(ctx context.Context, name string, limit int, ttl, waitTimeout time.Duration) (string, error) {
	deadline := s.now().Add(waitTimeout)
	for i := 0; ; i++ {
		if token, ok := s.tryAcquire(name, limit, ttl); ok {
			return token, nil
		}
		delay := acquireBackoff(50*time.Millisecond, i)
		if remaining := deadline.Sub(s.now()); remaining <= 0 {
			return "", &ErrAcquireTimeout{Name: name, Wait: waitTimeout.String()}
		} else if delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *LocalSemaphore) tryAcquire(name string, limit int, ttl time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tokens := s.names[name]
	if tokens == nil {
		tokens = make(map[string]time.Time)
		s.names[name] = tokens
	}
	for tok, exp := range tokens {
		if !exp.After(now) {
			delete(tokens, tok)
		}
	}
	if len(tokens) >= limit {
		return "", false
	}
	token := NewID()
	tokens[token] = now.Add(ttl)
	return token, true
}

func (s *LocalSemaphore) Release(_ context.Context, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := s.names[name]
	if _, ok := tokens[token]; !ok {
		s.logger.Warn("semaphore release of unknown token", "name", name, "token", token)
		return nil
	}
	delete(tokens, token)
	return nil
}

// Live returns the number of unexpired tokens for a name. Test probe.
func (s *LocalSemaphore) Live(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, exp := range s.names[name] {
		if exp.After(now) {
			n++
		}
	}
	return n
}
