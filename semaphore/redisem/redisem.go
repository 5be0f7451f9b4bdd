// Package redisem implements showrun's coordination primitives on Redis:
// the named counting semaphore on sorted sets and the dispatcher wake-up
// signal on pub/sub.
//
// A semaphore name maps to one sorted set whose members are lease tokens
// and whose scores are expiry times in Unix milliseconds. Acquire prunes
// expired members, adds its token, and checks its rank; a rank at or past
// the limit means the slot race was lost and the token is removed again.
// Every worker runs the same sequence, so the set never holds more than
// limit live tokens for longer than one round trip.
//
// Expiry relies on loosely synchronized clocks across workers. With TTLs
// in the tens of minutes and NTP-disciplined hosts this is a non-issue,
// but do not set TTLs in the low seconds.
package redisem

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/showrun/showrun"
)

// DefaultKeyPrefix namespaces all semaphore keys.
const DefaultKeyPrefix = "showrun:sem:"

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithLogger sets a structured logger for release warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Semaphore) { s.logger = l }
}

// WithKeyPrefix overrides the key namespace, for sharing a Redis with
// other tenants.
func WithKeyPrefix(prefix string) Option {
	return func(s *Semaphore) { s.prefix = prefix }
}

// Semaphore implements showrun.Semaphore backed by Redis sorted sets.
type Semaphore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ showrun.Semaphore = (*Semaphore)(nil)

// New creates a Semaphore using an existing Redis client.
// The caller owns the client and is responsible for closing it.
func New(client redis.UniversalClient, opts ...Option) *Semaphore {
	s := &Semaphore{
		client: client,
		prefix: DefaultKeyPrefix,
		logger: nopLogger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Semaphore) key(name string) string {
	return s.prefix + name
}

// Acquire blocks until a slot is free or waitTimeout elapses. The returned
// token must be passed to Release; an unreleased token expires on its own
// after ttl.
func (s *Semaphore) Acquire(ctx context.Context, name string, limit int, ttl, waitTimeout time.Duration) (string, error) {
	deadline := s.now().Add(waitTimeout)
	for i := 0; ; i++ {
		token, ok, err := s.tryAcquire(ctx, name, limit, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		delay := acquireDelay(i)
		if remaining := deadline.Sub(s.now()); remaining <= 0 {
			return "", &showrun.ErrAcquireTimeout{Name: name, Wait: waitTimeout.String()}
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

// tryAcquire runs one round of the sorted-set protocol.
func (s *Semaphore) tryAcquire(ctx context.Context, name string, limit int, ttl time.Duration) (string, bool, error) {
	key := s.key(name)
	now := s.now()
	token := showrun.NewID()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.Add(ttl).UnixMilli()),
		Member: token,
	})
	rank := pipe.ZRank(ctx, key, token)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, &showrun.ErrUnavailable{Store: "redis", Err: err}
	}

	// Scores are expiry times, so rank order is admission order. Ties on
	// the same millisecond break lexically by token, identically on every
	// client, so concurrent adders agree on who was over the limit.
	if rank.Val() >= int64(limit) {
		if err := s.client.ZRem(ctx, key, token).Err(); err != nil {
			return "", false, &showrun.ErrUnavailable{Store: "redis", Err: err}
		}
		return "", false, nil
	}
	return token, true, nil
}

// Release returns a token. Unknown or expired tokens are a no-op that logs
// a warning.
func (s *Semaphore) Release(ctx context.Context, name, token string) error {
	removed, err := s.client.ZRem(ctx, s.key(name), token).Result()
	if err != nil {
		return &showrun.ErrUnavailable{Store: "redis", Err: err}
	}
	if removed == 0 {
		s.logger.Warn("semaphore release of unknown token", "name", name, "token", token)
	}
	return nil
}

// Live returns the number of unexpired tokens for a name. Test probe.
func (s *Semaphore) Live(ctx context.Context, name string) (int, error) {
	key := s.key(name)
	nowMilli := strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, key, "("+nowMilli, "+inf").Result()
	if err != nil {
		return 0, &showrun.ErrUnavailable{Store: "redis", Err: err}
	}
	return int(n), nil
}

// acquireDelay is the probe backoff before retry i: exponential from 50ms,
// capped at five seconds.
func acquireDelay(i int) time.Duration {
	d := 50 * time.Millisecond << uint(min(i, 7))
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// --- Ready signal ---

// DefaultChannel is the pub/sub channel for dispatcher wake-ups.
const DefaultChannel = "showrun:ready"

// Signal implements showrun.ReadySignal on Redis pub/sub, waking idle
// dispatchers in other processes when a task is enqueued or resumed.
// Delivery is best effort; the dispatcher's poll interval remains the
// backstop.
type Signal struct {
	client  redis.UniversalClient
	channel string

	once   sync.Once
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

var _ showrun.ReadySignal = (*Signal)(nil)

// SignalOption configures a Signal.
type SignalOption func(*Signal)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) SignalOption {
	return func(s *Signal) { s.channel = name }
}

// NewSignal creates a Signal using an existing Redis client.
func NewSignal(client redis.UniversalClient, opts ...SignalOption) *Signal {
	s := &Signal{client: client, channel: DefaultChannel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Signal) Notify(ctx context.Context) error {
	if err := s.client.Publish(ctx, s.channel, "1").Err(); err != nil {
		return &showrun.ErrUnavailable{Store: "redis", Err: err}
	}
	return nil
}

func (s *Signal) Wait(ctx context.Context, d time.Duration) error {
	s.once.Do(func() {
		s.pubsub = s.client.Subscribe(ctx, s.channel)
		s.ch = s.pubsub.Channel()
	})
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ch:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the pub/sub subscription.
func (s *Signal) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
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
