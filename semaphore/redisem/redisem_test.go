package redisem

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/showrun/showrun"
)

// skipIfNoRedis connects to the instance named by SHOWRUN_TEST_REDIS. Run
// against a throwaway database, e.g.
//
//	SHOWRUN_TEST_REDIS=redis://localhost:6379/15 go test ./semaphore/redisem
func skipIfNoRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	url := os.Getenv("SHOWRUN_TEST_REDIS")
	if url == "" {
		t.Skip("SHOWRUN_TEST_REDIS not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse SHOWRUN_TEST_REDIS: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// testSemaphore namespaces keys per run so concurrent test invocations and
// leftovers from crashed runs cannot interfere.
func testSemaphore(t *testing.T, client redis.UniversalClient) *Semaphore {
	t.Helper()
	prefix := "showrun:test:" + showrun.NewID() + ":"
	t.Cleanup(func() {
		keys, err := client.Keys(context.Background(), prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	return New(client, WithKeyPrefix(prefix))
}

func TestIntegration(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx := context.Background()

	t.Run("AcquireRelease", func(t *testing.T) {
		sem := testSemaphore(t, client)

		t1, err := sem.Acquire(ctx, "llm", 2, time.Minute, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		t2, err := sem.Acquire(ctx, "llm", 2, time.Minute, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if t1 == t2 {
			t.Errorf("tokens not distinct: %s", t1)
		}
		if n, _ := sem.Live(ctx, "llm"); n != 2 {
			t.Errorf("live = %d, want 2", n)
		}

		_, err = sem.Acquire(ctx, "llm", 2, time.Minute, 150*time.Millisecond)
		var timeout *showrun.ErrAcquireTimeout
		if !errors.As(err, &timeout) {
			t.Fatalf("err = %v, want ErrAcquireTimeout", err)
		}
		if timeout.Name != "llm" {
			t.Errorf("timeout name = %s", timeout.Name)
		}

		if err := sem.Release(ctx, "llm", t1); err != nil {
			t.Fatal(err)
		}
		t3, err := sem.Acquire(ctx, "llm", 2, time.Minute, time.Second)
		if err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
		sem.Release(ctx, "llm", t2)
		sem.Release(ctx, "llm", t3)
	})

	t.Run("NamesAreIndependent", func(t *testing.T) {
		sem := testSemaphore(t, client)

		if _, err := sem.Acquire(ctx, "whisper", 1, time.Minute, time.Second); err != nil {
			t.Fatal(err)
		}
		if _, err := sem.Acquire(ctx, "render", 1, time.Minute, time.Second); err != nil {
			t.Fatalf("blocked by sibling name: %v", err)
		}
	})

	t.Run("ExpiredTokensEvicted", func(t *testing.T) {
		sem := testSemaphore(t, client)

		if _, err := sem.Acquire(ctx, "llm", 1, 50*time.Millisecond, time.Second); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)

		if n, _ := sem.Live(ctx, "llm"); n != 0 {
			t.Errorf("live = %d, want 0 after expiry", n)
		}
		// The dead holder's slot is reusable without any release.
		if _, err := sem.Acquire(ctx, "llm", 1, time.Minute, time.Second); err != nil {
			t.Fatalf("slot not reclaimed: %v", err)
		}
	})

	t.Run("ReleaseUnknownToken", func(t *testing.T) {
		sem := testSemaphore(t, client)
		if err := sem.Release(ctx, "llm", "never-issued"); err != nil {
			t.Errorf("release unknown = %v, want nil", err)
		}
	})

	t.Run("AcquireHonorsContext", func(t *testing.T) {
		sem := testSemaphore(t, client)
		if _, err := sem.Acquire(ctx, "llm", 1, time.Minute, time.Second); err != nil {
			t.Fatal(err)
		}

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := sem.Acquire(cancelCtx, "llm", 1, time.Minute, time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("SignalWakesWaiter", func(t *testing.T) {
		channel := "showrun:test:ready:" + showrun.NewID()
		sig := NewSignal(client, WithChannel(channel))
		defer sig.Close()

		// First Wait establishes the subscription.
		if err := sig.Wait(ctx, 20*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)

		go func() {
			time.Sleep(100 * time.Millisecond)
			sig.Notify(ctx)
		}()
		start := time.Now()
		if err := sig.Wait(ctx, 3*time.Second); err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Wait took %v, wake-up missed", elapsed)
		}
	})

	t.Run("WaitHonorsContext", func(t *testing.T) {
		channel := "showrun:test:ready:" + showrun.NewID()
		sig := NewSignal(client, WithChannel(channel))
		defer sig.Close()

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		if err := sig.Wait(cancelCtx, time.Minute); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestAcquireDelay(t *testing.T) {
	cases := []struct {
		i    int
		want time.Duration
	}{
		{i: 0, want: 50 * time.Millisecond},
		{i: 1, want: 100 * time.Millisecond},
		{i: 2, want: 200 * time.Millisecond},
		{i: 4, want: 800 * time.Millisecond},
		{i: 6, want: 3200 * time.Millisecond},
		{i: 7, want: 5 * time.Second},
		{i: 20, want: 5 * time.Second},
	}
	for _, tc := range cases {
		if got := acquireDelay(tc.i); got != tc.want {
			t.Errorf("acquireDelay(%d) = %v, want %v", tc.i, got, tc.want)
		}
	}
}
