package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Locker{R: rdb, RetryBackoff: 5 * time.Millisecond}
}

func TestWithLockRunsCallbackAndReleases(t *testing.T) {
	l := newTestLocker(t)
	ran := false
	err := l.WithLock(context.Background(), ReferenceKey("stays_ps_1_abc"), time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// Lock released: immediate reacquisition succeeds.
	err = l.WithLock(context.Background(), ReferenceKey("stays_ps_1_abc"), time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockPropagatesCallbackError(t *testing.T) {
	l := newTestLocker(t)
	sentinel := errors.New("boom")
	err := l.WithLock(context.Background(), "paylock:x", time.Second, func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestWithLockSerializesConcurrentHolders(t *testing.T) {
	l := newTestLocker(t)
	const workers = 8
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "paylock:shared", time.Second, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive)
}

func TestWithLockContextCancelledWhileWaiting(t *testing.T) {
	l := newTestLocker(t)
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "paylock:busy", time.Minute, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "paylock:busy", time.Second, func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
