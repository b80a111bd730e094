package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/printease/internal/lock"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithLockSerialisesHolders(t *testing.T) {
	_, client := newClient(t)
	locker := lock.Locker{R: client, Prefix: "order:proof:", RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})
	errs := make(chan error, 2)

	go func() {
		errs <- locker.WithLock(ctx, "pay_1", 500*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
	}()

	<-firstDone

	go func() {
		errs <- locker.WithLock(ctx, "pay_1", 500*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	close(releaseFirst)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockReleasesOnErrorAndHonoursMaxWait(t *testing.T) {
	mr, client := newClient(t)
	locker := lock.Locker{R: client, Prefix: "t:", RetryBackoff: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond}

	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("t:k"))

	require.NoError(t, mr.Set("t:k", "someone-else"))
	err = locker.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return nil })
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	got, _ := mr.Get("t:k")
	require.Equal(t, "someone-else", got)
}

func TestLeaseReleaseLeavesSuccessorAlone(t *testing.T) {
	mr, client := newClient(t)
	locker := lock.Locker{R: client, Prefix: "t:"}
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// the key expired and someone else took it
	require.NoError(t, mr.Set("t:k", "successor"))
	require.NoError(t, lease.Release(ctx))
	got, _ := mr.Get("t:k")
	require.Equal(t, "successor", got)

	require.NoError(t, lease.Release(ctx))
}

func TestAcquireWithoutClient(t *testing.T) {
	_, err := lock.Locker{}.Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)
}
