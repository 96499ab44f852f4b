package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"sage/internal/policy"
)

func TestMemoryLockerExcludesSameKey(t *testing.T) {
	l := policy.NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "other")
	require.NoError(t, err, "different keys do not contend")
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	again()
}

func newRedisLocker(t *testing.T, mr *miniredis.Miniredis) *policy.RedisLocker {
	t.Helper()
	l, err := policy.NewRedisLocker(context.Background(), mr.Addr(), time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRedisLockerExcludesSameKey(t *testing.T) {
	mr := miniredis.RunT(t)
	l := newRedisLocker(t, mr)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "u1/nudge")
	require.NoError(t, err)
	require.True(t, mr.Exists("sage:lock:u1/nudge"))
	require.Equal(t, time.Second, mr.TTL("sage:lock:u1/nudge"))

	other, err := l.Lock(ctx, "u1/reframe")
	require.NoError(t, err, "different keys do not contend")
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "u1/nudge")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() {
		release, err := l.Lock(ctx, "u1/nudge")
		if err == nil {
			release()
		}
		acquired <- err
	}()
	unlock()
	unlock()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
	require.False(t, mr.Exists("sage:lock:u1/nudge"))
}

func TestRedisUnlockKeepsAnotherHoldersLock(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newRedisLocker(t, mr)
	second := newRedisLocker(t, mr)
	ctx := context.Background()

	staleUnlock, err := first.Lock(ctx, "u1/nudge")
	require.NoError(t, err)

	// The first holder's lease runs out and another process takes the key.
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("sage:lock:u1/nudge"))
	unlock, err := second.Lock(ctx, "u1/nudge")
	require.NoError(t, err)
	token, err := mr.Get("sage:lock:u1/nudge")
	require.NoError(t, err)

	staleUnlock()
	got, err := mr.Get("sage:lock:u1/nudge")
	require.NoError(t, err, "a stale unlock must not delete the new holder's key")
	require.Equal(t, token, got)

	unlock()
	require.False(t, mr.Exists("sage:lock:u1/nudge"))
}

func TestRedisLockerNeedsReachableServer(t *testing.T) {
	_, err := policy.NewRedisLocker(context.Background(), "", time.Second, nil)
	require.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	_, err = policy.NewRedisLocker(context.Background(), addr, time.Second, nil)
	require.Error(t, err)
}
