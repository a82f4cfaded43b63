package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSI-Bund/Katti/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Result(ctx, "dns/example.org")
	require.ErrorIs(t, err, ErrMiss)

	in := &store.ScanResult{
		ID:        "r-1",
		OOI:       "example.org",
		Scanner:   "dns-default",
		Owner:     "alice",
		CreatedAt: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.PutResult(ctx, "dns/example.org", in, time.Minute))

	out, err := c.Result(ctx, "dns/example.org")
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.OOI, out.OOI)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestPutResultZeroTTLSkipsWrite(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutResult(ctx, "k", &store.ScanResult{ID: "r"}, 0))
	assert.Empty(t, mr.Keys())
}

func TestResultExpires(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutResult(ctx, "k", &store.ScanResult{ID: "r"}, time.Second))
	mr.FastForward(2 * time.Second)

	_, err := c.Result(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestWaitForResult(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = c.PutResult(ctx, "k", &store.ScanResult{ID: "late", CreatedAt: time.Now().UTC()}, time.Minute)
	}()

	r, err := c.WaitForResult(ctx, "k", time.Second, 5*time.Millisecond, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "late", r.ID)
}

func TestWaitForResultTimesOut(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	_, err := c.WaitForResult(context.Background(), "never", 30*time.Millisecond, 5*time.Millisecond, time.Time{})
	assert.ErrorIs(t, err, ErrMiss)
}

func TestWaitForResultIgnoresStaleEntry(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	since := time.Now().UTC().Add(-time.Hour)
	old := &store.ScanResult{ID: "old", CreatedAt: since.Add(-time.Hour)}
	require.NoError(t, c.PutResult(ctx, "k", old, time.Minute))

	_, err := c.WaitForResult(ctx, "k", 30*time.Millisecond, 5*time.Millisecond, since)
	assert.ErrorIs(t, err, ErrMiss)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = c.PutResult(ctx, "k", &store.ScanResult{ID: "new", CreatedAt: time.Now().UTC()}, time.Minute)
	}()
	r, err := c.WaitForResult(ctx, "k", time.Second, 5*time.Millisecond, since)
	require.NoError(t, err)
	assert.Equal(t, "new", r.ID)
}

func TestCallerPolicyRoundTrip(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, err := c.CallerPolicy(ctx, "alice")
	require.ErrorIs(t, err, ErrMiss)

	in := store.CallerPolicy{
		Owner: "alice",
		Endpoints: []store.Endpoint{
			{Name: "dns", Access: true, DailyRate: 100},
		},
	}
	require.NoError(t, c.PutCallerPolicy(ctx, in, time.Minute))

	out, err := c.CallerPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	mr.FastForward(2 * time.Minute)
	_, err = c.CallerPolicy(ctx, "alice")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStopSignals(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	stopped, err := c.Stopped(ctx, "dns")
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, c.SetStop(ctx, "dns"))
	stopped, err = c.Stopped(ctx, "dns")
	require.NoError(t, err)
	assert.True(t, stopped)

	stopped, err = c.Stopped(ctx, "whois")
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, c.ClearStop(ctx, "dns"))
	require.NoError(t, c.SetStop(ctx, ""))
	stopped, err = c.Stopped(ctx, "whois")
	require.NoError(t, err)
	assert.True(t, stopped, "global stop covers every task type")
}

func TestLockSingleWinner(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := NewLocker(rdb)
	ctx := context.Background()

	first, ok, err := locker.TryAcquire(ctx, "scan-key", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "scan-key", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must lose")

	first.Release(ctx)
	_, ok, err = locker.TryAcquire(ctx, "scan-key", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is free again")
}

func TestLockLeaseExpires(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := NewLocker(rdb)
	ctx := context.Background()

	_, ok, err := locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease frees the key")
}
