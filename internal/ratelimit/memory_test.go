package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T, opts ...MemoryStoreOption) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(append([]MemoryStoreOption{WithCleanupInterval(0)}, opts...)...)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryStore_FirstRequestStartsWindow(t *testing.T) {
	store := newTestMemoryStore(t)
	now := time.Now()
	policy := Policy{MaxRequests: 5, Window: time.Second}

	d, err := store.RecordAndCheck(context.Background(), IPKey("1.2.3.4"), policy, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, now.Add(time.Second), d.ResetAt)
}

func TestMemoryStore_DeniesAfterMaxRequests(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 5, Window: time.Second}
	key := IPKey("1.2.3.4")
	start := clock.Now()

	for i := 1; i <= 5; i++ {
		d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 5-i, d.Remaining)
		clock.Advance(40 * time.Millisecond)
	}

	d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, start.Add(time.Second), d.ResetAt)
}

func TestMemoryStore_DeniedRequestsKeepCounting(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 2, Window: time.Second}
	key := IPKey("1.2.3.4")
	start := clock.Now()

	for i := 0; i < 10; i++ {
		_, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
		require.NoError(t, err)
		clock.Advance(50 * time.Millisecond)
	}

	s := store.shardFor(key)
	s.mu.Lock()
	rec := s.records[key]
	s.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, int64(10), rec.count)
	assert.Equal(t, start, rec.windowStart)
}

func TestMemoryStore_WindowResets(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 3, Window: time.Second}
	key := IPKey("1.2.3.4")

	for i := 0; i < 5; i++ {
		store.RecordAndCheck(ctx, key, policy, clock.Now())
	}
	d, _ := store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.False(t, d.Allowed)

	// Exactly one window later the record resets.
	clock.Advance(time.Second)
	d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, clock.Now().Add(time.Second), d.ResetAt)
}

func TestMemoryStore_JustBeforeWindowEndStillDenied(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 1, Window: time.Second}
	key := IPKey("1.2.3.4")

	store.RecordAndCheck(ctx, key, policy, clock.Now())
	clock.Advance(time.Second - time.Nanosecond)

	d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	now := time.Now()
	policy := Policy{MaxRequests: 2, Window: time.Minute}

	for i := 0; i < 3; i++ {
		store.RecordAndCheck(ctx, IPKey("1.1.1.1"), policy, now)
	}
	d, _ := store.RecordAndCheck(ctx, IPKey("1.1.1.1"), policy, now)
	assert.False(t, d.Allowed, "exhausted key should be denied")

	d, err := store.RecordAndCheck(ctx, IPKey("2.2.2.2"), policy, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = store.RecordAndCheck(ctx, TokenKey("1.1.1.1"), policy, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "token namespace must not share the ip counter")
}

func TestMemoryStore_ConcurrentSameKey(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	now := time.Now()
	policy := Policy{MaxRequests: 100, Window: time.Minute}
	key := TokenKey("shared")

	const goroutines = 50
	const perGoroutine = 20

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				d, err := store.RecordAndCheck(ctx, key, policy, now)
				if err != nil {
					return
				}
				if d.Allowed {
					allowed.Add(1)
				} else {
					denied.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
	assert.Equal(t, int64(goroutines*perGoroutine-100), denied.Load())
}

func TestMemoryStore_ConcurrentManyKeys(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	now := time.Now()
	policy := Policy{MaxRequests: 10, Window: time.Minute}

	const keys = 200
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := IPKey(fmt.Sprintf("10.0.%d.%d", id/256, id%256))
			for j := 0; j < 15; j++ {
				if d, err := store.RecordAndCheck(ctx, key, policy, now); err == nil && d.Allowed {
					allowed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(keys*10), allowed.Load())
	assert.Equal(t, keys, store.Len())
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	short := Policy{MaxRequests: 5, Window: time.Second}
	long := Policy{MaxRequests: 5, Window: time.Hour}

	store.RecordAndCheck(ctx, IPKey("short"), short, clock.Now())
	store.RecordAndCheck(ctx, IPKey("long"), long, clock.Now())
	require.Equal(t, 2, store.Len())

	// Expired but still within retention.
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 0, store.Sweep(clock.Now()))
	assert.Equal(t, 2, store.Len())

	// Past retention (2 windows) for the short key only.
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, store.Sweep(clock.Now()))
	assert.Equal(t, 1, store.Len())

	stats := store.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Equal(t, 1, stats.Active)
}

func TestMemoryStore_SweepNeverEvictsActiveWindow(t *testing.T) {
	store := newTestMemoryStore(t, WithRetention(0))
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 5, Window: time.Second}

	store.RecordAndCheck(ctx, IPKey("a"), policy, clock.Now())

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, store.Sweep(clock.Now()))

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, store.Sweep(clock.Now()))
}

func TestMemoryStore_BlockDuration(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 2, Window: time.Second, BlockDuration: 5 * time.Second}
	key := TokenKey("abc")

	for i := 0; i < 2; i++ {
		d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	blockedAt := clock.Now()
	d, err := store.RecordAndCheck(ctx, key, policy, blockedAt)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, blockedAt.Add(5*time.Second), d.ResetAt)

	// Past the window, still blocked, and not counted.
	clock.Advance(2 * time.Second)
	d, err = store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, blockedAt.Add(5*time.Second), d.ResetAt)

	// The block has ended and a fresh window starts.
	clock.Advance(3 * time.Second)
	d, err = store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, clock.Now().Add(time.Second), d.ResetAt)
}

func TestMemoryStore_ZeroBlockDurationKeepsWindowReset(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 1, Window: time.Second}
	key := IPKey("1.2.3.4")
	start := clock.Now()

	store.RecordAndCheck(ctx, key, policy, clock.Now())
	d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, start.Add(time.Second), d.ResetAt)

	clock.Advance(time.Second)
	d, err = store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStore_SweepKeepsBlockedRecords(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 1, Window: time.Second, BlockDuration: time.Minute}
	key := IPKey("blocked")

	store.RecordAndCheck(ctx, key, policy, clock.Now())
	store.RecordAndCheck(ctx, key, policy, clock.Now())

	// Well past retention of the window, inside the block.
	clock.Advance(10 * time.Second)
	assert.Equal(t, 0, store.Sweep(clock.Now()))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, store.Sweep(clock.Now()))
}

func TestMemoryStore_SweepThenRecreate(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	clock := newFakeClock()
	policy := Policy{MaxRequests: 1, Window: time.Second}
	key := IPKey("churn")

	store.RecordAndCheck(ctx, key, policy, clock.Now())
	clock.Advance(5 * time.Second)
	require.Equal(t, 1, store.Sweep(clock.Now()))

	d, err := store.RecordAndCheck(ctx, key, policy, clock.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), store.Stats().Created)
}

func TestMemoryStore_BackgroundCleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithCleanupInterval(20*time.Millisecond), WithSweepClock(clock))
	defer store.Close()

	policy := Policy{MaxRequests: 1, Window: time.Second}
	store.RecordAndCheck(context.Background(), IPKey("ephemeral"), policy, clock.Now())
	require.Equal(t, 1, store.Len())

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_Close(t *testing.T) {
	store := NewMemoryStore(WithCleanupInterval(10 * time.Millisecond))
	require.NoError(t, store.Ping(context.Background()))

	assert.NoError(t, store.Close())
	// Should not panic on double close
	assert.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)
	_, err := store.RecordAndCheck(context.Background(), IPKey("x"), Policy{MaxRequests: 1, Window: time.Second}, time.Now())
	assert.ErrorIs(t, err, ErrStoreClosed)
}
