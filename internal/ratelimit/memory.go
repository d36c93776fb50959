package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	shardCount = 64

	// DefaultRetention is how many windows an idle record outlives its
	// window before a sweep may remove it.
	DefaultRetention = 2

	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = time.Minute
)

// record is the counter state of a single key.
type record struct {
	count        int64
	windowStart  time.Time
	window       time.Duration
	blockedUntil time.Time
}

// expiresAt is when a sweep may remove the record.
func (r *record) expiresAt(retention int) time.Time {
	exp := r.windowStart.Add(r.window * time.Duration(retention))
	if r.blockedUntil.After(exp) {
		return r.blockedUntil
	}
	return exp
}

type shard struct {
	mu      sync.Mutex
	records map[Key]*record
}

// MemoryStore is an in-memory fixed-window Store. Keys are spread over
// independently locked shards so unrelated keys rarely contend. A background
// goroutine periodically sweeps records whose window expired long ago.
type MemoryStore struct {
	shards          [shardCount]shard
	retention       int
	cleanupInterval time.Duration
	clock           Clock

	created atomic.Int64
	evicted atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// MemoryStoreStats reports record counts for monitoring.
type MemoryStoreStats struct {
	Created int64 // Records created, including re-creation after eviction
	Evicted int64 // Records removed by sweeps
	Active  int   // Records currently held
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets the background sweep interval. Zero disables the
// background sweep; Sweep can still be called directly.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.cleanupInterval = interval
	}
}

// WithRetention sets how many windows a record is kept after its window
// started. Values below 1 are raised to 1 so active windows are never evicted.
func WithRetention(windows int) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.retention = max(windows, 1)
	}
}

// WithSweepClock sets the clock used by the background sweep.
func WithSweepClock(clock Clock) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if clock != nil {
			ms.clock = clock
		}
	}
}

// NewMemoryStore creates an in-memory store and starts its background sweep
// unless the cleanup interval is zero.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		retention:       DefaultRetention,
		cleanupInterval: DefaultCleanupInterval,
		clock:           SystemClock{},
		done:            make(chan struct{}),
	}
	for i := range ms.shards {
		ms.shards[i].records = make(map[Key]*record)
	}
	for _, opt := range opts {
		opt(ms)
	}

	if ms.cleanupInterval > 0 {
		ms.wg.Add(1)
		go ms.cleanup()
	}
	return ms
}

func (ms *MemoryStore) shardFor(key Key) *shard {
	return &ms.shards[xxhash.Sum64String(string(key))%shardCount]
}

// RecordAndCheck counts one request for key. A missing record, or one whose
// window has elapsed, starts a new window at now with a count of one.
// Requests made while denied are still counted, except while the key is
// blocked by a policy with a BlockDuration.
func (ms *MemoryStore) RecordAndCheck(_ context.Context, key Key, policy Policy, now time.Time) (Decision, error) {
	if ms.closed.Load() {
		return Decision{}, ErrStoreClosed
	}

	s := ms.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &record{}
		s.records[key] = rec
		ms.created.Add(1)
	}

	fresh := !ok
	if !rec.blockedUntil.IsZero() {
		if now.Before(rec.blockedUntil) {
			return blockedDecision(rec.blockedUntil, policy), nil
		}
		rec.blockedUntil = time.Time{}
		fresh = true
	}

	if fresh || now.Sub(rec.windowStart) >= policy.Window {
		rec.count = 1
		rec.windowStart = now
		rec.window = policy.Window
	} else {
		rec.count++
	}

	d := windowDecision(rec.count, rec.windowStart, policy)
	if !d.Allowed && policy.BlockDuration > 0 {
		rec.blockedUntil = now.Add(policy.BlockDuration)
		d = blockedDecision(rec.blockedUntil, policy)
	}
	return d, nil
}

// Sweep removes every record whose window started at least retention
// windows before now and whose block, if any, has ended. It returns how many
// were removed.
func (ms *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range ms.shards {
		s := &ms.shards[i]
		s.mu.Lock()
		for key, rec := range s.records {
			if !now.Before(rec.expiresAt(ms.retention)) {
				delete(s.records, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		ms.evicted.Add(int64(removed))
	}
	return removed
}

// Len returns the number of records currently held.
func (ms *MemoryStore) Len() int {
	n := 0
	for i := range ms.shards {
		s := &ms.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Stats returns record counters.
func (ms *MemoryStore) Stats() MemoryStoreStats {
	return MemoryStoreStats{
		Created: ms.created.Load(),
		Evicted: ms.evicted.Load(),
		Active:  ms.Len(),
	}
}

// Ping reports ErrStoreClosed once the store has been closed.
func (ms *MemoryStore) Ping(context.Context) error {
	if ms.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// Close stops the background sweep. It is safe to call more than once.
func (ms *MemoryStore) Close() error {
	ms.closeOnce.Do(func() {
		ms.closed.Store(true)
		close(ms.done)
	})
	ms.wg.Wait()
	return nil
}

func (ms *MemoryStore) cleanup() {
	defer ms.wg.Done()

	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.done:
			return
		case <-ticker.C:
			ms.Sweep(ms.clock.Now())
		}
	}
}
