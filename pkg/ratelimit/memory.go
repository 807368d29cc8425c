package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const shardCount = 32

type bucketPair struct {
	start  int64 // current bucket start, unix ms
	window time.Duration
	curr   int64
	prev   int64
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucketPair
}

// MemoryStore keeps buckets in process memory. Keys are spread over shards so
// concurrent admissions for different keys rarely contend.
type MemoryStore struct {
	shards [shardCount]*shard
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{buckets: make(map[string]*bucketPair)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Admit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	start := windowStart(now, window)
	elapsed := time.Duration(now.UnixMilli()-start) * time.Millisecond

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok || b.window != window {
		b = &bucketPair{start: start, window: window}
		sh.buckets[key] = b
	}
	b.roll(start)

	est := estimate(b.prev, b.curr, elapsed, window)
	if est < float64(limit) {
		b.curr++
		return Decision{Allowed: true, Estimate: est}, nil
	}
	return Decision{Allowed: false, Estimate: est}, nil
}

// roll advances the pair so that start is the current bucket.
func (b *bucketPair) roll(start int64) {
	switch {
	case b.start == start:
	case b.start == start-b.window.Milliseconds():
		b.prev = b.curr
		b.curr = 0
		b.start = start
	case b.start < start:
		b.prev = 0
		b.curr = 0
		b.start = start
	}
}

// Sweep evicts keys whose current bucket started more than two windows ago;
// such keys no longer influence any estimate. Returns the number evicted.
func (s *MemoryStore) Sweep(now time.Time) int {
	nowMs := now.UnixMilli()
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if nowMs-b.start >= 2*b.window.Milliseconds() {
				delete(sh.buckets, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// RunSweeper evicts stale buckets every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := s.Sweep(now); evicted > 0 {
				logger.Debug("Evicted stale rate-limit buckets", zap.Int("count", evicted))
			}
		}
	}
}
