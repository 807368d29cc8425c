package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
)

// windowAligned is a timestamp on a 60s bucket boundary.
var windowAligned = time.UnixMilli(1_700_000_040_000)

func newTestLimiter(store Store, now *time.Time) *Limiter {
	l := New(store, zap.NewNop())
	l.now = func() time.Time { return *now }
	return l
}

func TestLimiter_ThreePerMinuteScenario(t *testing.T) {
	now := windowAligned.Add(5 * time.Second)
	l := newTestLimiter(NewMemoryStore(), &now)
	ctx := context.Background()
	key := Key("so", "entity-e", "user-u")

	var admitted, rejected int
	for i := 0; i < 4; i++ {
		ok, err := l.Admit(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		if ok {
			admitted++
		} else {
			rejected++
		}
		now = now.Add(100 * time.Millisecond)
	}

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 1, rejected)
}

func TestLimiter_ExactlyLimitAdmissionsPerWindow(t *testing.T) {
	for _, limit := range []int{1, 5, 20} {
		now := windowAligned
		l := newTestLimiter(NewMemoryStore(), &now)

		admitted := 0
		for i := 0; i < limit*3; i++ {
			ok, err := l.Admit(context.Background(), "k", limit, time.Minute)
			require.NoError(t, err)
			if ok {
				admitted++
			}
			now = now.Add(time.Second / 10)
		}
		assert.Equal(t, limit, admitted, "limit %d", limit)
	}
}

func TestLimiter_BoundaryUsesInterpolatedCount(t *testing.T) {
	now := windowAligned
	l := newTestLimiter(NewMemoryStore(), &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := l.Admit(ctx, "k", 3, time.Minute)
		require.True(t, ok)
	}

	// Exactly at the next boundary the previous bucket still weighs fully: 3*1 + 0 = 3, not below 3.
	now = windowAligned.Add(time.Minute)
	ok, _ := l.Admit(ctx, "k", 3, time.Minute)
	assert.False(t, ok, "request at the boundary must be rejected when estimate equals the limit")

	// Halfway through: 3*0.5 + 0 = 1.5 -> admit; 3*0.5 + 1 = 2.5 -> admit; 3.5 -> reject.
	now = windowAligned.Add(90 * time.Second)
	ok, _ = l.Admit(ctx, "k", 3, time.Minute)
	assert.True(t, ok)
	ok, _ = l.Admit(ctx, "k", 3, time.Minute)
	assert.True(t, ok)
	ok, _ = l.Admit(ctx, "k", 3, time.Minute)
	assert.False(t, ok)

	// Two full windows later nothing carries over.
	now = windowAligned.Add(3 * time.Minute)
	for i := 0; i < 3; i++ {
		ok, _ = l.Admit(ctx, "k", 3, time.Minute)
		assert.True(t, ok)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	now := windowAligned
	l := newTestLimiter(NewMemoryStore(), &now)
	ctx := context.Background()

	ok, _ := l.Admit(ctx, Key("so", "e", "u1"), 1, time.Minute)
	assert.True(t, ok)
	ok, _ = l.Admit(ctx, Key("so", "e", "u1"), 1, time.Minute)
	assert.False(t, ok)
	ok, _ = l.Admit(ctx, Key("so", "e", "u2"), 1, time.Minute)
	assert.True(t, ok, "a different user has its own bucket")
}

func TestLimiter_UnlimitedAndInvalid(t *testing.T) {
	now := windowAligned
	l := newTestLimiter(NewMemoryStore(), &now)

	ok, err := l.Admit(context.Background(), "k", 0, time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Admit(context.Background(), "k", 3, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

type failingStore struct{}

func (failingStore) Admit(context.Context, string, int, time.Duration, time.Time) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := New(failingStore{}, zap.New(core))

	ok, err := l.Admit(context.Background(), "k", 1, time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("Rate limiter store unavailable, admitting request").Len())
}

func TestMemoryStore_ConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	store := NewMemoryStore()
	now := windowAligned.Add(time.Second)
	const limit = 10

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.Admit(context.Background(), "hot", limit, time.Minute, now)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
}

func TestMemoryStore_SweepEvictsAfterTwoWindows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Admit(ctx, "old", 5, time.Minute, windowAligned)
	require.NoError(t, err)
	_, err = store.Admit(ctx, "fresh", 5, time.Minute, windowAligned.Add(90*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, store.Sweep(windowAligned.Add(119*time.Second)))
	assert.Equal(t, 1, store.Sweep(windowAligned.Add(2*time.Minute)))
	assert.Equal(t, 1, store.Len())
}

func TestKey_EscapesSeparators(t *testing.T) {
	assert.Equal(t, "rl:so:e1:u1", Key("so", "e1", "u1"))
	assert.NotEqual(t, Key("a:b", "c", "d"), Key("a", "b:c", "d"))
}
