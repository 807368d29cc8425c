//go:build integration

package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// registerEntities creates n claimable entities.
func registerEntities(t *testing.T, db *database.DB, n int) []uuid.UUID {
	t.Helper()
	repo := NewClaimRepository(db)
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		e := createEntity(t, db, "twitch")
		require.NoError(t, repo.Register(context.Background(), &models.CoordinationClaim{
			EntityID: e.ID, Platform: e.Platform, ServerID: e.ServerID, ChannelID: e.ChannelID,
		}))
		ids = append(ids, e.ID)
	}
	return ids
}

func claimRequest(collector string, maxClaims int) models.ClaimRequest {
	return models.ClaimRequest{
		CollectorID:    collector,
		MaxClaims:      maxClaims,
		LeaseDuration:  30 * time.Minute,
		GracePeriod:    time.Minute,
		ErrorThreshold: 5,
		RotationKey:    collector + time.Now().String(),
	}
}

func TestClaimRepository_TwoCollectorsSplitSevenEntities(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	ctx := context.Background()
	registerEntities(t, db, 7)

	c1, err := repo.Claim(ctx, claimRequest("C1", 5))
	require.NoError(t, err)
	assert.Len(t, c1, 5)

	c2, err := repo.Claim(ctx, claimRequest("C2", 5))
	require.NoError(t, err)
	assert.Len(t, c2, 2, "C2 receives exactly the remaining entities")

	seen := make(map[uuid.UUID]string)
	for _, c := range append(c1, c2...) {
		require.NotNil(t, c.CollectorID)
		_, dup := seen[c.EntityID]
		assert.False(t, dup, "entity %s claimed twice", c.EntityID)
		seen[c.EntityID] = *c.CollectorID
		assert.Equal(t, models.ClaimClaimed, c.Status)
	}

	none, err := repo.Claim(ctx, claimRequest("C3", 5))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimRepository_ConcurrentClaimersNeverOverlap(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	registerEntities(t, db, 20)

	const collectors = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	holders := make(map[uuid.UUID][]string)

	for i := 0; i < collectors; i++ {
		wg.Add(1)
		go func(collector string) {
			defer wg.Done()
			claims, err := repo.Claim(context.Background(), claimRequest(collector, 5))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claims {
				holders[c.EntityID] = append(holders[c.EntityID], collector)
			}
		}(fmt.Sprintf("collector-%d", i))
	}
	wg.Wait()

	assert.Len(t, holders, 20, "every entity claimed")
	for entityID, who := range holders {
		assert.Len(t, who, 1, "entity %s held by %v", entityID, who)
	}

	stats, err := repo.Stats(context.Background(), time.Minute, 5)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Claimed)
	total := 0
	for _, n := range stats.ClaimsPerWorker {
		assert.LessOrEqual(t, n, 5)
		total += n
	}
	assert.Equal(t, 20, total)
}

func TestClaimRepository_ExpiredLeaseIsReclaimable(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	ctx := context.Background()
	ids := registerEntities(t, db, 1)

	stale := claimRequest("C1", 1)
	stale.LeaseDuration = -2 * time.Minute
	claims, err := repo.Claim(ctx, stale)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	// Within grace the claim is still protected.
	graceful := claimRequest("C2", 1)
	graceful.GracePeriod = 5 * time.Minute
	none, err := repo.Claim(ctx, graceful)
	require.NoError(t, err)
	assert.Empty(t, none)

	expired, err := repo.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, ids[0], expired[0].EntityID)
	require.NotNil(t, expired[0].CollectorID)
	assert.Equal(t, "C1", *expired[0].CollectorID, "previous holder is reported")

	reclaimed, err := repo.Claim(ctx, claimRequest("C2", 1))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "C2", *reclaimed[0].CollectorID)

	n, err := repo.Checkin(ctx, "C1", 30*time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "former holder cannot extend a lost claim")
}

func TestClaimRepository_LateCheckinWithinGraceKeepsClaim(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	ctx := context.Background()
	ids := registerEntities(t, db, 2)

	// Both leases ended: one 30s ago (inside grace), one 2m ago (past grace).
	late := claimRequest("C1", 1)
	late.LeaseDuration = -30 * time.Second
	_, err := repo.Claim(ctx, late)
	require.NoError(t, err)
	lost := claimRequest("C1", 1)
	lost.LeaseDuration = -2 * time.Minute
	_, err = repo.Claim(ctx, lost)
	require.NoError(t, err)

	held, err := repo.CountHeld(ctx, "C1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, held)

	n, err := repo.Checkin(ctx, "C1", 30*time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the claim still inside grace is extended")

	ok, err := repo.Heartbeat(ctx, "C1", ids[0], models.ClaimStatusFields{IsLive: true}, time.Minute)
	require.NoError(t, err)
	ok2, err := repo.Heartbeat(ctx, "C1", ids[1], models.ClaimStatusFields{IsLive: true}, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, ok, ok2, "exactly one of the two claims is still held")

	other := claimRequest("C2", 2)
	other.GracePeriod = time.Minute
	claims, err := repo.Claim(ctx, other)
	require.NoError(t, err)
	require.Len(t, claims, 1, "the checked-in entity stays with C1")

	kept := ids[0]
	if claims[0].EntityID == ids[0] {
		kept = ids[1]
	}
	c, err := repo.Get(ctx, kept)
	require.NoError(t, err)
	require.NotNil(t, c.CollectorID)
	assert.Equal(t, "C1", *c.CollectorID)
	assert.True(t, c.ClaimExpires.After(time.Now().Add(20*time.Minute)))
}

func TestClaimRepository_HeartbeatAndOfflineRelease(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	ctx := context.Background()
	ids := registerEntities(t, db, 3)

	_, err := repo.Claim(ctx, claimRequest("C1", 3))
	require.NoError(t, err)

	ok, err := repo.Heartbeat(ctx, "C2", ids[0], models.ClaimStatusFields{IsLive: true}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "non-holder heartbeat is rejected")

	ok, err = repo.Heartbeat(ctx, "C1", ids[0], models.ClaimStatusFields{IsLive: true, ViewerCount: 42}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Heartbeat(ctx, "C1", ids[1], models.ClaimStatusFields{IsLive: false, MarkOffline: true}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	live, err := repo.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, live.IsLive)
	assert.Equal(t, 42, live.ViewerCount)

	released, err := repo.ReleaseOffline(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[1]}, released)

	held, err := repo.CountHeld(ctx, "C1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, held)

	n, err := repo.Release(ctx, "C2", []uuid.UUID{ids[0]})
	require.NoError(t, err)
	assert.Zero(t, n, "only the owner can release")

	n, err = repo.Release(ctx, "C1", []uuid.UUID{ids[0], ids[2]})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := repo.List(ctx, models.ClaimFilter{Status: models.ClaimUnclaimed})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestClaimRepository_ReportErrorDeprioritizesAndAutoReleases(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	ctx := context.Background()
	ids := registerEntities(t, db, 2)
	errorPolicy := ErrorPolicy{Threshold: 2, AutoRelease: true, Grace: time.Minute}

	_, err := repo.Claim(ctx, claimRequest("C1", 2))
	require.NoError(t, err)

	_, err = repo.ReportError(ctx, "C2", ids[0], errorPolicy)
	assert.ErrorIs(t, err, apperrors.ErrNotClaimOwner)

	report, err := repo.ReportError(ctx, "C1", ids[0], errorPolicy)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ErrorCount)
	assert.False(t, report.Released)

	report, err = repo.ReportError(ctx, "C1", ids[0], errorPolicy)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ErrorCount)
	assert.True(t, report.Released, "crossing the threshold releases when auto-release is on")

	_, err = repo.Release(ctx, "C1", []uuid.UUID{ids[1]})
	require.NoError(t, err)

	// The erroring entity sorts after the healthy one.
	claims, err := repo.Claim(ctx, models.ClaimRequest{
		CollectorID: "C2", MaxClaims: 1, LeaseDuration: time.Minute, ErrorThreshold: 2, RotationKey: "r",
	})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, ids[1], claims[0].EntityID)

	stats, err := repo.Stats(ctx, time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deprioritized)
}

func TestClaimRepository_InactiveEntitiesAreNotClaimed(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewClaimRepository(db)
	entities := NewEntityRepository(db)
	ctx := context.Background()
	ids := registerEntities(t, db, 1)

	e, err := entities.Get(ctx, ids[0])
	require.NoError(t, err)
	e.IsActive = false
	require.NoError(t, entities.Update(ctx, e))

	claims, err := repo.Claim(ctx, claimRequest("C1", 5))
	require.NoError(t, err)
	assert.Empty(t, claims)
}
