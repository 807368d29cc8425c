package repositories

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// ClaimRepository defines data access for collector claims.
//
// Every write is a single conditional statement so that concurrent collectors
// never both hold a non-expired claim on the same entity.
type ClaimRepository interface {
	// Register makes an entity claimable, or updates its priority and
	// heartbeat interval if it already is.
	Register(ctx context.Context, claim *models.CoordinationClaim) error
	Get(ctx context.Context, entityID uuid.UUID) (*models.CoordinationClaim, error)
	// Claim atomically assigns up to req.MaxClaims free or expired entities
	// to req.CollectorID.
	Claim(ctx context.Context, req models.ClaimRequest) ([]*models.CoordinationClaim, error)
	// Checkin extends every claim the collector still holds. A claim is held
	// until its lease ended more than grace ago.
	Checkin(ctx context.Context, collectorID string, lease, grace time.Duration) (int64, error)
	// Heartbeat records liveness. Returns false if the collector does not
	// hold the claim on the entity.
	Heartbeat(ctx context.Context, collectorID string, entityID uuid.UUID, fields models.ClaimStatusFields, grace time.Duration) (bool, error)
	// Release frees the listed entities held by the collector.
	Release(ctx context.Context, collectorID string, entityIDs []uuid.UUID) (int64, error)
	// ReleaseOffline frees the collector's claims marked offline.
	ReleaseOffline(ctx context.Context, collectorID string) ([]uuid.UUID, error)
	// CountHeld counts the claims the collector still holds.
	CountHeld(ctx context.Context, collectorID string, grace time.Duration) (int, error)
	// ReportError increments the error count of a held claim, releasing it
	// when autoRelease is set and the count reaches threshold.
	ReportError(ctx context.Context, collectorID string, entityID uuid.UUID, policy ErrorPolicy) (*ErrorReport, error)
	// ExpireStale frees claims whose lease ended more than grace ago. The
	// returned claims carry the previous holder in CollectorID.
	ExpireStale(ctx context.Context, grace time.Duration) ([]*models.CoordinationClaim, error)
	// Stats counts claims. Expired means past lease plus grace, i.e. reclaimable.
	Stats(ctx context.Context, grace time.Duration, errorThreshold int) (*models.CoordinationStats, error)
	List(ctx context.Context, filter models.ClaimFilter) ([]*models.CoordinationClaim, error)
}

// ErrorPolicy configures ReportError.
type ErrorPolicy struct {
	Threshold   int
	AutoRelease bool
	Grace       time.Duration
}

// ErrorReport is the outcome of ReportError.
type ErrorReport struct {
	ErrorCount int
	Released   bool
}

type claimRepository struct {
	db *database.DB
}

var _ ClaimRepository = (*claimRepository)(nil)

// NewClaimRepository creates a new claim repository.
func NewClaimRepository(db *database.DB) ClaimRepository {
	return &claimRepository{db: db}
}

const claimColumns = `entity_id, platform, server_id, channel_id, collector_id, status,
	claimed_at, claim_expires, last_checkin, heartbeat_interval_seconds, is_live,
	viewer_count, last_activity, error_count, priority, updated_at`

// heldBy matches rows the collector in $1 still holds. graceParam is the
// placeholder bound to the grace period in milliseconds. It is the complement
// of the availability test in Claim.
func heldBy(graceParam string) string {
	return `collector_id = $1 AND claim_expires >= now() - ` + graceParam + `::float8 * interval '1 millisecond'`
}

// releaseAssignments clears holder fields. Used by every release path.
const releaseAssignments = `collector_id = NULL, claim_expires = NULL, claimed_at = NULL,
	status = 'unclaimed', updated_at = now()`

func (r *claimRepository) Register(ctx context.Context, claim *models.CoordinationClaim) error {
	if claim.HeartbeatIntervalSeconds <= 0 {
		claim.HeartbeatIntervalSeconds = 300
	}

	query := `
		INSERT INTO router_coordination_claims (
			entity_id, platform, server_id, channel_id, heartbeat_interval_seconds, priority
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id) DO UPDATE
		SET heartbeat_interval_seconds = EXCLUDED.heartbeat_interval_seconds,
		    priority = EXCLUDED.priority,
		    updated_at = now()
		RETURNING ` + claimColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		claim.EntityID,
		claim.Platform,
		claim.ServerID,
		claim.ChannelID,
		claim.HeartbeatIntervalSeconds,
		claim.Priority,
	)
	if err := scanClaim(row, claim); err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to register claimable entity: %w", err)
	}
	return nil
}

func (r *claimRepository) Get(ctx context.Context, entityID uuid.UUID) (*models.CoordinationClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM router_coordination_claims WHERE entity_id = $1`

	var claim models.CoordinationClaim
	if err := scanClaim(r.db.Conn(ctx).QueryRow(ctx, query, entityID), &claim); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return &claim, nil
}

func (r *claimRepository) Claim(ctx context.Context, req models.ClaimRequest) ([]*models.CoordinationClaim, error) {
	if req.MaxClaims <= 0 {
		return nil, nil
	}

	// The inner SELECT locks candidates with SKIP LOCKED; the outer WHERE
	// re-checks availability against the latest row version.
	query := `
		UPDATE router_coordination_claims c
		SET collector_id = $1,
		    status = 'claimed',
		    claimed_at = now(),
		    claim_expires = now() + $2::float8 * interval '1 millisecond',
		    last_checkin = now(),
		    updated_at = now()
		WHERE c.entity_id IN (
			SELECT cc.entity_id
			FROM router_coordination_claims cc
			JOIN router_entities e ON e.id = cc.entity_id AND e.is_active
			WHERE cc.collector_id IS NULL
			   OR cc.claim_expires < now() - $3::float8 * interval '1 millisecond'
			ORDER BY (cc.error_count >= $4) ASC,
			         cc.priority DESC,
			         cc.is_live DESC,
			         cc.viewer_count DESC,
			         md5(cc.entity_id::text || $5)
			LIMIT $6
			FOR UPDATE OF cc SKIP LOCKED
		)
		AND (c.collector_id IS NULL OR c.claim_expires < now() - $3::float8 * interval '1 millisecond')
		RETURNING ` + claimColumns

	threshold := req.ErrorThreshold
	if threshold <= 0 {
		threshold = math.MaxInt32
	}

	rows, err := r.db.Conn(ctx).Query(ctx, query,
		req.CollectorID,
		millis(req.LeaseDuration),
		millis(req.GracePeriod),
		threshold,
		req.RotationKey,
		req.MaxClaims,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim entities: %w", err)
	}
	return collectClaims(rows)
}

func (r *claimRepository) Checkin(ctx context.Context, collectorID string, lease, grace time.Duration) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE router_coordination_claims
		SET claim_expires = now() + $2::float8 * interval '1 millisecond',
		    last_checkin = now(),
		    updated_at = now()
		WHERE `+heldBy("$3"),
		collectorID, millis(lease), millis(grace))
	if err != nil {
		return 0, fmt.Errorf("failed to check in: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *claimRepository) Heartbeat(ctx context.Context, collectorID string, entityID uuid.UUID, fields models.ClaimStatusFields, grace time.Duration) (bool, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE router_coordination_claims
		SET is_live = $3,
		    viewer_count = $4,
		    last_activity = COALESCE($5, last_activity),
		    status = CASE WHEN $6 THEN 'offline' ELSE 'claimed' END,
		    updated_at = now()
		WHERE entity_id = $2 AND `+heldBy("$7"),
		collectorID, entityID, fields.IsLive, fields.ViewerCount, fields.LastActivity,
		fields.MarkOffline && !fields.IsLive, millis(grace))
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *claimRepository) Release(ctx context.Context, collectorID string, entityIDs []uuid.UUID) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE router_coordination_claims
		SET `+releaseAssignments+`
		WHERE collector_id = $1 AND entity_id = ANY($2)`,
		collectorID, entityIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *claimRepository) ReleaseOffline(ctx context.Context, collectorID string) ([]uuid.UUID, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		UPDATE router_coordination_claims
		SET `+releaseAssignments+`, is_live = FALSE
		WHERE collector_id = $1 AND status = 'offline'
		RETURNING entity_id`, collectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to release offline claims: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan released entity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate released entities: %w", err)
	}
	return ids, nil
}

func (r *claimRepository) CountHeld(ctx context.Context, collectorID string, grace time.Duration) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT count(*)
		FROM router_coordination_claims
		WHERE `+heldBy("$2"), collectorID, millis(grace)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count held claims: %w", err)
	}
	return n, nil
}

func (r *claimRepository) ReportError(ctx context.Context, collectorID string, entityID uuid.UUID, policy ErrorPolicy) (*ErrorReport, error) {
	// Right-hand sides see the pre-update error_count.
	query := `
		UPDATE router_coordination_claims
		SET error_count = error_count + 1,
		    collector_id  = CASE WHEN $4 AND error_count + 1 >= $3 THEN NULL ELSE collector_id END,
		    claim_expires = CASE WHEN $4 AND error_count + 1 >= $3 THEN NULL ELSE claim_expires END,
		    claimed_at    = CASE WHEN $4 AND error_count + 1 >= $3 THEN NULL ELSE claimed_at END,
		    status        = CASE WHEN $4 AND error_count + 1 >= $3 THEN 'unclaimed' ELSE status END,
		    updated_at = now()
		WHERE entity_id = $2 AND ` + heldBy("$5") + `
		RETURNING error_count, collector_id IS NULL`

	var report ErrorReport
	err := r.db.Conn(ctx).QueryRow(ctx, query, collectorID, entityID, policy.Threshold, policy.AutoRelease, millis(policy.Grace)).
		Scan(&report.ErrorCount, &report.Released)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotClaimOwner
		}
		return nil, fmt.Errorf("failed to report claim error: %w", err)
	}
	return &report, nil
}

func (r *claimRepository) ExpireStale(ctx context.Context, grace time.Duration) ([]*models.CoordinationClaim, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		WITH expired AS (
			SELECT entity_id, collector_id AS previous_holder
			FROM router_coordination_claims
			WHERE collector_id IS NOT NULL
			  AND claim_expires < now() - $1::float8 * interval '1 millisecond'
			FOR UPDATE SKIP LOCKED
		)
		UPDATE router_coordination_claims c
		SET `+releaseAssignments+`
		FROM expired
		WHERE c.entity_id = expired.entity_id
		  AND c.claim_expires < now() - $1::float8 * interval '1 millisecond'
		RETURNING c.entity_id, c.platform, c.server_id, c.channel_id, expired.previous_holder, c.status,
		          c.claimed_at, c.claim_expires, c.last_checkin, c.heartbeat_interval_seconds, c.is_live,
		          c.viewer_count, c.last_activity, c.error_count, c.priority, c.updated_at`,
		millis(grace))
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale claims: %w", err)
	}
	return collectClaims(rows)
}

func (r *claimRepository) Stats(ctx context.Context, grace time.Duration, errorThreshold int) (*models.CoordinationStats, error) {
	conn := r.db.Conn(ctx)
	graceMs := millis(grace)

	stats := &models.CoordinationStats{ClaimsPerWorker: make(map[string]int)}
	err := conn.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE collector_id IS NOT NULL
		                          AND claim_expires >= now() - $1::float8 * interval '1 millisecond'),
		       count(*) FILTER (WHERE collector_id IS NULL),
		       count(*) FILTER (WHERE collector_id IS NOT NULL
		                          AND claim_expires < now() - $1::float8 * interval '1 millisecond'),
		       count(*) FILTER (WHERE status = 'offline'),
		       count(*) FILTER (WHERE is_live),
		       count(*) FILTER (WHERE $2 > 0 AND error_count >= $2)
		FROM router_coordination_claims`, graceMs, errorThreshold).Scan(
		&stats.TotalEntities,
		&stats.Claimed,
		&stats.Unclaimed,
		&stats.Expired,
		&stats.Offline,
		&stats.Live,
		&stats.Deprioritized,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute claim stats: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT collector_id, count(*)
		FROM router_coordination_claims
		WHERE collector_id IS NOT NULL
		  AND claim_expires >= now() - $1::float8 * interval '1 millisecond'
		GROUP BY collector_id`, graceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to count claims per collector: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var collector string
		var n int
		if err := rows.Scan(&collector, &n); err != nil {
			return nil, fmt.Errorf("failed to scan collector count: %w", err)
		}
		stats.ClaimsPerWorker[collector] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collector counts: %w", err)
	}
	return stats, nil
}

func (r *claimRepository) List(ctx context.Context, filter models.ClaimFilter) ([]*models.CoordinationClaim, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + claimColumns + `
		FROM router_coordination_claims
		WHERE ($1 = '' OR collector_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR platform = $3)
		ORDER BY priority DESC, entity_id
		LIMIT $4 OFFSET $5`

	rows, err := r.db.Conn(ctx).Query(ctx, query,
		filter.CollectorID, string(filter.Status), filter.Platform, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	return collectClaims(rows)
}

func collectClaims(rows pgx.Rows) ([]*models.CoordinationClaim, error) {
	defer rows.Close()

	var claims []*models.CoordinationClaim
	for rows.Next() {
		var claim models.CoordinationClaim
		if err := scanClaim(rows, &claim); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, &claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claims: %w", err)
	}
	return claims, nil
}

func scanClaim(row pgx.Row, c *models.CoordinationClaim) error {
	return row.Scan(
		&c.EntityID, &c.Platform, &c.ServerID, &c.ChannelID, &c.CollectorID, &c.Status,
		&c.ClaimedAt, &c.ClaimExpires, &c.LastCheckin, &c.HeartbeatIntervalSeconds, &c.IsLive,
		&c.ViewerCount, &c.LastActivity, &c.ErrorCount, &c.Priority, &c.UpdatedAt,
	)
}
