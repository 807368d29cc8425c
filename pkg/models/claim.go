package models

import (
	"time"

	"github.com/google/uuid"
)

// ClaimStatus is the coordination state of a monitored entity.
type ClaimStatus string

const (
	ClaimUnclaimed ClaimStatus = "unclaimed"
	ClaimClaimed   ClaimStatus = "claimed"
	ClaimOffline   ClaimStatus = "offline"
)

// CoordinationClaim is a collector's lease over one entity.
// At most one collector may hold a non-expired claim per entity.
type CoordinationClaim struct {
	EntityID                 uuid.UUID   `json:"entity_id"`
	Platform                 string      `json:"platform"`
	ServerID                 string      `json:"server_id"`
	ChannelID                string      `json:"channel_id"`
	CollectorID              *string     `json:"collector_id,omitempty"`
	Status                   ClaimStatus `json:"status"`
	ClaimedAt                *time.Time  `json:"claimed_at,omitempty"`
	ClaimExpires             *time.Time  `json:"claim_expires,omitempty"`
	LastCheckin              *time.Time  `json:"last_checkin,omitempty"`
	HeartbeatIntervalSeconds int         `json:"heartbeat_interval_seconds"`
	IsLive                   bool        `json:"is_live"`
	ViewerCount              int         `json:"viewer_count"`
	LastActivity             *time.Time  `json:"last_activity,omitempty"`
	ErrorCount               int         `json:"error_count"`
	Priority                 int         `json:"priority"`
	UpdatedAt                time.Time   `json:"updated_at"`
}

// IsHeldBy reports whether collectorID still holds the claim at now. A claim
// stays with its holder until it is reclaimable, i.e. until the lease ended
// more than grace ago.
func (c *CoordinationClaim) IsHeldBy(collectorID string, now time.Time, grace time.Duration) bool {
	if c.CollectorID == nil || *c.CollectorID != collectorID {
		return false
	}
	return c.ClaimExpires != nil && !c.ClaimExpires.Before(now.Add(-grace))
}

// ClaimStatusFields carries liveness metadata reported by heartbeats.
type ClaimStatusFields struct {
	IsLive       bool       `json:"is_live"`
	ViewerCount  int        `json:"viewer_count"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	// MarkOffline flags the entity for release by ReleaseOfflineAndReclaim.
	MarkOffline bool `json:"mark_offline"`
}

// ClaimRequest parameterizes a single atomic claim statement.
type ClaimRequest struct {
	CollectorID    string
	MaxClaims      int
	LeaseDuration  time.Duration
	GracePeriod    time.Duration
	ErrorThreshold int
	// RotationKey varies tie-break ordering among equal-priority entities.
	RotationKey string
}

// ClaimFilter narrows ListEntities results.
type ClaimFilter struct {
	CollectorID string      `json:"collector_id,omitempty"`
	Status      ClaimStatus `json:"status,omitempty"`
	Platform    string      `json:"platform,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Offset      int         `json:"offset,omitempty"`
}

// CoordinationStats summarizes the claim table.
type CoordinationStats struct {
	TotalEntities   int            `json:"total_entities"`
	Claimed         int            `json:"claimed"`
	Unclaimed       int            `json:"unclaimed"`
	Expired         int            `json:"expired"`
	Offline         int            `json:"offline"`
	Live            int            `json:"live"`
	Deprioritized   int            `json:"deprioritized"`
	ClaimsPerWorker map[string]int `json:"claims_per_collector"`
}
