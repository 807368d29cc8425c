package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/audit"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
)

// Coordination defaults. A zero Grace is honored; only a negative one is replaced.
const (
	DefaultLeaseDuration = 30 * time.Minute
	DefaultGracePeriod   = time.Minute
	DefaultMaxClaims     = 50
)

// CoordinationSettings tunes the claim/lease protocol.
type CoordinationSettings struct {
	Lease          time.Duration
	Grace          time.Duration
	ErrorThreshold int
	// AutoRelease frees an entity when its error count reaches ErrorThreshold.
	AutoRelease      bool
	DefaultMaxClaims int
}

func (s CoordinationSettings) withDefaults() CoordinationSettings {
	if s.Lease <= 0 {
		s.Lease = DefaultLeaseDuration
	}
	if s.Grace < 0 {
		s.Grace = DefaultGracePeriod
	}
	if s.DefaultMaxClaims <= 0 {
		s.DefaultMaxClaims = DefaultMaxClaims
	}
	return s
}

// RegisterRequest makes a monitored channel claimable.
type RegisterRequest struct {
	Platform                 string `json:"platform"`
	ServerID                 string `json:"server_id"`
	ChannelID                string `json:"channel_id"`
	OwnerID                  string `json:"owner_id,omitempty"`
	Priority                 int    `json:"priority"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds,omitempty"`
}

// ReclaimResult reports ReleaseOfflineAndReclaim.
type ReclaimResult struct {
	Released []uuid.UUID                 `json:"released"`
	Claimed  []*models.CoordinationClaim `json:"claimed"`
}

// CoordinationService distributes monitored entities across the collector
// fleet. Storage failures are returned to the caller; nothing is granted.
type CoordinationService interface {
	Register(ctx context.Context, req RegisterRequest) (*models.CoordinationClaim, error)
	// Claim grants up to maxClaims free or expired entities. maxClaims <= 0
	// uses the configured default. Entities lost to a concurrent claimer are
	// simply not returned.
	Claim(ctx context.Context, collectorID string, maxClaims int) ([]*models.CoordinationClaim, error)
	// Checkin extends every claim the collector holds. Returns how many.
	Checkin(ctx context.Context, collectorID string) (int64, error)
	// Heartbeat records liveness without extending the lease.
	Heartbeat(ctx context.Context, collectorID string, entityID uuid.UUID, fields models.ClaimStatusFields) error
	Release(ctx context.Context, collectorID string, entityIDs []uuid.UUID) (int64, error)
	ReportError(ctx context.Context, collectorID string, entityID uuid.UUID) (*repositories.ErrorReport, error)
	// ReleaseOfflineAndReclaim frees the collector's offline entities and
	// tops it back up to maxClaims.
	ReleaseOfflineAndReclaim(ctx context.Context, collectorID string, maxClaims int) (*ReclaimResult, error)
	Stats(ctx context.Context) (*models.CoordinationStats, error)
	ListEntities(ctx context.Context, filter models.ClaimFilter) ([]*models.CoordinationClaim, error)
	// SweepExpired returns claims past lease plus grace to the pool.
	SweepExpired(ctx context.Context) (int, error)
	// RunSweeper starts a background goroutine calling SweepExpired every interval.
	RunSweeper(ctx context.Context, interval time.Duration)
}

type coordinationService struct {
	tx         TxRunner
	entityRepo repositories.EntityRepository
	claimRepo  repositories.ClaimRepository
	settings   CoordinationSettings
	now        func() time.Time
	auditor    *audit.SecurityAuditor
	logger     *zap.Logger
}

var _ CoordinationService = (*coordinationService)(nil)

// NewCoordinationService creates a CoordinationService.
func NewCoordinationService(
	tx TxRunner,
	entityRepo repositories.EntityRepository,
	claimRepo repositories.ClaimRepository,
	settings CoordinationSettings,
	logger *zap.Logger,
) CoordinationService {
	return &coordinationService{
		tx:         tx,
		entityRepo: entityRepo,
		claimRepo:  claimRepo,
		settings:   settings.withDefaults(),
		now:        time.Now,
		auditor:    audit.NewSecurityAuditor(logger),
		logger:     logger.Named("coordination"),
	}
}

func validCollectorID(collectorID string) error {
	if strings.TrimSpace(collectorID) == "" {
		return fmt.Errorf("%w: missing collector id", apperrors.ErrInvalidInput)
	}
	return nil
}

func (s *coordinationService) Register(ctx context.Context, req RegisterRequest) (*models.CoordinationClaim, error) {
	if req.Platform == "" || req.ServerID == "" || req.ChannelID == "" {
		return nil, fmt.Errorf("%w: platform, server_id and channel_id are required", apperrors.ErrInvalidInput)
	}

	var claim *models.CoordinationClaim
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		entity := &models.Entity{
			Platform:  req.Platform,
			ServerID:  req.ServerID,
			ChannelID: req.ChannelID,
			OwnerID:   req.OwnerID,
		}
		if err := s.entityRepo.Upsert(ctx, entity); err != nil {
			return err
		}

		claim = &models.CoordinationClaim{
			EntityID:                 entity.ID,
			Platform:                 entity.Platform,
			ServerID:                 entity.ServerID,
			ChannelID:                entity.ChannelID,
			Priority:                 req.Priority,
			HeartbeatIntervalSeconds: req.HeartbeatIntervalSeconds,
		}
		return s.claimRepo.Register(ctx, claim)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register entity: %w", err)
	}

	s.logger.Info("Registered claimable entity",
		zap.String("entity_id", claim.EntityID.String()),
		zap.String("platform", claim.Platform),
		zap.String("channel_id", claim.ChannelID),
		zap.Int("priority", claim.Priority))
	return claim, nil
}

// rotationKey varies the tie-break among equally ranked entities per call.
func rotationKey(collectorID string, now time.Time) string {
	return collectorID + ":" + strconv.FormatInt(now.UnixNano(), 36)
}

func (s *coordinationService) Claim(ctx context.Context, collectorID string, maxClaims int) ([]*models.CoordinationClaim, error) {
	if err := validCollectorID(collectorID); err != nil {
		return nil, err
	}
	if maxClaims <= 0 {
		maxClaims = s.settings.DefaultMaxClaims
	}
	return s.claim(ctx, collectorID, maxClaims)
}

func (s *coordinationService) claim(ctx context.Context, collectorID string, n int) ([]*models.CoordinationClaim, error) {
	claims, err := s.claimRepo.Claim(ctx, models.ClaimRequest{
		CollectorID:    collectorID,
		MaxClaims:      n,
		LeaseDuration:  s.settings.Lease,
		GracePeriod:    s.settings.Grace,
		ErrorThreshold: s.settings.ErrorThreshold,
		RotationKey:    rotationKey(collectorID, s.now()),
	})
	if err != nil {
		s.logger.Error("Claim failed, granting nothing",
			zap.String("collector_id", collectorID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to claim entities: %w", err)
	}

	s.logger.Debug("Claimed entities",
		zap.String("collector_id", collectorID),
		zap.Int("requested", n),
		zap.Int("granted", len(claims)))
	return claims, nil
}

func (s *coordinationService) Checkin(ctx context.Context, collectorID string) (int64, error) {
	if err := validCollectorID(collectorID); err != nil {
		return 0, err
	}
	n, err := s.claimRepo.Checkin(ctx, collectorID, s.settings.Lease, s.settings.Grace)
	if err != nil {
		return 0, fmt.Errorf("failed to check in: %w", err)
	}
	return n, nil
}

func (s *coordinationService) Heartbeat(ctx context.Context, collectorID string, entityID uuid.UUID, fields models.ClaimStatusFields) error {
	if err := validCollectorID(collectorID); err != nil {
		return err
	}
	ok, err := s.claimRepo.Heartbeat(ctx, collectorID, entityID, fields, s.settings.Grace)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if !ok {
		s.auditor.LogClaimOwnership(ctx, collectorID, entityID)
		return apperrors.ErrNotClaimOwner
	}
	return nil
}

func (s *coordinationService) Release(ctx context.Context, collectorID string, entityIDs []uuid.UUID) (int64, error) {
	if err := validCollectorID(collectorID); err != nil {
		return 0, err
	}
	n, err := s.claimRepo.Release(ctx, collectorID, entityIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	if n > 0 {
		s.logger.Info("Released claims",
			zap.String("collector_id", collectorID),
			zap.Int64("released", n))
	}
	return n, nil
}

func (s *coordinationService) ReportError(ctx context.Context, collectorID string, entityID uuid.UUID) (*repositories.ErrorReport, error) {
	if err := validCollectorID(collectorID); err != nil {
		return nil, err
	}
	report, err := s.claimRepo.ReportError(ctx, collectorID, entityID, repositories.ErrorPolicy{
		Threshold:   s.settings.ErrorThreshold,
		AutoRelease: s.settings.AutoRelease && s.settings.ErrorThreshold > 0,
		Grace:       s.settings.Grace,
	})
	if err != nil {
		return nil, err
	}

	if s.settings.ErrorThreshold > 0 && report.ErrorCount == s.settings.ErrorThreshold {
		s.logger.Warn("Entity reached error threshold",
			zap.String("entity_id", entityID.String()),
			zap.String("collector_id", collectorID),
			zap.Int("error_count", report.ErrorCount),
			zap.Bool("released", report.Released))
	}
	return report, nil
}

func (s *coordinationService) ReleaseOfflineAndReclaim(ctx context.Context, collectorID string, maxClaims int) (*ReclaimResult, error) {
	if err := validCollectorID(collectorID); err != nil {
		return nil, err
	}
	if maxClaims <= 0 {
		maxClaims = s.settings.DefaultMaxClaims
	}

	released, err := s.claimRepo.ReleaseOffline(ctx, collectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to release offline claims: %w", err)
	}

	held, err := s.claimRepo.CountHeld(ctx, collectorID, s.settings.Grace)
	if err != nil {
		return nil, fmt.Errorf("failed to count held claims: %w", err)
	}

	result := &ReclaimResult{Released: released}
	if want := maxClaims - held; want > 0 {
		result.Claimed, err = s.claim(ctx, collectorID, want)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("Released offline entities and reclaimed",
		zap.String("collector_id", collectorID),
		zap.Int("released", len(result.Released)),
		zap.Int("held", held),
		zap.Int("claimed", len(result.Claimed)))
	return result, nil
}

func (s *coordinationService) Stats(ctx context.Context) (*models.CoordinationStats, error) {
	stats, err := s.claimRepo.Stats(ctx, s.settings.Grace, s.settings.ErrorThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to compute coordination stats: %w", err)
	}
	return stats, nil
}

func (s *coordinationService) ListEntities(ctx context.Context, filter models.ClaimFilter) ([]*models.CoordinationClaim, error) {
	claims, err := s.claimRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return claims, nil
}

func (s *coordinationService) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.claimRepo.ExpireStale(ctx, s.settings.Grace)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale claims: %w", err)
	}
	for _, c := range expired {
		holder := ""
		if c.CollectorID != nil {
			holder = *c.CollectorID
		}
		s.logger.Info("Reclaimed expired claim",
			zap.String("entity_id", c.EntityID.String()),
			zap.String("previous_collector_id", holder))
	}
	return len(expired), nil
}

func (s *coordinationService) RunSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Claim sweeper started",
			zap.Duration("interval", interval),
			zap.Duration("grace", s.settings.Grace))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Claim sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.logger.Error("Claim sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
