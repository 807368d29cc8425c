package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
)

// DefaultRetentionDays is the default retention period for execution audit rows.
const DefaultRetentionDays = 30

// RetentionService handles cleanup of the execution audit trail.
type RetentionService interface {
	// PruneExecutions removes executions started more than retentionDays ago.
	// Module responses go with them. Returns the number of executions deleted.
	PruneExecutions(ctx context.Context, retentionDays int) (int64, error)

	// RunScheduler starts a background goroutine that prunes on the given interval.
	// It runs immediately on startup, then repeats every interval.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type retentionService struct {
	executionRepo repositories.ExecutionRepository
	retentionDays int
	now           func() time.Time
	logger        *zap.Logger
}

// NewRetentionService creates a RetentionService pruning with retentionDays on
// each scheduled run. Zero uses DefaultRetentionDays.
func NewRetentionService(
	executionRepo repositories.ExecutionRepository,
	retentionDays int,
	logger *zap.Logger,
) RetentionService {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &retentionService{
		executionRepo: executionRepo,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.Named("retention-service"),
	}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) PruneExecutions(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)

	deleted, err := s.executionRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune command executions",
			zap.Time("cutoff", cutoff),
			zap.Error(err))
		return 0, fmt.Errorf("failed to prune command executions: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Retention cleanup completed",
			zap.Int("retention_days", retentionDays),
			zap.Int64("executions_deleted", deleted))
	}

	return deleted, nil
}

// RunScheduler starts a background loop that prunes old executions.
func (s *retentionService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Retention scheduler started",
			zap.Duration("interval", interval),
			zap.Int("retention_days", s.retentionDays))

		// Run immediately on startup, then at each interval
		s.prune(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retention scheduler stopped")
				return
			case <-ticker.C:
				s.prune(ctx)
			}
		}
	}()
}

func (s *retentionService) prune(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.PruneExecutions(ctx, s.retentionDays); err != nil {
		s.logger.Error("Retention scheduler: prune failed", zap.Error(err))
	}
}
