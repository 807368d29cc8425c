package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
)

// Batch defaults.
const (
	DefaultMaxBatchSize     = 100
	DefaultBatchConcurrency = 8
)

// BatchItem is the outcome of one event of a batch, in submission order.
type BatchItem struct {
	Result *DispatchResult `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IngressService accepts normalized events from collectors.
type IngressService interface {
	// SubmitEvent validates event, resolves its entity (creating it on first
	// observation), opens a session and dispatches synchronously.
	SubmitEvent(ctx context.Context, event *models.Event) (*DispatchResult, error)
	// SubmitBatch submits every event independently. One failed event does
	// not fail the batch.
	SubmitBatch(ctx context.Context, events []*models.Event) ([]BatchItem, error)
}

type ingressService struct {
	entityRepo       repositories.EntityRepository
	correlator       CorrelatorService
	dispatcher       DispatchService
	maxBatchSize     int
	batchConcurrency int
	logger           *zap.Logger
}

var _ IngressService = (*ingressService)(nil)

// NewIngressService creates an IngressService. Zero batch limits use the defaults.
func NewIngressService(
	entityRepo repositories.EntityRepository,
	correlator CorrelatorService,
	dispatcher DispatchService,
	maxBatchSize int,
	batchConcurrency int,
	logger *zap.Logger,
) IngressService {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}
	return &ingressService{
		entityRepo:       entityRepo,
		correlator:       correlator,
		dispatcher:       dispatcher,
		maxBatchSize:     maxBatchSize,
		batchConcurrency: batchConcurrency,
		logger:           logger.Named("ingress"),
	}
}

func (s *ingressService) SubmitEvent(ctx context.Context, event *models.Event) (*DispatchResult, error) {
	if err := event.Validate(); err != nil {
		s.logger.Info("Rejected malformed event", zap.Error(err))
		return nil, err
	}

	entity, err := s.resolveEntity(ctx, event.Entity)
	if err != nil {
		return nil, err
	}

	id := entity.ID
	event.Entity.ID = &id
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	session, err := s.correlator.OpenSession(ctx, entity.ID, event)
	if err != nil {
		return nil, err
	}

	return s.dispatcher.Dispatch(ctx, session, event)
}

// resolveEntity finds the event's entity by id, or by identity creating it on
// first observation.
func (s *ingressService) resolveEntity(ctx context.Context, ref models.EntityRef) (*models.Entity, error) {
	if ref.ID != nil && *ref.ID != uuid.Nil {
		entity, err := s.entityRepo.Get(ctx, *ref.ID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown entity %s", apperrors.ErrMalformedEvent, *ref.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load entity: %w", err)
		}
		return entity, nil
	}

	entity := &models.Entity{
		Platform:  ref.Platform,
		ServerID:  ref.ServerID,
		ChannelID: ref.ChannelID,
	}
	if err := s.entityRepo.Upsert(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to register entity: %w", err)
	}
	return entity, nil
}

func (s *ingressService) SubmitBatch(ctx context.Context, events []*models.Event) ([]BatchItem, error) {
	if len(events) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d events, maximum is %d", apperrors.ErrBatchTooLarge, len(events), s.maxBatchSize)
	}

	items := make([]BatchItem, len(events))

	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)
	for i, event := range events {
		g.Go(func() error {
			result, err := s.SubmitEvent(ctx, event)
			if err != nil {
				items[i].Error = err.Error()
				return nil
			}
			items[i].Result = result
			return nil
		})
	}
	_ = g.Wait()

	return items, nil
}
