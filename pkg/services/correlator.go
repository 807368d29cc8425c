package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/audit"
	"github.com/ekaya-inc/ekaya-router/pkg/display"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
)

// DefaultSessionTTL is used when no session lifetime is configured.
const DefaultSessionTTL = 2 * time.Minute

// ResponseSubmission is an asynchronous module reply for one execution.
type ResponseSubmission struct {
	ExecutionID  uuid.UUID           `json:"execution_id"`
	ResponseKind models.ResponseKind `json:"response_kind"`
	Success      bool                `json:"success"`
	Body         map[string]any      `json:"body"`
}

// CorrelatorService binds events to sessions and merges module responses
// back into the executions they answer.
type CorrelatorService interface {
	// OpenSession persists a new session for event on the entity.
	OpenSession(ctx context.Context, entityID uuid.UUID, event *models.Event) (*models.Session, error)

	// SubmitResponse stores the response for an execution of the session and
	// finalizes the execution if it is still pending. Display kinds are
	// forwarded to the display service.
	SubmitResponse(ctx context.Context, sessionID uuid.UUID, sub ResponseSubmission) (*models.ModuleResponse, error)

	// SweepExpired purges expired sessions. Returns the number removed from storage.
	SweepExpired(ctx context.Context) (int64, error)

	// RunSweeper starts a background goroutine calling SweepExpired every interval.
	// Cancel the context to stop it.
	RunSweeper(ctx context.Context, interval time.Duration)
}

type correlatorService struct {
	sessionRepo   repositories.SessionRepository
	executionRepo repositories.ExecutionRepository
	responseRepo  repositories.ModuleResponseRepository
	tx            TxRunner
	forwarder     display.Forwarder
	ttl           time.Duration
	now           func() time.Time
	sessions      sync.Map // uuid.UUID -> *models.Session
	auditor       *audit.SecurityAuditor
	logger        *zap.Logger
}

var _ CorrelatorService = (*correlatorService)(nil)

// NewCorrelatorService creates a CorrelatorService. A ttl of zero uses DefaultSessionTTL.
func NewCorrelatorService(
	sessionRepo repositories.SessionRepository,
	executionRepo repositories.ExecutionRepository,
	responseRepo repositories.ModuleResponseRepository,
	tx TxRunner,
	forwarder display.Forwarder,
	ttl time.Duration,
	logger *zap.Logger,
) CorrelatorService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if forwarder == nil {
		forwarder = display.NoopForwarder{}
	}
	return &correlatorService{
		sessionRepo:   sessionRepo,
		executionRepo: executionRepo,
		responseRepo:  responseRepo,
		tx:            tx,
		forwarder:     forwarder,
		ttl:           ttl,
		now:           time.Now,
		auditor:       audit.NewSecurityAuditor(logger),
		logger:        logger.Named("correlator"),
	}
}

func (s *correlatorService) OpenSession(ctx context.Context, entityID uuid.UUID, event *models.Event) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		ID:          uuid.New(),
		EntityID:    entityID,
		MessageType: event.MessageType,
		UserID:      event.UserID,
		OpenedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	cached := *session
	s.sessions.Store(session.ID, &cached)
	return session, nil
}

// session returns the unexpired session, consulting storage when another
// instance opened it.
func (s *correlatorService) session(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	if v, ok := s.sessions.Load(id); ok {
		session := v.(*models.Session)
		if session.IsExpired(s.now()) {
			s.sessions.Delete(id)
			return nil, apperrors.ErrInvalidSession
		}
		return session, nil
	}

	session, err := s.sessionRepo.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.IsExpired(s.now()) {
		return nil, apperrors.ErrInvalidSession
	}
	s.sessions.Store(id, session)
	return session, nil
}

func (s *correlatorService) SubmitResponse(ctx context.Context, sessionID uuid.UUID, sub ResponseSubmission) (*models.ModuleResponse, error) {
	if !sub.ResponseKind.IsValid() {
		return nil, fmt.Errorf("%w: unknown response_kind %q", apperrors.ErrInvalidInput, sub.ResponseKind)
	}
	if sub.ExecutionID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing execution_id", apperrors.ErrInvalidInput)
	}

	session, err := s.session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidSession) {
			s.auditor.LogInvalidSession(ctx, sessionID, sub.ExecutionID)
		}
		return nil, err
	}

	exec, err := s.executionRepo.Get(ctx, sub.ExecutionID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	if exec == nil || exec.SessionID != session.ID {
		s.auditor.LogExecutionMismatch(ctx, sessionID, sub.ExecutionID)
		return nil, apperrors.ErrExecutionMismatch
	}

	resp := &models.ModuleResponse{
		ExecutionID:  exec.ID,
		SessionID:    session.ID,
		Success:      sub.Success,
		ResponseKind: sub.ResponseKind,
		Payload:      sub.Body,
		ReceivedAt:   s.now(),
	}

	var finalized bool
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.responseRepo.Create(ctx, resp); err != nil {
			return err
		}
		if exec.Status != models.ExecutionPending {
			return nil
		}
		status := models.ExecutionSuccess
		detail := ""
		if !sub.Success {
			status = models.ExecutionFailed
			detail = "module reported failure"
		}
		completedAt := resp.ReceivedAt
		var err error
		finalized, err = s.executionRepo.Finalize(ctx, &models.CommandExecution{
			ID:          exec.ID,
			Status:      status,
			ErrorDetail: detail,
			CompletedAt: &completedAt,
		})
		return err
	})
	if errors.Is(err, apperrors.ErrConflict) {
		return nil, fmt.Errorf("%w: response already recorded for execution %s", apperrors.ErrConflict, exec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store response: %w", err)
	}

	s.logger.Debug("Correlated module response",
		zap.String("session_id", session.ID.String()),
		zap.String("execution_id", exec.ID.String()),
		zap.String("response_kind", string(resp.ResponseKind)),
		zap.Bool("finalized", finalized))

	if resp.ResponseKind.ForwardsToDisplay() {
		msg := display.Message{
			SessionID:    session.ID,
			ExecutionID:  exec.ID,
			EntityID:     session.EntityID,
			ResponseKind: resp.ResponseKind,
			Success:      resp.Success,
			Payload:      resp.Payload,
			ReceivedAt:   resp.ReceivedAt,
		}
		// The response is already stored; display delivery is best effort.
		if err := s.forwarder.Forward(ctx, msg); err != nil {
			s.logger.Error("Failed to forward response to display",
				zap.String("execution_id", exec.ID.String()),
				zap.Error(err))
		}
	}

	return resp, nil
}

func (s *correlatorService) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()
	s.sessions.Range(func(key, value any) bool {
		if value.(*models.Session).IsExpired(now) {
			s.sessions.Delete(key)
		}
		return true
	})

	n, err := s.sessionRepo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	return n, nil
}

func (s *correlatorService) RunSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Session sweeper started", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Session sweeper stopped")
				return
			case <-ticker.C:
				n, err := s.SweepExpired(ctx)
				if err != nil {
					s.logger.Error("Session sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Debug("Purged expired sessions", zap.Int64("count", n))
				}
			}
		}
	}()
}
