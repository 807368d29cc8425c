package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// ModuleResponseRepository defines data access for asynchronous module responses.
type ModuleResponseRepository interface {
	// Create stores a response. A second response for the same execution
	// returns ErrConflict.
	Create(ctx context.Context, resp *models.ModuleResponse) error
	GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.ModuleResponse, error)
}

type moduleResponseRepository struct {
	db *database.DB
}

var _ ModuleResponseRepository = (*moduleResponseRepository)(nil)

// NewModuleResponseRepository creates a new module response repository.
func NewModuleResponseRepository(db *database.DB) ModuleResponseRepository {
	return &moduleResponseRepository{db: db}
}

func (r *moduleResponseRepository) Create(ctx context.Context, resp *models.ModuleResponse) error {
	query := `
		INSERT INTO router_module_responses (execution_id, session_id, success, response_kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, received_at`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		resp.ExecutionID,
		resp.SessionID,
		resp.Success,
		resp.ResponseKind,
		emptyIfNil(resp.Payload),
	).Scan(&resp.ID, &resp.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create module response: %w", err)
	}
	return nil
}

func (r *moduleResponseRepository) GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.ModuleResponse, error) {
	query := `
		SELECT id, execution_id, session_id, success, response_kind, payload, received_at
		FROM router_module_responses
		WHERE execution_id = $1`

	var resp models.ModuleResponse
	err := r.db.Conn(ctx).QueryRow(ctx, query, executionID).Scan(
		&resp.ID, &resp.ExecutionID, &resp.SessionID, &resp.Success,
		&resp.ResponseKind, &resp.Payload, &resp.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get module response: %w", err)
	}
	return &resp, nil
}
