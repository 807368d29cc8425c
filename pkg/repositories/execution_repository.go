package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// ExecutionRepository defines data access for the execution audit trail.
type ExecutionRepository interface {
	// Create inserts an execution. A duplicate idempotency key returns ErrConflict.
	Create(ctx context.Context, exec *models.CommandExecution) error
	// Finalize moves a pending execution to a terminal status. Returns false
	// if the execution was no longer pending.
	Finalize(ctx context.Context, exec *models.CommandExecution) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CommandExecution, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.CommandExecution, error)
	// DeleteOlderThan prunes executions started before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type executionRepository struct {
	db *database.DB
}

var _ ExecutionRepository = (*executionRepository)(nil)

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *database.DB) ExecutionRepository {
	return &executionRepository{db: db}
}

const executionColumns = `id, session_id, command_id, rule_id, entity_id, user_id, request_payload,
	status, error_detail, started_at, completed_at, duration_ms, retry_count, idempotency_key`

func (r *executionRepository) Create(ctx context.Context, exec *models.CommandExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	if exec.Status == "" {
		exec.Status = models.ExecutionPending
	}

	query := `
		INSERT INTO router_command_executions (
			id, session_id, command_id, rule_id, entity_id, user_id, request_payload,
			status, error_detail, started_at, completed_at, duration_ms, retry_count, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Conn(ctx).Exec(ctx, query,
		exec.ID,
		exec.SessionID,
		exec.CommandID,
		exec.RuleID,
		exec.EntityID,
		exec.UserID,
		emptyIfNil(exec.RequestPayload),
		exec.Status,
		exec.ErrorDetail,
		exec.StartedAt,
		exec.CompletedAt,
		exec.DurationMs,
		exec.RetryCount,
		exec.IdempotencyKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (r *executionRepository) Finalize(ctx context.Context, exec *models.CommandExecution) (bool, error) {
	completedAt := time.Now()
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}

	query := `
		UPDATE router_command_executions
		SET status = $2,
		    error_detail = $3,
		    completed_at = $4,
		    duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint),
		    retry_count = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING completed_at, duration_ms`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		exec.ID,
		exec.Status,
		exec.ErrorDetail,
		completedAt,
		exec.RetryCount,
	).Scan(&exec.CompletedAt, &exec.DurationMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to finalize execution: %w", err)
	}
	return true, nil
}

func (r *executionRepository) Get(ctx context.Context, id uuid.UUID) (*models.CommandExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM router_command_executions WHERE id = $1`

	var exec models.CommandExecution
	if err := scanExecution(r.db.Conn(ctx).QueryRow(ctx, query, id), &exec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &exec, nil
}

func (r *executionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.CommandExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM router_command_executions
		WHERE session_id = $1
		ORDER BY started_at`

	rows, err := r.db.Conn(ctx).Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.CommandExecution
	for rows.Next() {
		var exec models.CommandExecution
		if err := scanExecution(rows, &exec); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return execs, nil
}

func (r *executionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		DELETE FROM router_command_executions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row, exec *models.CommandExecution) error {
	return row.Scan(
		&exec.ID, &exec.SessionID, &exec.CommandID, &exec.RuleID, &exec.EntityID, &exec.UserID,
		&exec.RequestPayload, &exec.Status, &exec.ErrorDetail, &exec.StartedAt, &exec.CompletedAt,
		&exec.DurationMs, &exec.RetryCount, &exec.IdempotencyKey,
	)
}
