package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// PermissionRepository defines data access for per-entity command permissions.
type PermissionRepository interface {
	// Install creates or re-enables the permission of a command on an entity.
	Install(ctx context.Context, perm *models.CommandPermission) error
	Uninstall(ctx context.Context, commandID, entityID uuid.UUID) error
	Update(ctx context.Context, perm *models.CommandPermission) error
	Get(ctx context.Context, commandID, entityID uuid.UUID) (*models.CommandPermission, error)
	ListByEntity(ctx context.Context, entityID uuid.UUID) ([]*models.CommandPermission, error)
	// ListEntityIDsForCommandName returns every entity with a permission on
	// any version of the named command.
	ListEntityIDsForCommandName(ctx context.Context, name string) ([]uuid.UUID, error)
	// RecordUsage increments the usage counter.
	RecordUsage(ctx context.Context, id uuid.UUID, usedAt time.Time) error
}

type permissionRepository struct {
	db *database.DB
}

var _ PermissionRepository = (*permissionRepository)(nil)

// NewPermissionRepository creates a new permission repository.
func NewPermissionRepository(db *database.DB) PermissionRepository {
	return &permissionRepository{db: db}
}

var permissionColumnNames = []string{
	"id", "command_id", "entity_id", "is_enabled", "config_overrides",
	"usage_count", "last_used_at", "created_at", "updated_at",
}

// permissionColumnsAs returns the permission column list qualified by alias.
func permissionColumnsAs(alias string) string {
	cols := make([]string, len(permissionColumnNames))
	for i, c := range permissionColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

var permissionColumns = strings.Join(permissionColumnNames, ", ")

func (r *permissionRepository) Install(ctx context.Context, perm *models.CommandPermission) error {
	query := `
		INSERT INTO router_command_permissions (command_id, entity_id, is_enabled, config_overrides)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (command_id, entity_id) DO UPDATE
		SET is_enabled = EXCLUDED.is_enabled,
		    config_overrides = EXCLUDED.config_overrides,
		    updated_at = now()
		RETURNING ` + permissionColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		perm.CommandID,
		perm.EntityID,
		perm.IsEnabled,
		emptyIfNil(perm.ConfigOverrides),
	)
	if err := scanPermission(row, perm); err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to install command permission: %w", err)
	}
	return nil
}

func (r *permissionRepository) Uninstall(ctx context.Context, commandID, entityID uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		DELETE FROM router_command_permissions
		WHERE command_id = $1 AND entity_id = $2`, commandID, entityID)
	if err != nil {
		return fmt.Errorf("failed to uninstall command permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *permissionRepository) Update(ctx context.Context, perm *models.CommandPermission) error {
	query := `
		UPDATE router_command_permissions
		SET is_enabled = $3, config_overrides = $4, updated_at = now()
		WHERE command_id = $1 AND entity_id = $2
		RETURNING ` + permissionColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		perm.CommandID,
		perm.EntityID,
		perm.IsEnabled,
		emptyIfNil(perm.ConfigOverrides),
	)
	if err := scanPermission(row, perm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to update command permission: %w", err)
	}
	return nil
}

func (r *permissionRepository) Get(ctx context.Context, commandID, entityID uuid.UUID) (*models.CommandPermission, error) {
	query := `SELECT ` + permissionColumns + `
		FROM router_command_permissions
		WHERE command_id = $1 AND entity_id = $2`

	var perm models.CommandPermission
	if err := scanPermission(r.db.Conn(ctx).QueryRow(ctx, query, commandID, entityID), &perm); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get command permission: %w", err)
	}
	return &perm, nil
}

func (r *permissionRepository) ListByEntity(ctx context.Context, entityID uuid.UUID) ([]*models.CommandPermission, error) {
	query := `SELECT ` + permissionColumns + `
		FROM router_command_permissions
		WHERE entity_id = $1
		ORDER BY created_at`

	rows, err := r.db.Conn(ctx).Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list command permissions: %w", err)
	}
	defer rows.Close()

	var perms []*models.CommandPermission
	for rows.Next() {
		var perm models.CommandPermission
		if err := scanPermission(rows, &perm); err != nil {
			return nil, fmt.Errorf("failed to scan command permission: %w", err)
		}
		perms = append(perms, &perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate command permissions: %w", err)
	}
	return perms, nil
}

func (r *permissionRepository) ListEntityIDsForCommandName(ctx context.Context, name string) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT p.entity_id
		FROM router_command_permissions p
		JOIN router_commands c ON c.id = p.command_id
		WHERE c.name = $1`

	rows, err := r.db.Conn(ctx).Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities for command: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity ids: %w", err)
	}
	return ids, nil
}

func (r *permissionRepository) RecordUsage(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE router_command_permissions
		SET usage_count = usage_count + 1,
		    last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
		WHERE id = $1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("failed to record command usage: %w", err)
	}
	return nil
}

func scanPermission(row pgx.Row, perm *models.CommandPermission) error {
	return row.Scan(
		&perm.ID, &perm.CommandID, &perm.EntityID, &perm.IsEnabled, &perm.ConfigOverrides,
		&perm.UsageCount, &perm.LastUsedAt, &perm.CreatedAt, &perm.UpdatedAt,
	)
}
