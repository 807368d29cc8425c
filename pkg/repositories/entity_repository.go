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

// EntityRepository defines data access for monitored entities.
type EntityRepository interface {
	// Upsert returns the entity with the given identity, creating it on first
	// observation. Existing rows are returned unchanged.
	Upsert(ctx context.Context, entity *models.Entity) error
	Get(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	GetByIdentity(ctx context.Context, platform, serverID, channelID string) (*models.Entity, error)
	// Update changes the mutable fields: owner, active flag and config.
	Update(ctx context.Context, entity *models.Entity) error
}

type entityRepository struct {
	db *database.DB
}

var _ EntityRepository = (*entityRepository)(nil)

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(db *database.DB) EntityRepository {
	return &entityRepository{db: db}
}

const entityColumns = `id, platform, server_id, channel_id, owner_id, is_active, config, created_at, updated_at`

func (r *entityRepository) Upsert(ctx context.Context, entity *models.Entity) error {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO router_entities (platform, server_id, channel_id, owner_id, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (platform, server_id, channel_id) DO UPDATE
		SET platform = EXCLUDED.platform
		RETURNING ` + entityColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		entity.Platform,
		entity.ServerID,
		entity.ChannelID,
		entity.OwnerID,
		emptyIfNil(entity.Config),
	)
	if err := scanEntity(row, entity); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (r *entityRepository) Get(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM router_entities WHERE id = $1`

	var e models.Entity
	if err := scanEntity(r.db.Conn(ctx).QueryRow(ctx, query, id), &e); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &e, nil
}

func (r *entityRepository) GetByIdentity(ctx context.Context, platform, serverID, channelID string) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + `
		FROM router_entities
		WHERE platform = $1 AND server_id = $2 AND channel_id = $3`

	var e models.Entity
	if err := scanEntity(r.db.Conn(ctx).QueryRow(ctx, query, platform, serverID, channelID), &e); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity by identity: %w", err)
	}
	return &e, nil
}

func (r *entityRepository) Update(ctx context.Context, entity *models.Entity) error {
	query := `
		UPDATE router_entities
		SET owner_id = $2, is_active = $3, config = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		entity.ID,
		entity.OwnerID,
		entity.IsActive,
		emptyIfNil(entity.Config),
	).Scan(&entity.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row, e *models.Entity) error {
	return row.Scan(
		&e.ID, &e.Platform, &e.ServerID, &e.ChannelID, &e.OwnerID,
		&e.IsActive, &e.Config, &e.CreatedAt, &e.UpdatedAt,
	)
}
