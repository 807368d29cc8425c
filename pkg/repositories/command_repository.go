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

// CommandRepository defines data access for versioned commands.
type CommandRepository interface {
	// Create inserts an inactive command. A zero Version is assigned the next
	// version for the name.
	Create(ctx context.Context, cmd *models.Command) error
	Get(ctx context.Context, id uuid.UUID) (*models.Command, error)
	GetActiveByName(ctx context.Context, name string, prefix models.PrefixClass) (*models.Command, error)
	ListVersions(ctx context.Context, name string) ([]*models.Command, error)
	List(ctx context.Context, activeOnly bool) ([]*models.Command, error)
	// ListInstalled returns the active commands installed on an entity,
	// together with their permission rows.
	ListInstalled(ctx context.Context, entityID uuid.UUID) ([]*models.InstalledCommand, error)
	Update(ctx context.Context, cmd *models.Command) error
	// Activate makes id the single active version of its name.
	Activate(ctx context.Context, id uuid.UUID) (*models.Command, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type commandRepository struct {
	db *database.DB
}

var _ CommandRepository = (*commandRepository)(nil)

// NewCommandRepository creates a new command repository.
func NewCommandRepository(db *database.DB) CommandRepository {
	return &commandRepository{db: db}
}

const commandColumns = `id, name, prefix_class, backend_type, location, timeout_ms,
	rate_limit, rate_window_seconds, trigger_type, event_types, priority,
	execution_mode, is_active, version, created_at, updated_at`

func (r *commandRepository) Create(ctx context.Context, cmd *models.Command) error {
	query := `
		INSERT INTO router_commands (
			name, prefix_class, backend_type, location, timeout_ms,
			rate_limit, rate_window_seconds, trigger_type, event_types, priority,
			execution_mode, is_active, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE,
			CASE WHEN $12 > 0 THEN $12
			     ELSE COALESCE((SELECT max(version) FROM router_commands WHERE name = $1), 0) + 1
			END)
		RETURNING ` + commandColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		cmd.Name,
		cmd.PrefixClass,
		cmd.BackendType,
		cmd.Location,
		cmd.TimeoutMs,
		cmd.RateLimit,
		cmd.RateWindowSeconds,
		cmd.TriggerType,
		eventTypeStrings(cmd.EventTypes),
		cmd.Priority,
		cmd.ExecutionMode,
		cmd.Version,
	)
	if err := scanCommand(row, cmd); err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create command: %w", err)
	}
	return nil
}

func (r *commandRepository) Get(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM router_commands WHERE id = $1`

	var cmd models.Command
	if err := scanCommand(r.db.Conn(ctx).QueryRow(ctx, query, id), &cmd); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return &cmd, nil
}

func (r *commandRepository) GetActiveByName(ctx context.Context, name string, prefix models.PrefixClass) (*models.Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM router_commands
		WHERE name = $1 AND prefix_class = $2 AND is_active`

	var cmd models.Command
	if err := scanCommand(r.db.Conn(ctx).QueryRow(ctx, query, name, prefix), &cmd); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active command: %w", err)
	}
	return &cmd, nil
}

func (r *commandRepository) ListVersions(ctx context.Context, name string) ([]*models.Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM router_commands
		WHERE name = $1
		ORDER BY version DESC`

	return r.queryCommands(ctx, query, name)
}

func (r *commandRepository) List(ctx context.Context, activeOnly bool) ([]*models.Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM router_commands
		WHERE is_active OR NOT $1
		ORDER BY name, version DESC`

	return r.queryCommands(ctx, query, activeOnly)
}

func (r *commandRepository) ListInstalled(ctx context.Context, entityID uuid.UUID) ([]*models.InstalledCommand, error) {
	query := `
		SELECT c.id, c.name, c.prefix_class, c.backend_type, c.location, c.timeout_ms,
		       c.rate_limit, c.rate_window_seconds, c.trigger_type, c.event_types, c.priority,
		       c.execution_mode, c.is_active, c.version, c.created_at, c.updated_at,
		       ` + permissionColumnsAs("p") + `
		FROM router_command_permissions p
		JOIN router_commands installed ON installed.id = p.command_id
		JOIN router_commands c ON c.name = installed.name AND c.is_active
		WHERE p.entity_id = $1
		ORDER BY c.priority, c.name`

	rows, err := r.db.Conn(ctx).Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed commands: %w", err)
	}
	defer rows.Close()

	var installed []*models.InstalledCommand
	for rows.Next() {
		var cmd models.Command
		var perm models.CommandPermission
		var eventTypes []string
		err := rows.Scan(
			&cmd.ID, &cmd.Name, &cmd.PrefixClass, &cmd.BackendType, &cmd.Location, &cmd.TimeoutMs,
			&cmd.RateLimit, &cmd.RateWindowSeconds, &cmd.TriggerType, &eventTypes, &cmd.Priority,
			&cmd.ExecutionMode, &cmd.IsActive, &cmd.Version, &cmd.CreatedAt, &cmd.UpdatedAt,
			&perm.ID, &perm.CommandID, &perm.EntityID, &perm.IsEnabled, &perm.ConfigOverrides,
			&perm.UsageCount, &perm.LastUsedAt, &perm.CreatedAt, &perm.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installed command: %w", err)
		}
		cmd.EventTypes = messageTypes(eventTypes)
		installed = append(installed, &models.InstalledCommand{Command: &cmd, Permission: &perm})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate installed commands: %w", err)
	}
	return installed, nil
}

func (r *commandRepository) Update(ctx context.Context, cmd *models.Command) error {
	query := `
		UPDATE router_commands
		SET prefix_class = $2, backend_type = $3, location = $4, timeout_ms = $5,
		    rate_limit = $6, rate_window_seconds = $7, trigger_type = $8, event_types = $9,
		    priority = $10, execution_mode = $11, updated_at = now()
		WHERE id = $1
		RETURNING ` + commandColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		cmd.ID,
		cmd.PrefixClass,
		cmd.BackendType,
		cmd.Location,
		cmd.TimeoutMs,
		cmd.RateLimit,
		cmd.RateWindowSeconds,
		cmd.TriggerType,
		eventTypeStrings(cmd.EventTypes),
		cmd.Priority,
		cmd.ExecutionMode,
	)
	if err := scanCommand(row, cmd); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to update command: %w", err)
	}
	return nil
}

func (r *commandRepository) Activate(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	var activated models.Command

	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)

		// Lock every version of the name so concurrent activations serialize.
		var name string
		err := conn.QueryRow(ctx, `SELECT name FROM router_commands WHERE id = $1`, id).Scan(&name)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to look up command: %w", err)
		}
		if _, err := conn.Exec(ctx, `SELECT 1 FROM router_commands WHERE name = $1 FOR UPDATE`, name); err != nil {
			return fmt.Errorf("failed to lock command versions: %w", err)
		}

		if _, err := conn.Exec(ctx, `
			UPDATE router_commands
			SET is_active = FALSE, updated_at = now()
			WHERE name = $1 AND id <> $2 AND is_active`, name, id); err != nil {
			return fmt.Errorf("failed to deactivate other versions: %w", err)
		}

		row := conn.QueryRow(ctx, `
			UPDATE router_commands
			SET is_active = TRUE, updated_at = now()
			WHERE id = $1
			RETURNING `+commandColumns, id)
		if err := scanCommand(row, &activated); err != nil {
			return fmt.Errorf("failed to activate command: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &activated, nil
}

func (r *commandRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE router_commands SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *commandRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM router_commands WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *commandRepository) queryCommands(ctx context.Context, query string, args ...any) ([]*models.Command, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var commands []*models.Command
	for rows.Next() {
		var cmd models.Command
		if err := scanCommand(rows, &cmd); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		commands = append(commands, &cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commands: %w", err)
	}
	return commands, nil
}

func scanCommand(row pgx.Row, cmd *models.Command) error {
	var eventTypes []string
	err := row.Scan(
		&cmd.ID, &cmd.Name, &cmd.PrefixClass, &cmd.BackendType, &cmd.Location, &cmd.TimeoutMs,
		&cmd.RateLimit, &cmd.RateWindowSeconds, &cmd.TriggerType, &eventTypes, &cmd.Priority,
		&cmd.ExecutionMode, &cmd.IsActive, &cmd.Version, &cmd.CreatedAt, &cmd.UpdatedAt,
	)
	if err != nil {
		return err
	}
	cmd.EventTypes = messageTypes(eventTypes)
	return nil
}

func eventTypeStrings(types []models.MessageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func messageTypes(values []string) []models.MessageType {
	out := make([]models.MessageType, len(values))
	for i, v := range values {
		out[i] = models.MessageType(v)
	}
	return out
}
