//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

func TestCommandRepository_VersionsAndActivation(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	v1 := createActiveCommand(t, db, &models.Command{Name: "ping", Priority: 1})
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)

	v2 := &models.Command{
		Name: "ping", PrefixClass: models.PrefixLocal, BackendType: models.BackendLambda,
		Location: "https://example.com/ping", TimeoutMs: 500, RateWindowSeconds: 60,
		TriggerType: models.TriggerCommand, ExecutionMode: models.ExecutionSequential,
	}
	require.NoError(t, repo.Create(ctx, v2))
	assert.Equal(t, 2, v2.Version, "version auto-increments per name")
	assert.False(t, v2.IsActive, "new versions start inactive")

	active, err := repo.GetActiveByName(ctx, "ping", models.PrefixLocal)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	_, err = repo.Activate(ctx, v2.ID)
	require.NoError(t, err)

	active, err = repo.GetActiveByName(ctx, "ping", models.PrefixLocal)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	versions, err := repo.ListVersions(ctx, "ping")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	activeCount := 0
	for _, v := range versions {
		if v.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one active version per name")

	_, err = repo.GetActiveByName(ctx, "ping", models.PrefixCommunity)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCommandRepository_DuplicateVersionConflicts(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewCommandRepository(db)
	ctx := context.Background()

	createActiveCommand(t, db, &models.Command{Name: "so", Version: 3})

	dup := &models.Command{
		Name: "so", Version: 3, PrefixClass: models.PrefixLocal, BackendType: models.BackendContainer,
		Location: "/so", TimeoutMs: 1000, RateWindowSeconds: 60,
		TriggerType: models.TriggerCommand, ExecutionMode: models.ExecutionSequential,
	}
	assert.ErrorIs(t, repo.Create(ctx, dup), apperrors.ErrConflict)
}

func TestCommandRepository_ListInstalledFollowsActiveVersion(t *testing.T) {
	db := setupRouterTest(t)
	cmdRepo := NewCommandRepository(db)
	permRepo := NewPermissionRepository(db)
	ctx := context.Background()

	entity := createEntity(t, db, "twitch")
	v1 := createActiveCommand(t, db, &models.Command{
		Name: "log", Priority: 5, TriggerType: models.TriggerBoth,
		EventTypes: []models.MessageType{models.MessageTypeFollow},
	})
	require.NoError(t, permRepo.Install(ctx, &models.CommandPermission{
		CommandID: v1.ID, EntityID: entity.ID, IsEnabled: true,
	}))

	installed, err := cmdRepo.ListInstalled(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, v1.ID, installed[0].Command.ID)
	assert.Equal(t, []models.MessageType{models.MessageTypeFollow}, installed[0].Command.EventTypes)
	assert.True(t, installed[0].Permission.IsEnabled)

	// Activating a new version carries the installation over.
	v2 := &models.Command{
		Name: "log", PrefixClass: models.PrefixLocal, BackendType: models.BackendWebhook,
		Location: "https://hooks.example.com/log", TimeoutMs: 1000, RateWindowSeconds: 60,
		TriggerType: models.TriggerBoth, ExecutionMode: models.ExecutionSequential,
	}
	require.NoError(t, cmdRepo.Create(ctx, v2))
	_, err = cmdRepo.Activate(ctx, v2.ID)
	require.NoError(t, err)

	installed, err = cmdRepo.ListInstalled(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, v2.ID, installed[0].Command.ID)
	assert.Equal(t, v1.ID, installed[0].Permission.CommandID)

	// Deactivating the only active version removes it from the installed set.
	require.NoError(t, cmdRepo.Deactivate(ctx, v2.ID))
	installed, err = cmdRepo.ListInstalled(ctx, entity.ID)
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestPermissionRepository_InstallUpdateUsage(t *testing.T) {
	db := setupRouterTest(t)
	repo := NewPermissionRepository(db)
	ctx := context.Background()

	entity := createEntity(t, db, "discord")
	cmd := createActiveCommand(t, db, &models.Command{Name: "so"})

	perm := &models.CommandPermission{CommandID: cmd.ID, EntityID: entity.ID, IsEnabled: true}
	require.NoError(t, repo.Install(ctx, perm))

	perm.IsEnabled = false
	perm.ConfigOverrides = map[string]any{"cooldown": float64(5)}
	require.NoError(t, repo.Update(ctx, perm))

	require.NoError(t, repo.RecordUsage(ctx, perm.ID, perm.UpdatedAt))
	require.NoError(t, repo.RecordUsage(ctx, perm.ID, perm.UpdatedAt))

	got, err := repo.Get(ctx, cmd.ID, entity.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.Equal(t, float64(5), got.ConfigOverrides["cooldown"])
	assert.Equal(t, int64(2), got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)

	ids, err := repo.ListEntityIDsForCommandName(ctx, "so")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{entity.ID}, ids)

	require.NoError(t, repo.Uninstall(ctx, cmd.ID, entity.ID))
	assert.ErrorIs(t, repo.Uninstall(ctx, cmd.ID, entity.ID), apperrors.ErrNotFound)
}
