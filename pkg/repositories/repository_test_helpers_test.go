//go:build integration

package repositories

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/testhelpers"
)

// setupRouterTest returns a migrated database with every router table empty.
func setupRouterTest(t *testing.T) *database.DB {
	t.Helper()
	routerDB := testhelpers.GetRouterDB(t)
	testhelpers.TruncateRouterTables(t, routerDB.DB)
	return routerDB.DB
}

// createEntity inserts an entity with a unique channel id.
func createEntity(t *testing.T, db *database.DB, platform string) *models.Entity {
	t.Helper()
	e := &models.Entity{
		Platform:  platform,
		ServerID:  "server-1",
		ChannelID: fmt.Sprintf("channel-%s", uuid.NewString()[:8]),
	}
	require.NoError(t, NewEntityRepository(db).Upsert(context.Background(), e))
	return e
}

// createActiveCommand inserts and activates a command.
func createActiveCommand(t *testing.T, db *database.DB, cmd *models.Command) *models.Command {
	t.Helper()
	ctx := context.Background()
	repo := NewCommandRepository(db)

	if cmd.PrefixClass == "" {
		cmd.PrefixClass = models.PrefixLocal
	}
	if cmd.BackendType == "" {
		cmd.BackendType = models.BackendContainer
	}
	if cmd.Location == "" {
		cmd.Location = "/" + cmd.Name
	}
	if cmd.TimeoutMs == 0 {
		cmd.TimeoutMs = 1000
	}
	if cmd.RateWindowSeconds == 0 {
		cmd.RateWindowSeconds = 60
	}
	if cmd.TriggerType == "" {
		cmd.TriggerType = models.TriggerCommand
	}
	if cmd.ExecutionMode == "" {
		cmd.ExecutionMode = models.ExecutionSequential
	}

	require.NoError(t, repo.Create(ctx, cmd))
	activated, err := repo.Activate(ctx, cmd.ID)
	require.NoError(t, err)
	return activated
}
