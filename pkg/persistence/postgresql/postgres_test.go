package postgresql_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"job_records", "awaits", "assets", "workflow_instances", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("nodeflow_test"),
			postgres.WithUsername("nodeflow"),
			postgres.WithPassword("nodeflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	p, err := postgresql.NewPersistence(ctx, log.Discard(), databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err := p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

func TestPersistence_WorkflowRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	instance := &models.WorkflowInstance{
		ID:     "wf-1",
		Title:  "portrait",
		Status: models.WorkflowStatusActive,
		Template: models.Template{
			Schema: models.TemplateSchemaV1,
			Nodes:  []models.NodeTemplate{{ID: "gen", Kind: "generate"}},
		},
		Tools: []*models.ToolInstance{{NodeID: "gen", Kind: "generate", State: models.StateReady}},
		Runs:  map[string]*models.ToolRun{},
	}

	require.NoError(t, p.Workflows().Save(ctx, instance))

	instance.Tools[0].State = models.StateQueuedRemote
	require.NoError(t, p.Workflows().Save(ctx, instance))

	loaded, err := p.Workflows().GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateQueuedRemote, loaded.Tool("gen").State)

	all, err := p.Workflows().GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, p.Workflows().Delete(ctx, "wf-1"))

	_, err = p.Workflows().GetByID(ctx, "wf-1")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestPersistence_AwaitUniquePerRun(t *testing.T) {
	p, ctx := setupTestDB(t)

	first := &models.AwaitRequest{ID: "aw-1", WorkflowID: "wf-1", NodeID: "pick", RunID: "run-1", Status: models.AwaitStatusPending}
	second := &models.AwaitRequest{ID: "aw-2", WorkflowID: "wf-1", NodeID: "pick", RunID: "run-1", Status: models.AwaitStatusPending}

	require.NoError(t, p.Awaits().Save(ctx, first))
	assert.ErrorIs(t, p.Awaits().Save(ctx, second), persistence.ErrDuplicateRecord)

	first.Status = models.AwaitStatusCompleted
	require.NoError(t, p.Awaits().Save(ctx, first))

	open, err := p.Awaits().GetOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPersistence_JobRecords(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.Jobs().Save(ctx, &models.JobRecord{JobID: "j-1", RunID: "run-1", WorkflowID: "wf-1", Status: models.JobStatusRunning}))
	require.NoError(t, p.Jobs().Save(ctx, &models.JobRecord{JobID: "j-2", RunID: "run-2", WorkflowID: "wf-1", Status: models.JobStatusSucceeded}))

	active, err := p.Jobs().GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "run-1", active[0].RunID)

	require.NoError(t, p.Jobs().DeleteByWorkflow(ctx, "wf-1"))

	_, err = p.Jobs().GetByRunID(ctx, "run-1")
	assert.ErrorIs(t, err, persistence.ErrJobNotFound)
}
