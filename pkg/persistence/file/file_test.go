package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(id string) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:     id,
		Title:  "pipeline " + id,
		Status: models.WorkflowStatusActive,
		Template: models.Template{
			Schema: models.TemplateSchemaV1,
			Nodes:  []models.NodeTemplate{{ID: "a", Kind: "gen"}},
		},
		Tools: []*models.ToolInstance{{NodeID: "a", Kind: "gen", State: models.StateReady}},
		Runs:  map[string]*models.ToolRun{},
	}
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence("file://" + t.TempDir())

	instance := testInstance("wf-1")
	require.NoError(t, p.Workflows().Save(ctx, instance))

	loaded, err := p.Workflows().GetByID(ctx, "wf-1")
	require.NoError(t, err)

	assert.Equal(t, "pipeline wf-1", loaded.Title)
	assert.Equal(t, models.CurrentSchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, models.StateReady, loaded.Tool("a").State)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestWorkflowRepository_GetAllOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	first := testInstance("wf-b")
	first.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := testInstance("wf-a")
	second.CreatedAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, p.Workflows().Save(ctx, second))
	require.NoError(t, p.Workflows().Save(ctx, first))

	all, err := p.Workflows().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "wf-b", all[0].ID)
	assert.Equal(t, "wf-a", all[1].ID)
}

func TestWorkflowRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	_, err := p.Workflows().GetByID(ctx, "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	err = p.Workflows().Delete(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestWorkflowRepository_MigratesLegacyRecord(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := NewPersistence(root)

	legacy := `{"id": "wf-old", "template": {"schema": "nodeflow.template/v1", "nodes": [{"id": "a", "kind": "gen"}]},
	  "tools": [{"nodeId": "a", "kind": "gen", "status": "done"}]}`

	require.NoError(t, os.MkdirAll(filepath.Join(root, workflowsDir), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, workflowsDir, "wf-old.json"), []byte(legacy), 0600))

	loaded, err := p.Workflows().GetByID(ctx, "wf-old")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, loaded.Tool("a").State)
	assert.Equal(t, models.WorkflowStatusActive, loaded.Status)
}

func TestRecords_RejectsUnsafeIDs(t *testing.T) {
	r := records{dir: t.TempDir()}

	tests := []struct {
		name string
		id   string
	}{
		{name: "empty", id: ""},
		{name: "parent", id: ".."},
		{name: "slash", id: "../escape"},
		{name: "backslash", id: `a\b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.write(tt.id, map[string]string{}))
		})
	}
}

func TestRecords_WriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	r := records{dir: dir}

	require.NoError(t, r.write("one", map[string]int{"v": 1}))
	require.NoError(t, r.write("one", map[string]int{"v": 2}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "one.json", entries[0].Name())

	data, err := r.read("one")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": 2}`, string(data))
}

func TestAssetRepository_ByWorkflow(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	for _, asset := range []*models.AssetRef{
		{ID: "as-1", WorkflowID: "wf-1", Type: "image", Location: "s3://a"},
		{ID: "as-2", WorkflowID: "wf-1", Type: "image", Location: "s3://b", Invalidated: true},
		{ID: "as-3", WorkflowID: "wf-2", Type: "text", Location: "inline:hi"},
	} {
		require.NoError(t, p.Assets().Save(ctx, asset))
	}

	assets, err := p.Assets().GetByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, assets, 2)

	require.NoError(t, p.Assets().Delete(ctx, "as-1"))

	_, err = p.Assets().GetByID(ctx, "as-1")
	assert.ErrorIs(t, err, persistence.ErrAssetNotFound)

	asset, err := p.Assets().GetByID(ctx, "as-2")
	require.NoError(t, err)
	assert.True(t, asset.Invalidated)
}

func TestAwaitRepository_GetOpen(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	for _, await := range []*models.AwaitRequest{
		{ID: "aw-1", WorkflowID: "wf-1", NodeID: "pick", Status: models.AwaitStatusPending},
		{ID: "aw-2", WorkflowID: "wf-1", NodeID: "pick", Status: models.AwaitStatusCompleted},
		{ID: "aw-3", WorkflowID: "wf-2", NodeID: "pick", Status: models.AwaitStatusSnoozed},
	} {
		require.NoError(t, p.Awaits().Save(ctx, await))
	}

	open, err := p.Awaits().GetOpen(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(open))
	for _, await := range open {
		ids = append(ids, await.ID)
	}

	assert.ElementsMatch(t, []string{"aw-1", "aw-3"}, ids)

	byWorkflow, err := p.Awaits().GetByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)
}

func TestJobRepository_ActiveAndDelete(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	for _, job := range []*models.JobRecord{
		{JobID: "j-1", RunID: "run-1", WorkflowID: "wf-1", Status: models.JobStatusRunning},
		{JobID: "j-2", RunID: "run-2", WorkflowID: "wf-1", Status: models.JobStatusSucceeded},
		{JobID: "j-3", RunID: "run-3", WorkflowID: "wf-2", Status: models.JobStatusQueued, Cancelled: true},
		{JobID: "j-4", RunID: "run-4", WorkflowID: "wf-2", Status: models.JobStatusQueued},
	} {
		require.NoError(t, p.Jobs().Save(ctx, job))
	}

	active, err := p.Jobs().GetActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, p.Jobs().DeleteByWorkflow(ctx, "wf-1"))

	_, err = p.Jobs().GetByRunID(ctx, "run-1")
	assert.ErrorIs(t, err, persistence.ErrJobNotFound)

	job, err := p.Jobs().GetByRunID(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, "j-4", job.JobID)
}

func TestPersistence_HealthCheck(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, NewPersistence(t.TempDir()).HealthCheck(ctx))
	assert.Error(t, NewPersistence(filepath.Join(t.TempDir(), "absent")).HealthCheck(ctx))
}
