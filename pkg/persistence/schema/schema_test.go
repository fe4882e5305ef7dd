package schema_test

import (
	"testing"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const v1Record = `{
  "id": "wf-1",
  "title": "legacy",
  "template": {
    "schema": "nodeflow.template/v1",
    "nodes": [{"id": "a", "kind": "gen"}, {"id": "b", "kind": "pick"}, {"id": "c", "kind": "gen"}]
  },
  "tools": [
    {"nodeId": "a", "kind": "gen", "status": "done"},
    {"nodeId": "b", "kind": "pick", "status": "waiting"},
    {"nodeId": "c", "kind": "gen", "status": "running", "runIds": ["run-1"]}
  ],
  "runs": {"run-1": {"id": "run-1", "nodeId": "c", "state": "running", "jobId": "job-9"}}
}`

func TestDecode_MigratesV1(t *testing.T) {
	instance, err := schema.Decode([]byte(v1Record))
	require.NoError(t, err)

	assert.Equal(t, models.CurrentSchemaVersion, instance.SchemaVersion)
	assert.Equal(t, models.WorkflowStatusActive, instance.Status)
	assert.Equal(t, models.ErrorPolicyIsolateNode, instance.Template.Options.ErrorPolicy)

	assert.Equal(t, models.StateSucceeded, instance.Tool("a").State)
	assert.Equal(t, models.StateAwaitingUser, instance.Tool("b").State)
	assert.Equal(t, models.StateRunningRemote, instance.Tool("c").State)
	assert.Equal(t, models.StateRunningRemote, instance.Run("run-1").State)
	assert.Equal(t, "job-9", instance.Run("run-1").JobID)
}

func TestDecode_V2FillsOptions(t *testing.T) {
	record := `{
	  "id": "wf-2", "schemaVersion": 2,
	  "template": {"schema": "nodeflow.template/v1", "nodes": [{"id": "a", "kind": "gen"}], "options": {"concurrency": {"remote": 2}}},
	  "tools": [{"nodeId": "a", "kind": "gen", "state": "ready"}]
	}`

	instance, err := schema.Decode([]byte(record))
	require.NoError(t, err)

	assert.Equal(t, 2, instance.Template.Options.Concurrency.Remote)
	assert.Equal(t, models.ErrorPolicyIsolateNode, instance.Template.Options.ErrorPolicy)
	assert.NotNil(t, instance.Runs)
	assert.Equal(t, models.StateReady, instance.Tool("a").State)
}

func TestDecode_CurrentKeepsValues(t *testing.T) {
	record := `{
	  "id": "wf-3", "schemaVersion": 3, "status": "halted",
	  "template": {"schema": "nodeflow.template/v1", "nodes": [{"id": "a", "kind": "gen"}], "options": {"errorPolicy": "fail-fast"}},
	  "tools": [{"nodeId": "a", "kind": "gen", "state": "failed"}], "runs": {}
	}`

	instance, err := schema.Decode([]byte(record))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusHalted, instance.Status)
	assert.Equal(t, models.ErrorPolicyFailFast, instance.Template.Options.ErrorPolicy)
	assert.Equal(t, models.StateFailed, instance.Tool("a").State)
}

func TestDecode_UnknownStateMapsToBlocked(t *testing.T) {
	record := `{
	  "id": "wf-4", "schemaVersion": 3,
	  "template": {"schema": "nodeflow.template/v1", "nodes": [{"id": "a", "kind": "gen"}]},
	  "tools": [{"nodeId": "a", "kind": "gen", "state": "teleporting"}]
	}`

	instance, err := schema.Decode([]byte(record))
	require.NoError(t, err)

	assert.Equal(t, models.StateBlocked, instance.Tool("a").State)
	assert.Equal(t, models.ReasonUnknownState, instance.Tool("a").Reason)
}

func TestDecode_RejectsNewerRecords(t *testing.T) {
	_, err := schema.Decode([]byte(`{"id": "wf-5", "schemaVersion": 99}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrUnsupportedSchema)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := schema.Decode([]byte(`{"id":`))
	assert.Error(t, err)
}
