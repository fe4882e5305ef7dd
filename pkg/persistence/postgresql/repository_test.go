package postgresql

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPersistence(t *testing.T) (*Persistence, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	return newPersistence(db, log.Discard()), mock
}

// anyJSON matches any argument that holds a JSON document.
type anyJSON struct{}

func (anyJSON) Match(v driver.Value) bool {
	b, ok := v.([]byte)

	return ok && json.Valid(b)
}

func TestWorkflowRepository_GetByID(t *testing.T) {
	p, mock := newMockPersistence(t)

	record := `{"id": "wf-1", "schemaVersion": 3, "status": "active",
	  "template": {"schema": "nodeflow.template/v1", "nodes": [{"id": "a", "kind": "gen"}]},
	  "tools": [{"nodeId": "a", "kind": "gen", "state": "succeeded"}], "runs": {}}`

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT record FROM workflow_instances WHERE id = $1`)).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow([]byte(record)))

	instance, err := p.Workflows().GetByID(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, instance.Tool("a").State)
}

func TestWorkflowRepository_GetByIDNotFound(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT record FROM workflow_instances WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))

	_, err := p.Workflows().GetByID(context.Background(), "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflowRepository_SaveUpserts(t *testing.T) {
	p, mock := newMockPersistence(t)

	instance := &models.WorkflowInstance{ID: "wf-1", Title: "t", Status: models.WorkflowStatusActive}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO workflow_instances`)).
		WithArgs("wf-1", models.CurrentSchemaVersion, "t", "active", anyJSON{}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Workflows().Save(context.Background(), instance))
	assert.False(t, instance.CreatedAt.IsZero())
}

func TestWorkflowRepository_DeleteMissing(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM workflow_instances WHERE id = $1`)).
		WithArgs("wf-x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.Workflows().Delete(context.Background(), "wf-x")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestAwaitRepository_SaveDuplicate(t *testing.T) {
	p, mock := newMockPersistence(t)

	await := &models.AwaitRequest{ID: "aw-2", WorkflowID: "wf-1", NodeID: "pick", RunID: "run-1", Status: models.AwaitStatusPending}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO awaits`)).
		WithArgs("aw-2", "wf-1", "pick", "run-1", "pending", anyJSON{}).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := p.Awaits().Save(context.Background(), await)
	assert.ErrorIs(t, err, persistence.ErrDuplicateRecord)
}

func TestAwaitRepository_GetOpen(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT record FROM awaits WHERE status = ANY($1)`)).
		WithArgs(pq.Array(openStatuses)).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).
			AddRow([]byte(`{"id": "aw-1", "status": "pending"}`)).
			AddRow([]byte(`{"id": "aw-3", "status": "snoozed"}`)))

	open, err := p.Awaits().GetOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, models.AwaitStatusSnoozed, open[1].Status)
}

func TestJobRepository_GetActive(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery(`SELECT record\s+FROM job_records\s+WHERE cancelled = false`).
		WithArgs(pq.Array(finalJobStatuses)).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).
			AddRow([]byte(`{"jobId": "j-1", "runId": "run-1", "status": "running"}`)))

	jobs, err := p.Jobs().GetActive(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j-1", jobs[0].JobID)
}

func TestJobRepository_GetByRunIDNotFound(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT record FROM job_records WHERE run_id = $1`)).
		WithArgs("run-9").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))

	_, err := p.Jobs().GetByRunID(context.Background(), "run-9")
	assert.ErrorIs(t, err, persistence.ErrJobNotFound)
}

func TestAssetRepository_GetByWorkflow(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT record FROM assets WHERE workflow_id = $1`)).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).
			AddRow([]byte(`{"id": "as-1", "workflowId": "wf-1", "type": "image", "location": "s3://x", "pinned": true}`)))

	assets, err := p.Assets().GetByWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.True(t, assets[0].Pinned)
}
