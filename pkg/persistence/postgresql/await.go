package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint failure.
const uniqueViolation = "23505"

var openStatuses = []string{
	string(models.AwaitStatusPending),
	string(models.AwaitStatusClaimed),
	string(models.AwaitStatusSnoozed),
}

type AwaitRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAwaitRepository(db *sql.DB, logger *slog.Logger) *AwaitRepository {
	return &AwaitRepository{db: db, logger: logger}
}

// Save upserts by id. A second await for the same run is rejected by the
// unique (workflow, node, run) constraint.
func (r *AwaitRepository) Save(ctx context.Context, await *models.AwaitRequest) error {
	record, err := json.Marshal(await)
	if err != nil {
		return persistence.NewAwaitError("Save", await.ID, err)
	}

	query := `
		INSERT INTO awaits (id, workflow_id, node_id, run_id, status, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , record = EXCLUDED.record
	`

	_, err = r.db.ExecContext(ctx, query,
		await.ID, await.WorkflowID, await.NodeID, await.RunID, string(await.Status), record)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewAwaitError("Save", await.ID, persistence.ErrDuplicateRecord)
		}

		return persistence.NewAwaitError("Save", await.ID, err)
	}

	return nil
}

func (r *AwaitRepository) GetByID(ctx context.Context, id string) (*models.AwaitRequest, error) {
	var record []byte

	err := r.db.QueryRowContext(ctx, `SELECT record FROM awaits WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewAwaitError("GetByID", id, persistence.ErrAwaitNotFound)
	}

	if err != nil {
		return nil, persistence.NewAwaitError("GetByID", id, err)
	}

	var await models.AwaitRequest
	if err := json.Unmarshal(record, &await); err != nil {
		return nil, persistence.NewAwaitError("GetByID", id, err)
	}

	return &await, nil
}

func (r *AwaitRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.AwaitRequest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM awaits WHERE workflow_id = $1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query awaits: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanRecords[models.AwaitRequest](rows)
}

func (r *AwaitRepository) GetOpen(ctx context.Context) ([]*models.AwaitRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT record FROM awaits WHERE status = ANY($1) ORDER BY id`, pq.Array(openStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to query open awaits: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanRecords[models.AwaitRequest](rows)
}

func (r *AwaitRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM awaits WHERE id = $1`, id)
	if err != nil {
		return persistence.NewAwaitError("Delete", id, err)
	}

	return requireAffected(result, persistence.NewAwaitError("Delete", id, persistence.ErrAwaitNotFound))
}
