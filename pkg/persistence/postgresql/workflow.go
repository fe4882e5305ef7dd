package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/schema"
)

// WorkflowRepository stores each instance as one JSONB record.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// GetAll returns every instance, oldest first, migrated to the current schema.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	query := `
		SELECT record
		FROM workflow_instances
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		var record []byte

		err := rows.Scan(&record)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		instance, err := schema.Decode(record)
		if err != nil {
			return nil, fmt.Errorf("failed to decode workflow: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return instances, nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT record FROM workflow_instances WHERE id = $1`

	var record []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	instance, err := schema.Decode(record)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return instance, nil
}

// Save upserts the whole record in one statement.
func (r *WorkflowRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.SchemaVersion = models.CurrentSchemaVersion

	record, err := json.Marshal(instance)
	if err != nil {
		return persistence.NewWorkflowError("Save", instance.ID, err)
	}

	query := `
		INSERT INTO workflow_instances (id, schema_version, title, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version
		  , title = EXCLUDED.title
		  , status = EXCLUDED.status
		  , record = EXCLUDED.record
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.SchemaVersion,
		instance.Title,
		string(instance.Status),
		record,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", instance.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return requireAffected(result, persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound))
}

// requireAffected returns notFound when the statement touched no row.
func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
