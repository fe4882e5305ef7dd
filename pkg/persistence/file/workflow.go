package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/persistence/schema"
)

// WorkflowRepository stores one file per workflow instance.
type WorkflowRepository struct {
	dir records
}

// GetByID reads a workflow record, migrating it to the current schema.
func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	data, err := wr.dir.read(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	instance, err := schema.Decode(data)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return instance, nil
}

// GetAll returns every workflow, oldest first.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.WorkflowInstance, error) {
	instances, err := readAll(wr.dir, schema.Decode)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	slices.SortFunc(instances, func(a, b *models.WorkflowInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return instances, nil
}

// Save writes the whole record; a failed write leaves the previous file in place.
func (wr *WorkflowRepository) Save(_ context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.SchemaVersion = models.CurrentSchemaVersion

	if err := wr.dir.write(instance.ID, instance); err != nil {
		return persistence.NewWorkflowError("Save", instance.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	err := wr.dir.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}
