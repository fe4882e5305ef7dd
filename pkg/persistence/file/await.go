package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// AwaitRepository stores one file per await request.
type AwaitRepository struct {
	dir records
}

func (ar *AwaitRepository) Save(_ context.Context, await *models.AwaitRequest) error {
	if err := ar.dir.write(await.ID, await); err != nil {
		return persistence.NewAwaitError("Save", await.ID, err)
	}

	return nil
}

func (ar *AwaitRepository) GetByID(_ context.Context, id string) (*models.AwaitRequest, error) {
	data, err := ar.dir.read(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewAwaitError("GetByID", id, persistence.ErrAwaitNotFound)
	}

	if err != nil {
		return nil, persistence.NewAwaitError("GetByID", id, err)
	}

	await, err := decodeJSON[models.AwaitRequest](data)
	if err != nil {
		return nil, persistence.NewAwaitError("GetByID", id, err)
	}

	return await, nil
}

func (ar *AwaitRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.AwaitRequest, error) {
	return ar.filter(func(await *models.AwaitRequest) bool {
		return await.WorkflowID == workflowID
	})
}

// GetOpen returns the awaits still pending, claimed or snoozed.
func (ar *AwaitRepository) GetOpen(_ context.Context) ([]*models.AwaitRequest, error) {
	return ar.filter(func(await *models.AwaitRequest) bool {
		return await.Status.Open()
	})
}

func (ar *AwaitRepository) filter(keep func(*models.AwaitRequest) bool) ([]*models.AwaitRequest, error) {
	awaits, err := readAll(ar.dir, decodeJSON[models.AwaitRequest])
	if err != nil {
		return nil, fmt.Errorf("failed to load awaits: %w", err)
	}

	result := make([]*models.AwaitRequest, 0, len(awaits))
	for _, await := range awaits {
		if keep(await) {
			result = append(result, await)
		}
	}

	return result, nil
}

func (ar *AwaitRepository) Delete(_ context.Context, id string) error {
	err := ar.dir.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewAwaitError("Delete", id, persistence.ErrAwaitNotFound)
	}

	if err != nil {
		return persistence.NewAwaitError("Delete", id, err)
	}

	return nil
}
