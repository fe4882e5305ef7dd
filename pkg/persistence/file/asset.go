package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// AssetRepository stores one file per asset.
type AssetRepository struct {
	dir records
}

func (ar *AssetRepository) Save(_ context.Context, asset *models.AssetRef) error {
	if err := ar.dir.write(asset.ID, asset); err != nil {
		return persistence.NewAssetError("Save", asset.ID, err)
	}

	return nil
}

func (ar *AssetRepository) GetByID(_ context.Context, id string) (*models.AssetRef, error) {
	data, err := ar.dir.read(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewAssetError("GetByID", id, persistence.ErrAssetNotFound)
	}

	if err != nil {
		return nil, persistence.NewAssetError("GetByID", id, err)
	}

	asset, err := decodeJSON[models.AssetRef](data)
	if err != nil {
		return nil, persistence.NewAssetError("GetByID", id, err)
	}

	return asset, nil
}

func (ar *AssetRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.AssetRef, error) {
	assets, err := readAll(ar.dir, decodeJSON[models.AssetRef])
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}

	result := make([]*models.AssetRef, 0, len(assets))
	for _, asset := range assets {
		if asset.WorkflowID == workflowID {
			result = append(result, asset)
		}
	}

	return result, nil
}

func (ar *AssetRepository) Delete(_ context.Context, id string) error {
	err := ar.dir.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewAssetError("Delete", id, persistence.ErrAssetNotFound)
	}

	if err != nil {
		return persistence.NewAssetError("Delete", id, err)
	}

	return nil
}
