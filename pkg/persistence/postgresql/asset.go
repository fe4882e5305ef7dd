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
)

type AssetRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAssetRepository(db *sql.DB, logger *slog.Logger) *AssetRepository {
	return &AssetRepository{db: db, logger: logger}
}

func (r *AssetRepository) Save(ctx context.Context, asset *models.AssetRef) error {
	record, err := json.Marshal(asset)
	if err != nil {
		return persistence.NewAssetError("Save", asset.ID, err)
	}

	query := `
		INSERT INTO assets (id, workflow_id, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record
	`

	_, err = r.db.ExecContext(ctx, query, asset.ID, asset.WorkflowID, record)
	if err != nil {
		return persistence.NewAssetError("Save", asset.ID, err)
	}

	return nil
}

func (r *AssetRepository) GetByID(ctx context.Context, id string) (*models.AssetRef, error) {
	var record []byte

	err := r.db.QueryRowContext(ctx, `SELECT record FROM assets WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewAssetError("GetByID", id, persistence.ErrAssetNotFound)
	}

	if err != nil {
		return nil, persistence.NewAssetError("GetByID", id, err)
	}

	var asset models.AssetRef
	if err := json.Unmarshal(record, &asset); err != nil {
		return nil, persistence.NewAssetError("GetByID", id, err)
	}

	return &asset, nil
}

func (r *AssetRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.AssetRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM assets WHERE workflow_id = $1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanRecords[models.AssetRef](rows)
}

func (r *AssetRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return persistence.NewAssetError("Delete", id, err)
	}

	return requireAffected(result, persistence.NewAssetError("Delete", id, persistence.ErrAssetNotFound))
}

// scanRecords decodes a single JSONB column from every row.
func scanRecords[T any](rows *sql.Rows) ([]*T, error) {
	result := make([]*T, 0)

	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		var value T
		if err := json.Unmarshal(record, &value); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}

		result = append(result, &value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return result, nil
}
