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

var finalJobStatuses = []string{
	string(models.JobStatusSucceeded),
	string(models.JobStatusFailed),
	string(models.JobStatusCancelled),
}

// JobRepository stores job records keyed by run id.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

func (r *JobRepository) Save(ctx context.Context, job *models.JobRecord) error {
	record, err := json.Marshal(job)
	if err != nil {
		return persistence.NewJobError("Save", job.RunID, err)
	}

	query := `
		INSERT INTO job_records (run_id, workflow_id, job_id, status, cancelled, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			job_id = EXCLUDED.job_id
		  , status = EXCLUDED.status
		  , cancelled = EXCLUDED.cancelled
		  , record = EXCLUDED.record
	`

	_, err = r.db.ExecContext(ctx, query,
		job.RunID, job.WorkflowID, job.JobID, string(job.Status), job.Cancelled, record)
	if err != nil {
		return persistence.NewJobError("Save", job.RunID, err)
	}

	return nil
}

func (r *JobRepository) GetByRunID(ctx context.Context, runID string) (*models.JobRecord, error) {
	var record []byte

	err := r.db.QueryRowContext(ctx, `SELECT record FROM job_records WHERE run_id = $1`, runID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewJobError("GetByRunID", runID, persistence.ErrJobNotFound)
	}

	if err != nil {
		return nil, persistence.NewJobError("GetByRunID", runID, err)
	}

	var job models.JobRecord
	if err := json.Unmarshal(record, &job); err != nil {
		return nil, persistence.NewJobError("GetByRunID", runID, err)
	}

	return &job, nil
}

// GetActive returns the jobs still owned by a provider.
func (r *JobRepository) GetActive(ctx context.Context) ([]*models.JobRecord, error) {
	query := `
		SELECT record
		FROM job_records
		WHERE cancelled = false AND NOT (status = ANY($1))
		ORDER BY run_id
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(finalJobStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to query active jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanRecords[models.JobRecord](rows)
}

func (r *JobRepository) DeleteByWorkflow(ctx context.Context, workflowID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM job_records WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete jobs of workflow %s: %w", workflowID, err)
	}

	return nil
}
