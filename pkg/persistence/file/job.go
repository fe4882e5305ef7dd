package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
)

// JobRepository stores one file per run id.
type JobRepository struct {
	dir records
}

func (jr *JobRepository) Save(_ context.Context, job *models.JobRecord) error {
	if err := jr.dir.write(job.RunID, job); err != nil {
		return persistence.NewJobError("Save", job.RunID, err)
	}

	return nil
}

func (jr *JobRepository) GetByRunID(_ context.Context, runID string) (*models.JobRecord, error) {
	data, err := jr.dir.read(runID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewJobError("GetByRunID", runID, persistence.ErrJobNotFound)
	}

	if err != nil {
		return nil, persistence.NewJobError("GetByRunID", runID, err)
	}

	job, err := decodeJSON[models.JobRecord](data)
	if err != nil {
		return nil, persistence.NewJobError("GetByRunID", runID, err)
	}

	return job, nil
}

// GetActive returns the jobs whose provider status is not final and that were not cancelled.
func (jr *JobRepository) GetActive(_ context.Context) ([]*models.JobRecord, error) {
	jobs, err := readAll(jr.dir, decodeJSON[models.JobRecord])
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	result := make([]*models.JobRecord, 0, len(jobs))
	for _, job := range jobs {
		if !job.Cancelled && !job.Status.IsFinal() {
			result = append(result, job)
		}
	}

	return result, nil
}

func (jr *JobRepository) DeleteByWorkflow(_ context.Context, workflowID string) error {
	jobs, err := readAll(jr.dir, decodeJSON[models.JobRecord])
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	for _, job := range jobs {
		if job.WorkflowID != workflowID {
			continue
		}

		if err := jr.dir.remove(job.RunID); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return persistence.NewJobError("DeleteByWorkflow", job.RunID, err)
		}
	}

	return nil
}
