// Package persistence provides the storage abstraction for workflow instances,
// assets, awaits and job records.
package persistence

import (
	"context"

	"github.com/dukex/nodeflow/pkg/models"
)

type Persistence interface {
	Workflows() WorkflowRepository
	Assets() AssetRepository
	Awaits() AwaitRepository
	Jobs() JobRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores one root record per workflow instance. Save
// replaces the whole record or leaves the previous one untouched.
type WorkflowRepository interface {
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	GetAll(ctx context.Context) ([]*models.WorkflowInstance, error)
	Delete(ctx context.Context, id string) error
}

type AssetRepository interface {
	Save(ctx context.Context, asset *models.AssetRef) error
	GetByID(ctx context.Context, id string) (*models.AssetRef, error)
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.AssetRef, error)
	Delete(ctx context.Context, id string) error
}

type AwaitRepository interface {
	Save(ctx context.Context, await *models.AwaitRequest) error
	GetByID(ctx context.Context, id string) (*models.AwaitRequest, error)
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.AwaitRequest, error)
	GetOpen(ctx context.Context) ([]*models.AwaitRequest, error)
	Delete(ctx context.Context, id string) error
}

// JobRepository stores job records keyed by run id, the submission idempotency key.
type JobRepository interface {
	Save(ctx context.Context, job *models.JobRecord) error
	GetByRunID(ctx context.Context, runID string) (*models.JobRecord, error)
	GetActive(ctx context.Context) ([]*models.JobRecord, error)
	DeleteByWorkflow(ctx context.Context, workflowID string) error
}
