package mocks

import (
	"context"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	WorkflowRepo *MockWorkflowRepository
	AssetRepo    *MockAssetRepository
	AwaitRepo    *MockAwaitRepository
	JobRepo      *MockJobRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		WorkflowRepo: &MockWorkflowRepository{},
		AssetRepo:    &MockAssetRepository{},
		AwaitRepo:    &MockAwaitRepository{},
		JobRepo:      &MockJobRepository{},
	}
}

func (m *MockPersistence) Workflows() persistence.WorkflowRepository { return m.WorkflowRepo }
func (m *MockPersistence) Assets() persistence.AssetRepository { return m.AssetRepo }
func (m *MockPersistence) Awaits() persistence.AwaitRepository { return m.AwaitRepo }
func (m *MockPersistence) Jobs() persistence.JobRepository { return m.JobRepo }

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository interface.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	args := m.Called(ctx, instance)

	return args.Error(0)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowInstance), args.Error(1)
}

func (m *MockWorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowInstance), args.Error(1)
}

func (m *MockWorkflowRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockAssetRepository is a mock implementation of persistence.AssetRepository interface.
type MockAssetRepository struct {
	mock.Mock
}

func (m *MockAssetRepository) Save(ctx context.Context, asset *models.AssetRef) error {
	args := m.Called(ctx, asset)

	return args.Error(0)
}

func (m *MockAssetRepository) GetByID(ctx context.Context, id string) (*models.AssetRef, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AssetRef), args.Error(1)
}

func (m *MockAssetRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.AssetRef, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AssetRef), args.Error(1)
}

func (m *MockAssetRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockAwaitRepository is a mock implementation of persistence.AwaitRepository interface.
type MockAwaitRepository struct {
	mock.Mock
}

func (m *MockAwaitRepository) Save(ctx context.Context, await *models.AwaitRequest) error {
	args := m.Called(ctx, await)

	return args.Error(0)
}

func (m *MockAwaitRepository) GetByID(ctx context.Context, id string) (*models.AwaitRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AwaitRequest), args.Error(1)
}

func (m *MockAwaitRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.AwaitRequest, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AwaitRequest), args.Error(1)
}

func (m *MockAwaitRepository) GetOpen(ctx context.Context) ([]*models.AwaitRequest, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AwaitRequest), args.Error(1)
}

func (m *MockAwaitRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockJobRepository is a mock implementation of persistence.JobRepository interface.
type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) Save(ctx context.Context, job *models.JobRecord) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}

func (m *MockJobRepository) GetByRunID(ctx context.Context, runID string) (*models.JobRecord, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.JobRecord), args.Error(1)
}

func (m *MockJobRepository) GetActive(ctx context.Context) ([]*models.JobRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.JobRecord), args.Error(1)
}

func (m *MockJobRepository) DeleteByWorkflow(ctx context.Context, workflowID string) error {
	args := m.Called(ctx, workflowID)

	return args.Error(0)
}
