package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("record errors unwrap to sentinels", func(t *testing.T) {
		workflowErr := persistence.NewWorkflowError("GetByID", "wf-123", persistence.ErrWorkflowNotFound)
		jobErr := persistence.NewJobError("GetByRunID", "run-9", persistence.ErrJobNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, persistence.IsNotFound(jobErr))
		assert.False(t, persistence.IsWorkflowNotFound(jobErr))
		assert.True(t, errors.Is(workflowErr, persistence.ErrWorkflowNotFound))
	})

	t.Run("record error contains context", func(t *testing.T) {
		err := persistence.NewAssetError("Save", "as-1", errors.New("disk full"))

		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "asset as-1")
		assert.Contains(t, err.Error(), "disk full")
		assert.False(t, persistence.IsNotFound(err))
	})
}
