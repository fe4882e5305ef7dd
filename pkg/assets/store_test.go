package assets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/mocks"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *mocks.MockAssetRepository, *clockwork.FakeClock) {
	t.Helper()

	repo := &mocks.MockAssetRepository{}
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	repo.On("Delete", mock.Anything, mock.Anything).Return(nil)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	return NewStore(log.Discard(), repo, clock), repo, clock
}

func image(location string) models.OutputAsset {
	return models.OutputAsset{Type: models.PortTypeImage, Location: location}
}

func TestStore_RegisterSupersedes(t *testing.T) {
	ctx := context.Background()
	store, repo, clock := newTestStore(t)
	provenance := models.Provenance{NodeID: "a", RunID: "run-1", Port: "out"}

	first, superseded, err := store.Register(ctx, "wf-1", image("s3://one"), provenance)
	require.NoError(t, err)
	assert.Nil(t, superseded)
	assert.Equal(t, provenance, first.Provenance)
	assert.Equal(t, clock.Now(), first.CreatedAt)

	clock.Advance(time.Minute)
	provenance.RunID = "run-2"

	second, superseded, err := store.Register(ctx, "wf-1", image("s3://two"), provenance)
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, first.ID, superseded.ID)
	assert.True(t, superseded.Invalidated)
	assert.Equal(t, ReasonSuperseded, superseded.InvalidReason)

	current, ok := store.Current("wf-1", "a", "out")
	require.True(t, ok)
	assert.Equal(t, second.ID, current.ID)

	old, ok := store.Get(first.ID)
	require.True(t, ok)
	assert.False(t, old.Valid())
	assert.True(t, old.Exists())

	repo.AssertNumberOfCalls(t, "Save", 3)
}

func TestStore_DeleteAndCollect(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newTestStore(t)

	kept, _, err := store.Register(ctx, "wf-1", image("s3://kept"), models.Provenance{NodeID: "a", Port: "out"})
	require.NoError(t, err)
	referenced, _, err := store.Register(ctx, "wf-1", image("s3://ref"), models.Provenance{NodeID: "b", Port: "out"})
	require.NoError(t, err)
	pinned, _, err := store.Register(ctx, "wf-1", image("s3://pin"), models.Provenance{NodeID: "c", Port: "out"})
	require.NoError(t, err)
	garbage, _, err := store.Register(ctx, "wf-1", image("s3://junk"), models.Provenance{NodeID: "d", Port: "out"})
	require.NoError(t, err)

	for _, id := range []string{referenced.ID, pinned.ID, garbage.ID} {
		_, err := store.Delete(ctx, id)
		require.NoError(t, err)
	}

	_, err = store.SetPinned(ctx, pinned.ID, true)
	require.NoError(t, err)

	_, ok := store.Current("wf-1", "b", "out")
	assert.False(t, ok)

	removed, err := store.Collect(ctx, "wf-1", map[string]bool{referenced.ID: true})
	require.NoError(t, err)
	assert.Equal(t, []string{garbage.ID}, removed)

	_, ok = store.Get(garbage.ID)
	assert.False(t, ok)
	_, ok = store.Get(kept.ID)
	assert.True(t, ok)

	repo.AssertCalled(t, "Delete", mock.Anything, garbage.ID)
}

func TestStore_DropWorkflowKeepsPinned(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	plain, _, err := store.Register(ctx, "wf-1", image("s3://a"), models.Provenance{NodeID: "a", Port: "out"})
	require.NoError(t, err)
	pinned, _, err := store.Register(ctx, "wf-1", image("s3://b"), models.Provenance{NodeID: "b", Port: "out"})
	require.NoError(t, err)
	other, _, err := store.Register(ctx, "wf-2", image("s3://c"), models.Provenance{NodeID: "a", Port: "out"})
	require.NoError(t, err)

	_, err = store.SetPinned(ctx, pinned.ID, true)
	require.NoError(t, err)

	removed, err := store.DropWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{plain.ID}, removed)

	_, ok := store.Get(pinned.ID)
	assert.True(t, ok)
	_, ok = store.Get(other.ID)
	assert.True(t, ok)
}

func TestStore_UpdateUnknown(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Invalidate(context.Background(), "as-missing", "x")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestStore_SaveFailureLeavesCacheUntouched(t *testing.T) {
	repo := &mocks.MockAssetRepository{}
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	store := NewStore(log.Discard(), repo, clockwork.NewFakeClock())

	_, _, err := store.Register(context.Background(), "wf-1", image("s3://a"), models.Provenance{NodeID: "a", Port: "out"})
	require.Error(t, err)

	_, ok := store.Current("wf-1", "a", "out")
	assert.False(t, ok)
}

func TestStore_LoadPicksNewestValid(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &mocks.MockAssetRepository{}
	repo.On("GetByWorkflow", mock.Anything, "wf-1").Return([]*models.AssetRef{
		{ID: "new", WorkflowID: "wf-1", CreatedAt: base.Add(time.Hour), Provenance: models.Provenance{NodeID: "a", Port: "out"}},
		{ID: "old", WorkflowID: "wf-1", CreatedAt: base, Provenance: models.Provenance{NodeID: "a", Port: "out"}},
		{ID: "stale", WorkflowID: "wf-1", CreatedAt: base.Add(2 * time.Hour), Invalidated: true,
			Provenance: models.Provenance{NodeID: "a", Port: "out"}},
	}, nil)

	store := NewStore(log.Discard(), repo, nil)
	require.NoError(t, store.Load(context.Background(), "wf-1"))

	current, ok := store.Current("wf-1", "a", "out")
	require.True(t, ok)
	assert.Equal(t, "new", current.ID)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	asset, _, err := store.Register(ctx, "wf-1", image("s3://a"), models.Provenance{NodeID: "a", Port: "out"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_, _ = store.SetPinned(ctx, asset.ID, true)
		}()

		go func() {
			defer wg.Done()

			_, _ = store.Get(asset.ID)
		}()
	}

	wg.Wait()

	got, ok := store.Get(asset.ID)
	require.True(t, ok)
	assert.True(t, got.Pinned)
}
