// Package assets keeps produced assets with their provenance and tracks
// which consumers a replaced asset invalidates.
package assets

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// ReasonSuperseded marks an asset replaced by a newer output of the same port.
const ReasonSuperseded = "superseded"

var ErrAssetNotFound = persistence.ErrAssetNotFound

// Store is a write-through cache over an asset repository. Reads run
// concurrently; writes to one asset id are serialized.
type Store struct {
	logger *slog.Logger
	repo   persistence.AssetRepository
	clock  clockwork.Clock

	mu      sync.RWMutex
	assets  map[string]*models.AssetRef
	current map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore(logger *slog.Logger, repo persistence.AssetRepository, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{
		logger:  logger.With("module", "assets"),
		repo:    repo,
		clock:   clock,
		assets:  make(map[string]*models.AssetRef),
		current: make(map[string]string),
		locks:   make(map[string]*sync.Mutex),
	}
}

func currentKey(workflowID, nodeID, port string) string {
	return workflowID + "/" + models.MakePortID(nodeID, port)
}

func (s *Store) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.locksMu.Unlock()

	l.Lock()

	return l.Unlock
}

// Load reads every asset of a workflow into the cache.
func (s *Store) Load(ctx context.Context, workflowID string) error {
	assets, err := s.repo.GetByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, asset := range assets {
		s.index(asset)
	}

	return nil
}

// index must be called with mu held.
func (s *Store) index(asset *models.AssetRef) {
	s.assets[asset.ID] = asset

	key := currentKey(asset.WorkflowID, asset.Provenance.NodeID, asset.Provenance.Port)
	if asset.Valid() {
		if existing, ok := s.assets[s.current[key]]; !ok || !existing.CreatedAt.After(asset.CreatedAt) {
			s.current[key] = asset.ID
		}
	} else if s.current[key] == asset.ID {
		delete(s.current, key)
	}
}

func (s *Store) Get(id string) (*models.AssetRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[id]
	if !ok {
		return nil, false
	}

	clone := *asset

	return &clone, true
}

func (s *Store) Current(workflowID, nodeID, port string) (*models.AssetRef, bool) {
	s.mu.RLock()
	id, ok := s.current[currentKey(workflowID, nodeID, port)]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	return s.Get(id)
}

// ByWorkflow returns the cached assets of a workflow.
func (s *Store) ByWorkflow(workflowID string) []*models.AssetRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.AssetRef

	for _, asset := range s.assets {
		if asset.WorkflowID == workflowID {
			clone := *asset
			result = append(result, &clone)
		}
	}

	return result
}

// Register stores a new asset produced on provenance's port. The asset it
// replaces, if any, is invalidated as superseded and returned.
func (s *Store) Register(ctx context.Context, workflowID string, output models.OutputAsset, provenance models.Provenance) (*models.AssetRef, *models.AssetRef, error) {
	asset := &models.AssetRef{
		ID:         models.NewID("as"),
		WorkflowID: workflowID,
		Type:       output.Type,
		Location:   output.Location,
		Metadata:   output.Metadata,
		CreatedAt:  s.clock.Now().UTC(),
		Provenance: provenance,
	}

	var superseded *models.AssetRef

	if previous, ok := s.Current(workflowID, provenance.NodeID, provenance.Port); ok {
		invalidated, err := s.Invalidate(ctx, previous.ID, ReasonSuperseded)
		if err != nil {
			return nil, nil, err
		}

		superseded = invalidated
	}

	unlock := s.lock(asset.ID)
	defer unlock()

	if err := s.repo.Save(ctx, asset); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.index(asset)
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "asset registered",
		"asset_id", asset.ID, "workflow_id", workflowID, "node_id", provenance.NodeID, "port", provenance.Port)

	clone := *asset

	return &clone, superseded, nil
}

// Invalidate marks an asset invalid. Invalidating twice keeps the first reason.
func (s *Store) Invalidate(ctx context.Context, id, reason string) (*models.AssetRef, error) {
	return s.update(ctx, id, func(asset *models.AssetRef) {
		if !asset.Invalidated {
			asset.Invalidated = true
			asset.InvalidReason = reason
		}
	})
}

// Delete marks an asset deleted. The record stays so bindings can report it.
func (s *Store) Delete(ctx context.Context, id string) (*models.AssetRef, error) {
	return s.update(ctx, id, func(asset *models.AssetRef) {
		asset.Deleted = true
	})
}

func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) (*models.AssetRef, error) {
	return s.update(ctx, id, func(asset *models.AssetRef) {
		asset.Pinned = pinned
	})
}

func (s *Store) update(ctx context.Context, id string, mutate func(*models.AssetRef)) (*models.AssetRef, error) {
	unlock := s.lock(id)
	defer unlock()

	existing, ok := s.Get(id)
	if !ok {
		return nil, persistence.NewAssetError("Update", id, ErrAssetNotFound)
	}

	mutate(existing)

	if err := s.repo.Save(ctx, existing); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index(existing)
	s.mu.Unlock()

	clone := *existing

	return &clone, nil
}

// Collect removes the unpinned assets of a workflow that are invalidated or
// deleted and not present in referenced. It returns the removed ids.
func (s *Store) Collect(ctx context.Context, workflowID string, referenced map[string]bool) ([]string, error) {
	var removed []string

	for _, asset := range s.ByWorkflow(workflowID) {
		if asset.Pinned || asset.Valid() || referenced[asset.ID] {
			continue
		}

		if err := s.remove(ctx, asset.ID); err != nil {
			return removed, err
		}

		removed = append(removed, asset.ID)
	}

	if len(removed) > 0 {
		s.logger.InfoContext(ctx, "collected unreferenced assets", "workflow_id", workflowID, "count", len(removed))
	}

	return removed, nil
}

// DropWorkflow removes every unpinned asset of a deleted workflow.
func (s *Store) DropWorkflow(ctx context.Context, workflowID string) ([]string, error) {
	var removed []string

	for _, asset := range s.ByWorkflow(workflowID) {
		if asset.Pinned {
			continue
		}

		if err := s.remove(ctx, asset.ID); err != nil {
			return removed, err
		}

		removed = append(removed, asset.ID)
	}

	return removed, nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, persistence.ErrAssetNotFound) {
		return err
	}

	s.mu.Lock()
	if asset, ok := s.assets[id]; ok {
		key := currentKey(asset.WorkflowID, asset.Provenance.NodeID, asset.Provenance.Port)
		if s.current[key] == id {
			delete(s.current, key)
		}
	}
	delete(s.assets, id)
	s.mu.Unlock()

	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()

	return nil
}
