package awaits

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LeaseStore holds exclusive, expiring claims keyed by await id.
type LeaseStore interface {
	// Acquire grants the lease unless another unexpired lease exists.
	Acquire(ctx context.Context, awaitID, claimant string, lease time.Duration) (bool, error)
	// Renew extends a lease still held by claimant.
	Renew(ctx context.Context, awaitID, claimant string, lease time.Duration) (bool, error)
	Release(ctx context.Context, awaitID, claimant string) error
	// Holder returns the current claimant of an unexpired lease.
	Holder(ctx context.Context, awaitID string) (string, bool, error)
}

type memoryLease struct {
	claimant string
	expires  time.Time
}

// MemoryLeaseStore keeps leases in process memory.
type MemoryLeaseStore struct {
	clock clockwork.Clock

	mu     sync.Mutex
	leases map[string]memoryLease
}

func NewMemoryLeaseStore(clock clockwork.Clock) *MemoryLeaseStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MemoryLeaseStore{clock: clock, leases: make(map[string]memoryLease)}
}

// held must be called with mu held.
func (m *MemoryLeaseStore) held(awaitID string) (memoryLease, bool) {
	lease, ok := m.leases[awaitID]
	if !ok {
		return memoryLease{}, false
	}

	if !m.clock.Now().Before(lease.expires) {
		delete(m.leases, awaitID)

		return memoryLease{}, false
	}

	return lease, true
}

func (m *MemoryLeaseStore) Acquire(_ context.Context, awaitID, claimant string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held(awaitID); ok {
		return false, nil
	}

	m.leases[awaitID] = memoryLease{claimant: claimant, expires: m.clock.Now().Add(lease)}

	return true, nil
}

func (m *MemoryLeaseStore) Renew(_ context.Context, awaitID, claimant string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.held(awaitID)
	if !ok || current.claimant != claimant {
		return false, nil
	}

	m.leases[awaitID] = memoryLease{claimant: claimant, expires: m.clock.Now().Add(lease)}

	return true, nil
}

func (m *MemoryLeaseStore) Release(_ context.Context, awaitID, claimant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.held(awaitID); ok && current.claimant == claimant {
		delete(m.leases, awaitID)
	}

	return nil
}

func (m *MemoryLeaseStore) Holder(_ context.Context, awaitID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.held(awaitID)

	return current.claimant, ok, nil
}
