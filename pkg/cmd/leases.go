package cmd

import (
	"fmt"
	"io"

	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/jonboulle/clockwork"
)

// NewLeaseStore returns a Redis lease store for a redis:// URL and an
// in-memory one otherwise. The closer releases the Redis client.
func NewLeaseStore(leaseStoreURL string, clock clockwork.Clock) (awaits.LeaseStore, io.Closer, error) {
	if leaseStoreURL == "" || leaseStoreURL == "memory" {
		return awaits.NewMemoryLeaseStore(clock), nopCloser{}, nil
	}

	store, err := awaits.NewRedisLeaseStoreFromURL(leaseStoreURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open lease store: %w", err)
	}

	return store, store, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
