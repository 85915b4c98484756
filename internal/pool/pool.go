// Package pool applies the availability policy over a channel's splitter rows.
package pool

import (
	"context"
	"fmt"

	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/storage"
)

// Store is the slice of the registry the pool manager needs.
type Store interface {
	ListSplitters(ctx context.Context, url string) ([]models.Splitter, error)
	GetSplitterAddresses(ctx context.Context, url string, availableOnly bool) ([]string, error)
	SetSplitterAvailability(ctx context.Context, url, address string, available bool) error
}

var _ Store = (storage.Registry)(nil)

// Snapshot describes a channel's pool at one point in time.
type Snapshot struct {
	Total     int
	Available []string
}

// Manager answers which splitters of a channel are usable and records
// availability changes.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// AvailableAddressesFor returns the addresses of the channel's available
// splitters in pool order. Unknown channels yield an empty slice.
func (m *Manager) AvailableAddressesFor(ctx context.Context, url string) ([]string, error) {
	addrs, err := m.store.GetSplitterAddresses(ctx, url, true)
	if err != nil {
		return nil, fmt.Errorf("available splitters for %s: %w", url, err)
	}
	if addrs == nil {
		addrs = []string{}
	}
	return addrs, nil
}

// RecordAvailability sets one splitter's availability. Repeating a value is
// not an error.
func (m *Manager) RecordAvailability(ctx context.Context, url, address string, available bool) error {
	if err := m.store.SetSplitterAvailability(ctx, url, address, available); err != nil {
		return fmt.Errorf("record availability for %s %s: %w", url, address, err)
	}
	return nil
}

// Pool reports the total number of splitter rows alongside the available
// addresses.
func (m *Manager) Pool(ctx context.Context, url string) (Snapshot, error) {
	splitters, err := m.store.ListSplitters(ctx, url)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list pool for %s: %w", url, err)
	}
	snap := Snapshot{Total: len(splitters), Available: make([]string, 0, len(splitters))}
	for _, sp := range splitters {
		if sp.Available {
			snap.Available = append(snap.Available, sp.Address)
		}
	}
	return snap, nil
}
