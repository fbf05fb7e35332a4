// Package memory implements an in-memory storage backend.
//
// It backs `anthill serve --ephemeral` practice runs and the engine tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/types"
)

// MemoryStorage implements storage.Storage with plain maps.
type MemoryStorage struct {
	mu          sync.RWMutex
	flags       map[string]*types.Flag
	occurrences []*types.Occurrence
	closed      bool
}

var _ storage.Storage = (*MemoryStorage)(nil)

// New creates an empty in-memory store.
func New() *MemoryStorage {
	return &MemoryStorage{
		flags: make(map[string]*types.Flag),
	}
}

// SaveFlag upserts a copy of flag. FirstSeen of an existing record is kept.
func (m *MemoryStorage) SaveFlag(_ context.Context, flag *types.Flag) error {
	if err := flag.Validate(); err != nil {
		return fmt.Errorf("save flag: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}

	cp := copyFlag(flag)
	if existing, ok := m.flags[flag.Value]; ok {
		cp.FirstSeen = existing.FirstSeen
	}
	m.flags[flag.Value] = cp
	return nil
}

// GetFlag retrieves a flag by value.
func (m *MemoryStorage) GetFlag(_ context.Context, value string) (*types.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}

	f, ok := m.flags[value]
	if !ok {
		return nil, fmt.Errorf("flag %q: %w", value, storage.ErrNotFound)
	}
	return copyFlag(f), nil
}

// SearchFlags lists flags ordered by first_seen then value.
func (m *MemoryStorage) SearchFlags(_ context.Context, filter types.FlagFilter) ([]*types.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}

	var results []*types.Flag
	for _, f := range m.flags {
		if filter.State != nil && f.State != *filter.State {
			continue
		}
		results = append(results, copyFlag(f))
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].FirstSeen.Equal(results[j].FirstSeen) {
			return results[i].FirstSeen.Before(results[j].FirstSeen)
		}
		return results[i].Value < results[j].Value
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// AppendOccurrence records a capture.
func (m *MemoryStorage) AppendOccurrence(_ context.Context, occ *types.Occurrence) error {
	if occ.ID == "" || occ.FlagValue == "" {
		return fmt.Errorf("append occurrence: id and flag value are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storage.ErrClosed
	}
	cp := *occ
	m.occurrences = append(m.occurrences, &cp)
	return nil
}

// GetOccurrences returns captures of value ("" for all) by collection time.
func (m *MemoryStorage) GetOccurrences(_ context.Context, value string) ([]*types.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}

	var results []*types.Occurrence
	for _, occ := range m.occurrences {
		if value != "" && occ.FlagValue != value {
			continue
		}
		cp := *occ
		results = append(results, &cp)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].CollectionTime.Equal(results[j].CollectionTime) {
			return results[i].CollectionTime.Before(results[j].CollectionTime)
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Close marks the store closed. Further calls return storage.ErrClosed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyFlag(f *types.Flag) *types.Flag {
	cp := *f
	if f.LastSubmissionAttempt != nil {
		t := *f.LastSubmissionAttempt
		cp.LastSubmissionAttempt = &t
	}
	return &cp
}
