// Package storage defines the persistence interface for flag records.
//
// The engine keeps its working set in memory and writes every change
// through a Storage so that state survives a restart. Concrete backends live
// in sub-packages: sqlstore (SQLite and MySQL/Dolt) and memory (tests and
// serve --ephemeral).
package storage

import (
	"context"
	"errors"

	"github.com/peace-maker/anthill/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("storage closed")

// Storage is the durable record of flags and their occurrences.
// Implementations must be safe for concurrent use.
type Storage interface {
	// SaveFlag inserts the flag or overwrites the mutable fields
	// (state, retry count, last attempt) of an existing one.
	// FirstSeen is never changed after the first insert.
	SaveFlag(ctx context.Context, flag *types.Flag) error
	GetFlag(ctx context.Context, value string) (*types.Flag, error)
	SearchFlags(ctx context.Context, filter types.FlagFilter) ([]*types.Flag, error)

	// AppendOccurrence records one capture. Occurrences are never updated.
	AppendOccurrence(ctx context.Context, occ *types.Occurrence) error
	// GetOccurrences returns captures of value ordered by collection time.
	// An empty value returns every occurrence.
	GetOccurrences(ctx context.Context, value string) ([]*types.Occurrence, error)

	// Lifecycle
	Close() error
}
