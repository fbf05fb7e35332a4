// Package ledger keeps the append-only record of which exploit run captured
// which flag, and when.
//
// Occurrences are sharded by flag value so concurrent captures of different
// flags do not contend. The ledger never drives flag state.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/types"
)

const shardCount = 64

type shard struct {
	mu     sync.RWMutex
	byFlag map[string][]types.Occurrence
}

// Ledger is the in-memory occurrence index, optionally written through to
// a storage backend.
type Ledger struct {
	shards  [shardCount]shard
	persist storage.Storage
	total   atomic.Int64
}

// New creates an empty ledger. persist may be nil.
func New(persist storage.Storage) *Ledger {
	l := &Ledger{persist: persist}
	for i := range l.shards {
		l.shards[i].byFlag = make(map[string][]types.Occurrence)
	}
	return l
}

func (l *Ledger) shardFor(value string) *shard {
	return &l.shards[xxhash.Sum64String(value)%shardCount]
}

// Append records occ, assigning an ID when it has none. Duplicates are
// allowed. The occurrence is persisted before it becomes visible.
func (l *Ledger) Append(ctx context.Context, occ types.Occurrence) (types.Occurrence, error) {
	if occ.FlagValue == "" {
		return occ, fmt.Errorf("append occurrence: flag value is required")
	}
	if occ.ID == "" {
		occ.ID = uuid.NewString()
	}
	if l.persist != nil {
		cp := occ
		if err := l.persist.AppendOccurrence(ctx, &cp); err != nil {
			return occ, fmt.Errorf("persist occurrence: %w", err)
		}
	}

	s := l.shardFor(occ.FlagValue)
	s.mu.Lock()
	s.byFlag[occ.FlagValue] = append(s.byFlag[occ.FlagValue], occ)
	s.mu.Unlock()
	l.total.Add(1)
	return occ, nil
}

// OccurrencesFor returns the captures of value ordered by collection time.
func (l *Ledger) OccurrencesFor(value string) []types.Occurrence {
	s := l.shardFor(value)
	s.mu.RLock()
	out := make([]types.Occurrence, len(s.byFlag[value]))
	copy(out, s.byFlag[value])
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CollectionTime.Before(out[j].CollectionTime)
	})
	return out
}

// Count returns the number of occurrences recorded.
func (l *Ledger) Count() int {
	return int(l.total.Load())
}

// Load replays persisted occurrences into memory. It is called once at
// startup before any Append.
func (l *Ledger) Load(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}
	occs, err := l.persist.GetOccurrences(ctx, "")
	if err != nil {
		return fmt.Errorf("load occurrences: %w", err)
	}
	for _, occ := range occs {
		s := l.shardFor(occ.FlagValue)
		s.mu.Lock()
		s.byFlag[occ.FlagValue] = append(s.byFlag[occ.FlagValue], *occ)
		s.mu.Unlock()
	}
	l.total.Add(int64(len(occs)))
	return nil
}
