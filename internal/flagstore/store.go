// Package flagstore is the authoritative, deduplicated record of every
// distinct flag value and its lifecycle state.
//
// Records live in 64 shards selected by xxhash of the normalized value.
// Every mutation of a flag happens under its shard lock, so Record, the
// verdict/failure paths and the expiration sweep are mutually exclusive per
// flag without serializing unrelated flags. A mutation is persisted before it
// becomes visible; when persistence fails the previous state is kept.
package flagstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/peace-maker/anthill/internal/ledger"
	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/types"
)

const shardCount = 64

// ErrNotFound is wrapped by NotFoundError.
var ErrNotFound = errors.New("flag not found")

// NotFoundError reports a lookup of a value that was never recorded.
// Seeing one from the submission path means batch construction is broken.
type NotFoundError struct {
	Value string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("flag %q not found", e.Value)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Observer is told about record creation and state transitions after they
// are committed. Calls happen outside any shard lock.
type Observer interface {
	FlagCaptured(ctx context.Context, flag types.Flag, occ types.Occurrence)
	FlagTransitioned(ctx context.Context, from types.State, flag types.Flag)
}

// Options configures a Store.
type Options struct {
	ScoringWindow time.Duration
	MaxRetries    int
	// OwnTeamID marks new captures from this team as Own. Negative disables.
	OwnTeamID int
	// NOPTeamID marks new captures from the NOP team as NOPTeam unless
	// NOPTeamGrantsPoints is set, in which case they are submitted normally.
	// Negative disables.
	NOPTeamID           int
	NOPTeamGrantsPoints bool

	Normalizer *Normalizer
	// Storage receives every record before it is committed. Nil keeps
	// state in memory only.
	Storage  storage.Storage
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type shard struct {
	mu    sync.Mutex
	flags map[string]*types.Flag
	// queue holds the values that ListPending may return.
	queue map[string]struct{}
}

// Store is the sharded flag table.
type Store struct {
	shards [shardCount]shard
	ledger *ledger.Ledger
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	st := &Store{
		ledger: ledger.New(opts.Storage),
		opts:   opts,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if st.log == nil {
		st.log = slog.New(slog.DiscardHandler)
	}
	if st.now == nil {
		st.now = time.Now
	}
	for i := range st.shards {
		st.shards[i].flags = make(map[string]*types.Flag)
		st.shards[i].queue = make(map[string]struct{})
	}
	return st
}

func (st *Store) shardFor(value string) *shard {
	return &st.shards[xxhash.Sum64String(value)%shardCount]
}

// Ledger returns the occurrence ledger the store appends to.
func (st *Store) Ledger() *ledger.Ledger {
	return st.ledger
}

// Load replays persisted flags and occurrences. Call it once before use.
func (st *Store) Load(ctx context.Context) error {
	if st.opts.Storage == nil {
		return nil
	}
	flags, err := st.opts.Storage.SearchFlags(ctx, types.FlagFilter{})
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	for _, f := range flags {
		s := st.shardFor(f.Value)
		s.mu.Lock()
		s.flags[f.Value] = f
		st.track(s, f)
		s.mu.Unlock()
	}
	if err := st.ledger.Load(ctx); err != nil {
		return err
	}
	st.log.Info("flag store loaded", "flags", len(flags), "occurrences", st.ledger.Count())
	return nil
}

// track keeps the shard's submission queue in sync with f. Caller holds s.mu.
func (st *Store) track(s *shard, f *types.Flag) {
	if f.RetryEligible(st.opts.MaxRetries) {
		s.queue[f.Value] = struct{}{}
	} else {
		delete(s.queue, f.Value)
	}
}

func (st *Store) save(ctx context.Context, f *types.Flag) error {
	if st.opts.Storage == nil {
		return nil
	}
	cp := copyFlag(f)
	if err := st.opts.Storage.SaveFlag(ctx, &cp); err != nil {
		return fmt.Errorf("persist flag %q: %w", f.Value, err)
	}
	return nil
}

// Normalize applies the store's normalization rule to raw.
func (st *Store) Normalize(raw string) (string, error) {
	return st.opts.Normalizer.Normalize(raw)
}

// Record registers one capture of raw. An unseen value creates a Pending
// flag anchored at the capture time (Own or NOPTeam when a team short-circuit
// applies);
// a known value keeps its state. The occurrence is appended either way.
func (st *Store) Record(ctx context.Context, raw string, occ types.Occurrence) (types.Flag, bool, error) {
	value, err := st.Normalize(raw)
	if err != nil {
		return types.Flag{}, false, err
	}
	occ.FlagValue = value
	if occ.CollectionTime.IsZero() {
		occ.CollectionTime = st.now()
	}

	s := st.shardFor(value)
	s.mu.Lock()
	if existing, ok := s.flags[value]; ok {
		flag := copyFlag(existing)
		s.mu.Unlock()
		if _, err := st.ledger.Append(ctx, occ); err != nil {
			return flag, false, fmt.Errorf("record occurrence: %w", err)
		}
		return flag, false, nil
	}

	// A new record is committed only once both the flag and its first
	// occurrence are persisted, so a failed capture can be retried as new.
	f := &types.Flag{
		Value:     value,
		FirstSeen: occ.CollectionTime,
		State:     types.StatePending,
	}
	switch {
	case st.opts.OwnTeamID >= 0 && occ.TargetTeamID == st.opts.OwnTeamID:
		f.State = types.StateOwn
	case st.opts.NOPTeamID >= 0 && occ.TargetTeamID == st.opts.NOPTeamID && !st.opts.NOPTeamGrantsPoints:
		f.State = types.StateNOPTeam
	}
	if err := st.save(ctx, f); err != nil {
		s.mu.Unlock()
		return types.Flag{}, false, err
	}
	occ, err = st.ledger.Append(ctx, occ)
	if err != nil {
		s.mu.Unlock()
		return types.Flag{}, false, fmt.Errorf("record occurrence: %w", err)
	}
	s.flags[value] = f
	st.track(s, f)
	flag := copyFlag(f)
	s.mu.Unlock()

	st.log.Debug("flag captured", "flag", value, "state", flag.State, "team", occ.TargetTeamID)
	if st.opts.Observer != nil {
		st.opts.Observer.FlagCaptured(ctx, flag, occ)
	}
	return flag, true, nil
}

// ListPending returns up to limit submission candidates, oldest first.
func (st *Store) ListPending(limit int) []types.Flag {
	if limit <= 0 {
		return nil
	}
	var out []types.Flag
	for i := range st.shards {
		s := &st.shards[i]
		s.mu.Lock()
		for value := range s.queue {
			out = append(out, copyFlag(s.flags[value]))
		}
		s.mu.Unlock()
	}
	sortFlags(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Overdue returns the queued values whose scoring window closed before now.
func (st *Store) Overdue(now time.Time) []string {
	var out []string
	for i := range st.shards {
		s := &st.shards[i]
		s.mu.Lock()
		for value := range s.queue {
			if st.overdue(s.flags[value], now) {
				out = append(out, value)
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

func (st *Store) overdue(f *types.Flag, now time.Time) bool {
	return now.After(f.Deadline(st.opts.ScoringWindow))
}

// Abandoned reports whether f ended in final Error.
func (st *Store) Abandoned(f types.Flag) bool {
	return f.State == types.StateError && !f.RetryEligible(st.opts.MaxRetries)
}

// update runs fn on a copy of the current record under the shard lock. A nil
// result leaves the flag untouched; otherwise the result is persisted and
// then replaces the record.
func (st *Store) update(ctx context.Context, value string, fn func(cur types.Flag) *types.Flag) (types.Flag, error) {
	s := st.shardFor(value)
	s.mu.Lock()
	existing, ok := s.flags[value]
	if !ok {
		s.mu.Unlock()
		return types.Flag{}, &NotFoundError{Value: value}
	}
	prev := copyFlag(existing)
	next := fn(prev)
	if next == nil {
		s.mu.Unlock()
		return prev, nil
	}
	if err := st.save(ctx, next); err != nil {
		s.mu.Unlock()
		return prev, err
	}
	s.flags[value] = next
	st.track(s, next)
	cur := copyFlag(next)
	s.mu.Unlock()

	if prev.State != cur.State || prev.RetryCount != cur.RetryCount {
		st.log.Debug("flag transition", "flag", value, "from", prev.State, "to", cur.State, "retry_count", cur.RetryCount)
		if st.opts.Observer != nil {
			st.opts.Observer.FlagTransitioned(ctx, prev.State, cur)
		}
	}
	return cur, nil
}

// ApplyVerdict applies one endpoint verdict. Verdicts for flags that are
// already terminal or abandoned are logged and ignored. If the scoring window
// has closed by the time the verdict arrives, the flag expires instead. An
// Error or unrecognized verdict counts as a transient failure; final reports
// whether that failure just exhausted the retry budget.
func (st *Store) ApplyVerdict(ctx context.Context, value string, verdict types.Verdict, attemptTime time.Time) (types.Flag, bool, error) {
	now := st.now()
	var final bool
	f, err := st.update(ctx, value, func(cur types.Flag) *types.Flag {
		if cur.State.IsTerminal() || st.Abandoned(cur) {
			st.log.Info("ignoring verdict for settled flag", "flag", value, "state", cur.State, "verdict", verdict)
			return nil
		}
		next := cur
		next.LastSubmissionAttempt = &attemptTime
		switch {
		case st.overdue(&cur, now):
			st.log.Info("verdict arrived after scoring window, expiring", "flag", value, "verdict", verdict)
			next.State = types.StateExpired
		case verdict == types.VerdictError || !verdict.IsValid():
			next.State = types.StateError
			next.RetryCount++
			final = st.Abandoned(next)
		default:
			next.State = verdict.State()
		}
		return &next
	})
	if err != nil {
		return f, false, err
	}
	return f, final, nil
}

// ApplyFailure records a failed submission attempt. The flag moves to Error
// with one more retry counted; a non-retryable failure exhausts the retry
// budget at once. final reports whether the flag is now abandoned.
func (st *Store) ApplyFailure(ctx context.Context, value string, attemptTime time.Time, retryable bool) (types.Flag, bool, error) {
	now := st.now()
	var final bool
	f, err := st.update(ctx, value, func(cur types.Flag) *types.Flag {
		if cur.State.IsTerminal() || st.Abandoned(cur) {
			return nil
		}
		next := cur
		next.LastSubmissionAttempt = &attemptTime
		if st.overdue(&cur, now) {
			next.State = types.StateExpired
			return &next
		}
		next.State = types.StateError
		next.RetryCount++
		if !retryable && next.RetryCount <= st.opts.MaxRetries {
			next.RetryCount = st.opts.MaxRetries + 1
		}
		final = next.RetryCount > st.opts.MaxRetries
		return &next
	})
	return f, final, err
}

// ApplyExpiration expires a Pending or retry-eligible Error flag whose
// scoring window closed before now.
func (st *Store) ApplyExpiration(ctx context.Context, value string, now time.Time) (types.Flag, bool, error) {
	var expired bool
	f, err := st.update(ctx, value, func(cur types.Flag) *types.Flag {
		if !cur.RetryEligible(st.opts.MaxRetries) || !st.overdue(&cur, now) {
			return nil
		}
		next := cur
		next.State = types.StateExpired
		expired = true
		return &next
	})
	return f, expired, err
}

// Get returns the flag stored under value.
func (st *Store) Get(value string) (types.Flag, error) {
	s := st.shardFor(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[value]
	if !ok {
		return types.Flag{}, &NotFoundError{Value: value}
	}
	return copyFlag(f), nil
}

// Flags lists flags matching filter, oldest first.
func (st *Store) Flags(filter types.FlagFilter) []types.Flag {
	var out []types.Flag
	for i := range st.shards {
		s := &st.shards[i]
		s.mu.Lock()
		for _, f := range s.flags {
			if filter.State != nil && f.State != *filter.State {
				continue
			}
			out = append(out, copyFlag(f))
		}
		s.mu.Unlock()
	}
	sortFlags(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Statistics aggregates flag counts by state.
func (st *Store) Statistics() types.Statistics {
	stats := types.Statistics{ByState: make(map[types.State]int, len(types.AllStates))}
	for _, state := range types.AllStates {
		stats.ByState[state] = 0
	}
	for i := range st.shards {
		s := &st.shards[i]
		s.mu.Lock()
		for _, f := range s.flags {
			stats.TotalFlags++
			stats.ByState[f.State]++
			if st.Abandoned(*f) {
				stats.Abandoned++
			}
		}
		s.mu.Unlock()
	}
	stats.Scored = stats.ByState[types.StateValid]
	if st.opts.NOPTeamGrantsPoints {
		stats.Scored += stats.ByState[types.StateNOPTeam]
	}
	stats.TotalOccurrences = st.ledger.Count()
	return stats
}

func sortFlags(flags []types.Flag) {
	sort.Slice(flags, func(i, j int) bool {
		if !flags[i].FirstSeen.Equal(flags[j].FirstSeen) {
			return flags[i].FirstSeen.Before(flags[j].FirstSeen)
		}
		return flags[i].Value < flags[j].Value
	})
}

func copyFlag(f *types.Flag) types.Flag {
	cp := *f
	if f.LastSubmissionAttempt != nil {
		t := *f.LastSubmissionAttempt
		cp.LastSubmissionAttempt = &t
	}
	return cp
}
