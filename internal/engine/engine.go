// Package engine runs the flag lifecycle: capture intake, paced batch
// submission, verdict reconciliation and scoring-window expiration.
//
// The batcher and the expiration monitor are independent loops supervised
// by an errgroup. At most one batch is in flight at a time; network I/O
// happens outside every flag store lock, so captures keep flowing while a
// batch waits on the scoring endpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/eventbus"
	"github.com/peace-maker/anthill/internal/flagstore"
	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/submission"
	"github.com/peace-maker/anthill/internal/types"
)

// ErrMalformedFlag is returned by SubmitCapture for empty or
// pattern-violating flag strings.
var ErrMalformedFlag = flagstore.ErrMalformedFlag

// Options carries the collaborators of an Engine.
type Options struct {
	// Storage persists flags and occurrences. Nil keeps everything in memory.
	Storage storage.Storage
	// Bus receives lifecycle events. A private bus is created when nil.
	Bus    *eventbus.Bus
	Logger *slog.Logger
	// Now overrides the clock used for capture times, verdict precedence and
	// expiration sweeps.
	Now func() time.Time
}

// Engine ties the flag store to the submission client.
type Engine struct {
	cfg     config.Engine
	store   *flagstore.Store
	client  submission.Client
	bus     *eventbus.Bus
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics

	// submitMu keeps batches strictly sequential.
	submitMu sync.Mutex
}

// New creates an engine. cfg must already be validated.
func New(cfg config.Engine, client submission.Client, opts Options) (*Engine, error) {
	if client == nil {
		return nil, errors.New("engine: submission client is required")
	}
	pattern, err := cfg.FlagPattern()
	if err != nil {
		return nil, fmt.Errorf("engine: flag pattern: %w", err)
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = min(cfg.TickLength, cfg.ScoringWindow)
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New(log)
	}
	bus.Register(&eventbus.AlertHandler{Log: log})

	e := &Engine{
		cfg:     cfg,
		client:  client,
		bus:     bus,
		log:     log,
		now:     now,
		metrics: newMetrics(),
	}
	e.store = flagstore.New(flagstore.Options{
		ScoringWindow:       cfg.ScoringWindow,
		MaxRetries:          cfg.MaxRetries,
		OwnTeamID:           cfg.OwnTeamID,
		NOPTeamID:           cfg.NOPTeamID,
		NOPTeamGrantsPoints: cfg.NOPTeamGrantsPoints,
		Normalizer:          flagstore.NewNormalizer(pattern, cfg.FlagCase),
		Storage:             opts.Storage,
		Observer:            observer{e},
		Logger:              log.With("component", "flagstore"),
		Now:                 now,
	})
	return e, nil
}

// Load restores persisted state. Call it once before Run.
func (e *Engine) Load(ctx context.Context) error {
	return e.store.Load(ctx)
}

// Bus returns the event bus lifecycle events are dispatched on.
func (e *Engine) Bus() *eventbus.Bus {
	return e.bus
}

// Run drives the batcher and the expiration monitor until ctx is cancelled.
// A batch in flight at cancellation gets ShutdownGrace to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting",
		"tick", e.cfg.TickLength,
		"window", e.cfg.ScoringWindow,
		"batch_size", e.cfg.BatchSize,
		"max_retries", e.cfg.MaxRetries,
		"expiry_interval", e.cfg.ExpiryInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runBatcher(gctx) })
	g.Go(func() error { return e.runExpiryMonitor(gctx) })
	err := g.Wait()
	e.log.Info("engine stopped")
	return err
}

// SubmitCapture records one captured flag. Duplicates are not errors.
func (e *Engine) SubmitCapture(ctx context.Context, c types.Capture) error {
	_, _, err := e.Capture(ctx, c)
	return err
}

// Capture records one captured flag and returns the flag record and whether
// this capture created it.
func (e *Engine) Capture(ctx context.Context, c types.Capture) (types.Flag, bool, error) {
	occ := types.Occurrence{
		CollectionTime: c.CollectionTime,
		RunID:          c.RunID,
		TargetTeamID:   c.TargetTeamID,
		ExploitID:      c.ExploitID,
	}
	if occ.CollectionTime.IsZero() {
		occ.CollectionTime = e.now()
	}
	f, isNew, err := e.store.Record(ctx, c.Flag, occ)
	if err != nil {
		if errors.Is(err, ErrMalformedFlag) {
			e.log.Debug("rejected malformed capture", "raw", c.Flag, "run", c.RunID)
		}
		return f, isNew, err
	}
	e.metrics.capture(ctx, isNew)
	return f, isNew, nil
}

// Statistics aggregates flag counts.
func (e *Engine) Statistics() types.Statistics {
	return e.store.Statistics()
}

// Flags lists flags, optionally only those in state, oldest first.
func (e *Engine) Flags(state *types.State) []types.Flag {
	return e.store.Flags(types.FlagFilter{State: state})
}

// Flag looks up one flag. The value is normalized first when possible.
func (e *Engine) Flag(value string) (types.Flag, error) {
	return e.store.Get(e.key(value))
}

// Occurrences lists the captures of a flag ordered by collection time.
func (e *Engine) Occurrences(value string) ([]types.Occurrence, error) {
	key := e.key(value)
	if _, err := e.store.Get(key); err != nil {
		return nil, err
	}
	return e.store.Ledger().OccurrencesFor(key), nil
}

func (e *Engine) key(value string) string {
	if v, err := e.store.Normalize(value); err == nil {
		return v
	}
	return value
}

// observer turns flag store notifications into bus events and metrics.
type observer struct {
	e *Engine
}

func (o observer) FlagCaptured(ctx context.Context, f types.Flag, occ types.Occurrence) {
	o.e.dispatch(ctx, &eventbus.Event{
		Type:         eventbus.EventFlagCaptured,
		Flag:         f.Value,
		To:           f.State,
		TargetTeamID: occ.TargetTeamID,
		RunID:        occ.RunID,
	})
}

func (o observer) FlagTransitioned(ctx context.Context, from types.State, f types.Flag) {
	if f.State == types.StateExpired {
		o.e.metrics.expired.Add(ctx, 1)
	}
	o.e.dispatch(ctx, &eventbus.Event{
		Type:       eventbus.EventFlagStateChanged,
		Flag:       f.Value,
		From:       from,
		To:         f.State,
		RetryCount: f.RetryCount,
	})
}

func (e *Engine) dispatch(ctx context.Context, ev *eventbus.Event) {
	// Events still go out while shutting down.
	if err := e.bus.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("event dispatch failed", "event", ev.Type, "error", err)
	}
}
