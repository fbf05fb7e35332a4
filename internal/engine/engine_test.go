package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/eventbus"
	"github.com/peace-maker/anthill/internal/storage/memory"
	"github.com/peace-maker/anthill/internal/submission"
	"github.com/peace-maker/anthill/internal/types"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = t0.Add(d)
	c.mu.Unlock()
}

// scriptedClient records every batch and answers with fn.
type scriptedClient struct {
	mu      sync.Mutex
	batches [][]string
	fn      func(ctx context.Context, flags []string) ([]types.Verdict, error)
}

func (c *scriptedClient) Submit(ctx context.Context, flags []string) ([]types.Verdict, error) {
	c.mu.Lock()
	c.batches = append(c.batches, append([]string(nil), flags...))
	c.mu.Unlock()
	return c.fn(ctx, flags)
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func allVerdicts(v types.Verdict) func(context.Context, []string) ([]types.Verdict, error) {
	return func(_ context.Context, flags []string) ([]types.Verdict, error) {
		out := make([]types.Verdict, len(flags))
		for i := range out {
			out[i] = v
		}
		return out, nil
	}
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	client   *scriptedClient
	recorder *eventbus.Recorder
	logs     *bytes.Buffer
}

func testEngineConfig() config.Engine {
	cfg := config.Default().Engine
	cfg.TickLength = 5 * time.Second
	cfg.ScoringWindow = 60 * time.Second
	cfg.BatchSize = 100
	cfg.MaxRetries = 3
	cfg.OwnTeamID = 1
	cfg.FlagValuePattern = `FLAG\{[a-z0-9]+\}`
	cfg.ExpiryInterval = 0
	cfg.ShutdownGrace = time.Second
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Engine)) *harness {
	t.Helper()
	cfg := testEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		clock:    &fakeClock{now: t0},
		client:   &scriptedClient{fn: allVerdicts(types.VerdictValid)},
		recorder: eventbus.NewRecorder(100),
		logs:     &bytes.Buffer{},
	}
	log := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	bus := eventbus.New(log)
	bus.Register(h.recorder)

	e, err := New(cfg, h.client, Options{Bus: bus, Logger: log, Now: h.clock.Now})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) capture(t *testing.T, flag string, team int) {
	t.Helper()
	require.NoError(t, h.engine.SubmitCapture(context.Background(), types.Capture{
		Flag:           flag,
		RunID:          "run-1",
		TargetTeamID:   team,
		ExploitID:      "sploit",
		CollectionTime: h.clock.Now(),
	}))
}

func (h *harness) state(t *testing.T, flag string) types.Flag {
	t.Helper()
	f, err := h.engine.Flag(flag)
	require.NoError(t, err)
	return f
}

func (h *harness) events(typ eventbus.EventType) []eventbus.Event {
	var out []eventbus.Event
	for _, ev := range h.recorder.Recent(0) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestScenarioValidThenRecapture(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.capture(t, "FLAG{abc}", 2)
	h.clock.Set(5 * time.Second)
	assert.Equal(t, 1, h.engine.SubmitPending(ctx))
	assert.Equal(t, types.StateValid, h.state(t, "FLAG{abc}").State)

	h.clock.Set(10 * time.Second)
	h.capture(t, "FLAG{abc}", 3)
	assert.Equal(t, types.StateValid, h.state(t, "FLAG{abc}").State)

	occs, err := h.engine.Occurrences("FLAG{abc}")
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, t0.Add(10*time.Second), occs[1].CollectionTime)

	assert.Zero(t, h.engine.SubmitPending(ctx), "valid flags are never resubmitted")
	assert.Equal(t, 1, h.client.calls())
}

func TestScenarioRetriesExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.client.fn = func(context.Context, []string) ([]types.Verdict, error) {
		return nil, submission.Transient(errors.New("connection refused"))
	}
	ctx := context.Background()

	h.capture(t, "FLAG{x}", 2)
	for i := 1; i <= 4; i++ {
		h.clock.Set(time.Duration(i*5) * time.Second)
		assert.Equal(t, 1, h.engine.SubmitPending(ctx), "attempt %d", i)
	}

	f := h.state(t, "FLAG{x}")
	assert.Equal(t, types.StateError, f.State)
	assert.Equal(t, 4, f.RetryCount)
	require.NotNil(t, f.LastSubmissionAttempt)
	assert.Equal(t, t0.Add(20*time.Second), *f.LastSubmissionAttempt)

	h.clock.Set(25 * time.Second)
	assert.Zero(t, h.engine.SubmitPending(ctx))
	assert.Equal(t, 4, h.client.calls())

	abandoned := h.events(eventbus.EventFlagAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "FLAG{x}", abandoned[0].Flag)
	assert.Contains(t, abandoned[0].Reason, "retries exhausted")
	assert.Contains(t, h.logs.String(), "level=ERROR msg=\"flag abandoned\"")
	assert.Equal(t, 1, h.engine.Statistics().Abandoned)
}

func TestScenarioExpirationBeatsLateVerdict(t *testing.T) {
	h := newHarness(t, func(c *config.Engine) { c.ScoringWindow = 10 * time.Second })
	ctx := context.Background()

	h.capture(t, "FLAG{y}", 2)

	// The endpoint stalls until well past the window; meanwhile the sweep
	// retires the flag. The Valid verdict arriving at t=12 is ignored.
	h.client.fn = func(ctx context.Context, flags []string) ([]types.Verdict, error) {
		h.clock.Set(11 * time.Second)
		assert.Equal(t, 1, h.engine.SweepExpired(ctx))
		h.clock.Set(12 * time.Second)
		return allVerdicts(types.VerdictValid)(ctx, flags)
	}
	h.clock.Set(9 * time.Second)
	assert.Equal(t, 1, h.engine.SubmitPending(ctx))

	f := h.state(t, "FLAG{y}")
	assert.Equal(t, types.StateExpired, f.State)
	assert.Zero(t, h.engine.Statistics().Scored)
	assert.Contains(t, h.logs.String(), "ignoring verdict for settled flag")
}

func TestExpirationWithoutAnySubmission(t *testing.T) {
	h := newHarness(t, func(c *config.Engine) { c.ScoringWindow = 10 * time.Second })
	ctx := context.Background()

	h.capture(t, "FLAG{y}", 2)
	h.clock.Set(10 * time.Second)
	assert.Zero(t, h.engine.SweepExpired(ctx))
	h.clock.Set(10*time.Second + time.Millisecond)
	assert.Equal(t, 1, h.engine.SweepExpired(ctx))
	assert.Zero(t, h.engine.SubmitPending(ctx))
	assert.Zero(t, h.client.calls())

	changes := h.events(eventbus.EventFlagStateChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, types.StatePending, changes[0].From)
	assert.Equal(t, types.StateExpired, changes[0].To)
}

func TestMalformedCapture(t *testing.T) {
	h := newHarness(t, nil)
	for _, raw := range []string{"", "nope", "FLAG{UPPER}"} {
		err := h.engine.SubmitCapture(context.Background(), types.Capture{Flag: raw, TargetTeamID: 2})
		assert.ErrorIs(t, err, ErrMalformedFlag, raw)
	}
	assert.Zero(t, h.engine.Statistics().TotalFlags)
}

func TestOwnTeamCaptureIsNeverSubmitted(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(t, "FLAG{mine}", 1)

	assert.Equal(t, types.StateOwn, h.state(t, "FLAG{mine}").State)
	assert.Zero(t, h.engine.SubmitPending(context.Background()))
	captured := h.events(eventbus.EventFlagCaptured)
	require.Len(t, captured, 1)
	assert.Equal(t, types.StateOwn, captured[0].To)
}

func TestBatchOrderingAndSize(t *testing.T) {
	h := newHarness(t, func(c *config.Engine) { c.BatchSize = 2 })
	ctx := context.Background()
	for i, flag := range []string{"FLAG{c}", "FLAG{a}", "FLAG{b}"} {
		h.clock.Set(time.Duration(i) * time.Second)
		h.capture(t, flag, 2)
	}

	h.clock.Set(5 * time.Second)
	assert.Equal(t, 2, h.engine.SubmitPending(ctx))
	assert.Equal(t, 1, h.engine.SubmitPending(ctx))
	assert.Zero(t, h.engine.SubmitPending(ctx))

	assert.Equal(t, [][]string{{"FLAG{c}", "FLAG{a}"}, {"FLAG{b}"}}, h.client.batches)
}

func TestPerFlagVerdictsAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i, flag := range []string{"FLAG{a}", "FLAG{b}", "FLAG{c}", "FLAG{d}"} {
		h.clock.Set(time.Duration(i) * time.Second)
		h.capture(t, flag, 2)
	}
	h.client.fn = func(context.Context, []string) ([]types.Verdict, error) {
		return []types.Verdict{types.VerdictValid, types.VerdictError, types.VerdictInvalid, types.VerdictNOPTeam}, nil
	}

	h.clock.Set(5 * time.Second)
	h.engine.SubmitPending(ctx)

	assert.Equal(t, types.StateValid, h.state(t, "FLAG{a}").State)
	b := h.state(t, "FLAG{b}")
	assert.Equal(t, types.StateError, b.State)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, types.StateInvalid, h.state(t, "FLAG{c}").State)
	assert.Equal(t, types.StateNOPTeam, h.state(t, "FLAG{d}").State)

	pending := h.engine.Flags(nil)
	assert.Len(t, pending, 4)
	errState := types.StateError
	assert.Len(t, h.engine.Flags(&errState), 1)
}

func TestVerdictCountMismatchIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(t, "FLAG{a}", 2)
	h.capture(t, "FLAG{b}", 2)
	h.client.fn = func(context.Context, []string) ([]types.Verdict, error) {
		return []types.Verdict{types.VerdictValid}, nil
	}

	h.clock.Set(5 * time.Second)
	h.engine.SubmitPending(context.Background())

	for _, flag := range []string{"FLAG{a}", "FLAG{b}"} {
		f := h.state(t, flag)
		assert.Equal(t, types.StateError, f.State, flag)
		assert.Equal(t, 1, f.RetryCount, flag)
	}
	assert.Empty(t, h.events(eventbus.EventFlagAbandoned))
}

func TestPermanentFailureAbandonsBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(t, "FLAG{a}", 2)
	h.capture(t, "FLAG{b}", 2)
	h.client.fn = func(context.Context, []string) ([]types.Verdict, error) {
		return nil, &submission.Failure{Retryable: false, StatusCode: 401, Err: errors.New("bad token")}
	}

	h.clock.Set(5 * time.Second)
	h.engine.SubmitPending(context.Background())

	abandoned := h.events(eventbus.EventFlagAbandoned)
	require.Len(t, abandoned, 2)
	assert.True(t, strings.HasPrefix(abandoned[0].Reason, "permanent failure"))
	assert.Zero(t, h.engine.SubmitPending(context.Background()))
	assert.Equal(t, 2, h.engine.Statistics().Abandoned)
}

func TestRepeatedErrorVerdictsAbandon(t *testing.T) {
	h := newHarness(t, func(c *config.Engine) { c.MaxRetries = 1 })
	h.capture(t, "FLAG{a}", 2)
	h.client.fn = allVerdicts(types.VerdictError)

	h.clock.Set(5 * time.Second)
	h.engine.SubmitPending(context.Background())
	assert.Empty(t, h.events(eventbus.EventFlagAbandoned))
	h.clock.Set(10 * time.Second)
	h.engine.SubmitPending(context.Background())

	abandoned := h.events(eventbus.EventFlagAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, 2, abandoned[0].RetryCount)
}

func TestFlagLookupNormalizesAndReportsUnknown(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(t, "FLAG{abc}", 2)

	f, err := h.engine.Flag("  FLAG{abc} ")
	require.NoError(t, err)
	assert.Equal(t, "FLAG{abc}", f.Value)

	_, err = h.engine.Flag("FLAG{zzz}")
	assert.Error(t, err)
	_, err = h.engine.Occurrences("FLAG{zzz}")
	assert.Error(t, err)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	backend := memory.New()
	cfg := testEngineConfig()
	client := &scriptedClient{fn: allVerdicts(types.VerdictValid)}
	clock := &fakeClock{now: t0}

	e1, err := New(cfg, client, Options{Storage: backend, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, e1.SubmitCapture(context.Background(), types.Capture{Flag: "FLAG{a}", TargetTeamID: 2}))
	require.NoError(t, e1.SubmitCapture(context.Background(), types.Capture{Flag: "FLAG{b}", TargetTeamID: 2}))
	clock.Set(time.Second)
	e1.SubmitPending(context.Background())
	require.NoError(t, e1.SubmitCapture(context.Background(), types.Capture{Flag: "FLAG{c}", TargetTeamID: 2}))

	e2, err := New(cfg, client, Options{Storage: backend, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, e2.Load(context.Background()))

	stats := e2.Statistics()
	assert.Equal(t, 3, stats.TotalFlags)
	assert.Equal(t, 2, stats.ByState[types.StateValid])
	assert.Equal(t, 1, stats.ByState[types.StatePending])
	assert.Equal(t, 3, stats.TotalOccurrences)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(testEngineConfig(), nil, Options{})
	assert.Error(t, err)
}

func TestRunSubmitsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testEngineConfig()
	cfg.TickLength = 10 * time.Millisecond
	cfg.ExpiryInterval = 10 * time.Millisecond

	submitted := make(chan struct{}, 1)
	client := submission.ClientFunc(func(_ context.Context, flags []string) ([]types.Verdict, error) {
		select {
		case submitted <- struct{}{}:
		default:
		}
		return allVerdicts(types.VerdictValid)(context.Background(), flags)
	})
	e, err := New(cfg, client, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, e.SubmitCapture(ctx, types.Capture{Flag: "FLAG{run}", TargetTeamID: 2}))
	select {
	case <-submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("batch was never submitted")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Eventually(t, func() bool {
		f, err := e.Flag("FLAG{run}")
		return err == nil && f.State == types.StateValid
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownGraceBoundsInflightBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testEngineConfig()
	cfg.TickLength = 10 * time.Millisecond
	cfg.ShutdownGrace = 50 * time.Millisecond

	var started atomic.Bool
	inflight := make(chan struct{})
	client := submission.ClientFunc(func(ctx context.Context, flags []string) ([]types.Verdict, error) {
		if started.CompareAndSwap(false, true) {
			close(inflight)
		}
		<-ctx.Done()
		return nil, submission.Transient(ctx.Err())
	})
	e, err := New(cfg, client, Options{})
	require.NoError(t, err)
	require.NoError(t, e.SubmitCapture(context.Background(), types.Capture{Flag: "FLAG{slow}", TargetTeamID: 2}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-inflight:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within the grace period")
	}

	// The batch was still reconciled as a transient failure.
	f, err := e.Flag("FLAG{slow}")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, f.State)
	assert.Equal(t, 1, f.RetryCount)
}
