package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/storage/factory"
	"github.com/peace-maker/anthill/internal/types"
)

func init() {
	color.NoColor = true
}

func TestRenderFlagsMarksAbandoned(t *testing.T) {
	attempt := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	flags := []types.Flag{
		{Value: "FLAG{a}", State: types.StateValid, FirstSeen: attempt.Add(-5 * time.Second), LastSubmissionAttempt: &attempt},
		{Value: "FLAG{b}", State: types.StateError, RetryCount: 4, FirstSeen: attempt},
		{Value: "FLAG{c}", State: types.StateError, RetryCount: 1, FirstSeen: attempt},
	}

	var buf bytes.Buffer
	renderFlags(&buf, flags, 3)
	out := buf.String()

	assert.Contains(t, out, "FLAG")
	assert.Contains(t, out, "LAST ATTEMPT")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "(abandoned)")
	assert.NotContains(t, lines[3], "(abandoned)")
}

func TestRenderStatistics(t *testing.T) {
	stats := types.Statistics{
		TotalFlags:       3,
		TotalOccurrences: 7,
		Scored:           2,
		Abandoned:        1,
		ByState:          map[types.State]int{types.StateValid: 2, types.StateError: 1},
	}
	var buf bytes.Buffer
	renderStatistics(&buf, stats)
	out := buf.String()

	assert.Contains(t, out, "Total: 3 flags, 7 captures")
	assert.Contains(t, out, "Scored: 2")
	assert.Contains(t, out, "Abandoned: 1")
	for _, s := range types.AllStates {
		assert.Contains(t, out, string(s))
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	log = newLogger(config.Log{Level: "nonsense", Format: "text"}, &buf)
	log.Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}

func TestOpenSnapshotReadsPersistedFlags(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	backend, err := factory.New(ctx, &cfg)
	require.NoError(t, err)
	first := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, backend.SaveFlag(ctx, &types.Flag{Value: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", FirstSeen: first, State: types.StateValid}))
	require.NoError(t, backend.SaveFlag(ctx, &types.Flag{Value: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB=", FirstSeen: first.Add(time.Second), State: types.StatePending}))
	require.NoError(t, backend.AppendOccurrence(ctx, &types.Occurrence{
		ID:             "occ-1",
		FlagValue:      "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		CollectionTime: first,
		RunID:          "r1",
		TargetTeamID:   3,
	}))
	require.NoError(t, backend.Close())

	st, err := openSnapshot(ctx, &cfg)
	require.NoError(t, err)
	stats := st.Statistics()
	assert.Equal(t, 2, stats.TotalFlags)
	assert.Equal(t, 1, stats.Scored)
	assert.Equal(t, 1, stats.TotalOccurrences)

	pending := types.StatePending
	flags := st.Flags(types.FlagFilter{State: &pending})
	require.Len(t, flags, 1)
	assert.Equal(t, "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB=", flags[0].Value)
}

func TestOpenSnapshotRejectsMemoryBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	_, err := openSnapshot(context.Background(), &cfg)
	assert.Error(t, err)
}
