package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/peace-maker/anthill/internal/storage/memory"
	"github.com/peace-maker/anthill/internal/types"
)

func TestWrapStorageDisabled(t *testing.T) {
	t.Setenv("ANTHILL_OTEL_ENABLED", "")
	inner := memory.New()
	assert.Same(t, inner, WrapStorage(inner))
}

func TestInstrumentedStorage(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	s := newInstrumentedStorage(memory.New(), mp.Meter("test"), tp.Tracer("test"))
	ctx := context.Background()

	require.NoError(t, s.SaveFlag(ctx, &types.Flag{Value: "F", FirstSeen: time.Now(), State: types.StatePending}))
	_, err := s.GetFlag(ctx, "missing")
	require.Error(t, err)
	require.NoError(t, s.AppendOccurrence(ctx, &types.Occurrence{ID: "1", FlagValue: "F", CollectionTime: time.Now()}))
	flags, err := s.SearchFlags(ctx, types.FlagFilter{})
	require.NoError(t, err)
	assert.Len(t, flags, 1)

	ended := spans.Ended()
	require.Len(t, ended, 4)
	assert.Equal(t, "storage.SaveFlag", ended[0].Name())
	assert.Equal(t, "storage.GetFlag", ended[1].Name())
	assert.Len(t, ended[1].Events(), 1, "error recorded on span")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(4), sums["anthill.storage.operations"])
	assert.Equal(t, int64(1), sums["anthill.storage.errors"])
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("ANTHILL_OTEL_ENABLED", "false")
	require.NoError(t, Init(context.Background(), "anthill", "test"))
	Shutdown(context.Background())
	assert.Empty(t, shutdownFns)
}
