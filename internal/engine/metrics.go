package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/peace-maker/anthill/internal/telemetry"
	"github.com/peace-maker/anthill/internal/types"
)

const engineScopeName = "github.com/peace-maker/anthill/engine"

type metrics struct {
	captures      metric.Int64Counter
	submissions   metric.Int64Counter
	verdicts      metric.Int64Counter
	batchFailures metric.Int64Counter
	expired       metric.Int64Counter
	abandoned     metric.Int64Counter
	batchDuration metric.Float64Histogram
}

// newMetrics creates the engine instruments on the global meter provider,
// which is a no-op unless telemetry.Init enabled it.
func newMetrics() *metrics {
	m := telemetry.Meter(engineScopeName)
	captures, _ := m.Int64Counter("anthill.captures",
		metric.WithDescription("Captured flags, split by new and duplicate"),
	)
	submissions, _ := m.Int64Counter("anthill.submissions",
		metric.WithDescription("Flags handed to the scoring endpoint"),
	)
	verdicts, _ := m.Int64Counter("anthill.verdicts",
		metric.WithDescription("Per-flag verdicts received"),
	)
	batchFailures, _ := m.Int64Counter("anthill.batch.failures",
		metric.WithDescription("Whole-batch submission failures"),
	)
	expired, _ := m.Int64Counter("anthill.flags.expired",
		metric.WithDescription("Flags that ran out of scoring window"),
	)
	abandoned, _ := m.Int64Counter("anthill.flags.abandoned",
		metric.WithDescription("Flags that ended in final error"),
	)
	batchDuration, _ := m.Float64Histogram("anthill.batch.duration",
		metric.WithDescription("Submission round trip in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &metrics{
		captures:      captures,
		submissions:   submissions,
		verdicts:      verdicts,
		batchFailures: batchFailures,
		expired:       expired,
		abandoned:     abandoned,
		batchDuration: batchDuration,
	}
}

func (m *metrics) capture(ctx context.Context, isNew bool) {
	m.captures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("anthill.capture.new", isNew)))
}

func (m *metrics) batch(ctx context.Context, size int, d time.Duration) {
	m.submissions.Add(ctx, int64(size))
	m.batchDuration.Record(ctx, float64(d.Milliseconds()))
}

func (m *metrics) verdict(ctx context.Context, v types.Verdict) {
	m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("anthill.verdict", string(v))))
}

func (m *metrics) batchFailure(ctx context.Context, retryable bool) {
	m.batchFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("anthill.retryable", retryable)))
}
