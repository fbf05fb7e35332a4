package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/types"
)

const storageScopeName = "github.com/peace-maker/anthill/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in anthill.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	return newInstrumentedStorage(s, Meter(storageScopeName), Tracer(storageScopeName))
}

func newInstrumentedStorage(s storage.Storage, m metric.Meter, tr trace.Tracer) *InstrumentedStorage {
	ops, _ := m.Int64Counter("anthill.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("anthill.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("anthill.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: tr,
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStorage) SaveFlag(ctx context.Context, flag *types.Flag) error {
	attrs := []attribute.KeyValue{attribute.String("anthill.flag.state", string(flag.State))}
	ctx, span, t := s.op(ctx, "SaveFlag", attrs...)
	err := s.inner.SaveFlag(ctx, flag)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetFlag(ctx context.Context, value string) (*types.Flag, error) {
	ctx, span, t := s.op(ctx, "GetFlag")
	v, err := s.inner.GetFlag(ctx, value)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SearchFlags(ctx context.Context, filter types.FlagFilter) ([]*types.Flag, error) {
	var attrs []attribute.KeyValue
	if filter.State != nil {
		attrs = append(attrs, attribute.String("anthill.flag.state", string(*filter.State)))
	}
	ctx, span, t := s.op(ctx, "SearchFlags", attrs...)
	v, err := s.inner.SearchFlags(ctx, filter)
	span.SetAttributes(attribute.Int("anthill.result.count", len(v)))
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) AppendOccurrence(ctx context.Context, occ *types.Occurrence) error {
	ctx, span, t := s.op(ctx, "AppendOccurrence")
	err := s.inner.AppendOccurrence(ctx, occ)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) GetOccurrences(ctx context.Context, value string) ([]*types.Occurrence, error) {
	ctx, span, t := s.op(ctx, "GetOccurrences")
	v, err := s.inner.GetOccurrences(ctx, value)
	span.SetAttributes(attribute.Int("anthill.result.count", len(v)))
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
