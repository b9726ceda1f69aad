package persistence

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// syncMetrics counts sync-layer events. Counters are nil when instrument
// creation fails; recording then becomes a no-op.
type syncMetrics struct {
	conflicts     metric.Int64Counter
	flushes       metric.Int64Counter
	flushFailures metric.Int64Counter
	droppedTotal  metric.Int64Counter
}

func newSyncMetrics() *syncMetrics {
	meter := otel.Meter("github.com/robotjaol/crucible/internal/persistence")
	m := &syncMetrics{}
	m.conflicts, _ = meter.Int64Counter("session_sync.conflicts_resolved",
		metric.WithDescription("Write conflicts resolved by field-level merge"))
	m.flushes, _ = meter.Int64Counter("session_sync.flushes",
		metric.WithDescription("Pending updates flushed successfully"))
	m.flushFailures, _ = meter.Int64Counter("session_sync.flush_failures",
		metric.WithDescription("Pending update flushes that failed"))
	m.droppedTotal, _ = meter.Int64Counter("session_sync.updates_dropped",
		metric.WithDescription("Pending updates dropped after exhausting retries"))
	return m
}

func (m *syncMetrics) conflictResolved(ctx context.Context, n int64) {
	if m.conflicts != nil {
		m.conflicts.Add(ctx, n)
	}
}

func (m *syncMetrics) flushed(ctx context.Context, n int64) {
	if m.flushes != nil {
		m.flushes.Add(ctx, n)
	}
}

func (m *syncMetrics) flushFailed(ctx context.Context, n int64) {
	if m.flushFailures != nil {
		m.flushFailures.Add(ctx, n)
	}
}

func (m *syncMetrics) dropped(ctx context.Context, n int64) {
	if m.droppedTotal != nil {
		m.droppedTotal.Add(ctx, n)
	}
}
