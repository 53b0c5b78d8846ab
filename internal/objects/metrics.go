package objects

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type trackerMetrics struct {
	gcCycles       metric.Int64Counter
	objectsRemoved metric.Int64Counter
	trackedObjects metric.Int64ObservableGauge
}

func newTrackerMetrics(meter metric.Meter, t *Tracker, logger *zap.Logger) *trackerMetrics {
	m := &trackerMetrics{}
	var err error

	m.gcCycles, err = meter.Int64Counter(
		"runtap_gc_cycles_total",
		metric.WithDescription("Total garbage collections reconciled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create gc cycles counter", zap.Error(err))
		m.gcCycles = nil
	}

	m.objectsRemoved, err = meter.Int64Counter(
		"runtap_objects_removed_total",
		metric.WithDescription("Total tracked objects reported as collected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create objects removed counter", zap.Error(err))
		m.objectsRemoved = nil
	}

	m.trackedObjects, err = meter.Int64ObservableGauge(
		"runtap_tracked_objects",
		metric.WithDescription("Objects currently tracked"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(t.Count()))
			return nil
		}),
	)
	if err != nil {
		logger.Debug("Failed to create tracked objects gauge", zap.Error(err))
		m.trackedObjects = nil
	}

	return m
}

func (m *trackerMetrics) recordCollection(report CollectionReport) {
	ctx := context.Background()
	if m.gcCycles != nil {
		m.gcCycles.Add(ctx, 1)
	}
	if m.objectsRemoved != nil && len(report.Removed) > 0 {
		m.objectsRemoved.Add(ctx, int64(len(report.Removed)))
	}
}
