package transport

import (
	"context"

	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type channelMetrics struct {
	eventsEnqueued   metric.Int64Counter
	eventsDelivered  metric.Int64Counter
	eventsDropped    metric.Int64Counter
	deliveryRetries  metric.Int64Counter
	commandsReceived metric.Int64Counter
	decodeErrors     metric.Int64Counter
	eventSize        metric.Int64Histogram
}

func newChannelMetrics(meter metric.Meter, logger *zap.Logger) *channelMetrics {
	m := &channelMetrics{}

	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name,
			metric.WithDescription(description),
			metric.WithUnit("1"),
		)
		if err != nil {
			logger.Debug("Failed to create counter", zap.String("name", name), zap.Error(err))
			return nil
		}
		return c
	}

	m.eventsEnqueued = counter("runtap_events_enqueued_total", "Total events accepted into the outbound queue")
	m.eventsDelivered = counter("runtap_events_delivered_total", "Total events written to the events endpoint")
	m.eventsDropped = counter("runtap_events_dropped_total", "Total events discarded at shutdown or on endpoint failure")
	m.deliveryRetries = counter("runtap_delivery_retries_total", "Total enqueue attempts rejected with endpoint full")
	m.commandsReceived = counter("runtap_commands_received_total", "Total commands decoded from the commands endpoint")
	m.decodeErrors = counter("runtap_decode_errors_total", "Total inbound messages that failed to decode")

	var err error
	m.eventSize, err = meter.Int64Histogram(
		"runtap_event_size_bytes",
		metric.WithDescription("Encoded event size distribution"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(16, 64, 256, 1024, 4096, 16384, 65536),
	)
	if err != nil {
		logger.Debug("Failed to create event size histogram", zap.Error(err))
		m.eventSize = nil
	}

	return m
}

func add(c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c != nil && n != 0 {
		c.Add(context.Background(), n, opts...)
	}
}

func (m *channelMetrics) recordEnqueued(size int) {
	add(m.eventsEnqueued, 1)
	if m.eventSize != nil {
		m.eventSize.Record(context.Background(), int64(size))
	}
}

func (m *channelMetrics) recordDelivered() { add(m.eventsDelivered, 1) }
func (m *channelMetrics) recordDropped(n int) { add(m.eventsDropped, int64(n)) }
func (m *channelMetrics) recordRetries(n int64) { add(m.deliveryRetries, n) }
func (m *channelMetrics) recordDecodeError() { add(m.decodeErrors, 1) }

func (m *channelMetrics) recordCommand(t domain.CommandType) {
	add(m.commandsReceived, 1, metric.WithAttributes(attribute.String("command", t.String())))
}
