package transport

import (
	"fmt"
	"time"

	"github.com/yairfalse/runtap/pkg/domain"
)

// decodeErrorRateThreshold is the share of malformed inbound messages above
// which the channel reports itself degraded.
const decodeErrorRateThreshold = 0.1

// Statistics returns a snapshot of the channel counters
func (c *Channel) Statistics() domain.ChannelStats {
	return domain.ChannelStats{
		EventsEnqueued:   c.stats.enqueued.Load(),
		EventsDelivered:  c.stats.delivered.Load(),
		EventsDropped:    c.stats.dropped.Load(),
		DeliveryRetries:  c.stats.retries.Load(),
		CommandsReceived: c.stats.received.Load(),
		DecodeErrors:     c.stats.decodeErrors.Load(),
		PendingEvents:    c.Pending(),
		Uptime:           time.Since(c.startTime),
	}
}

// Health reports whether the channel is usable and how well it is doing
func (c *Channel) Health() *domain.HealthStatus {
	stats := c.Statistics()

	var status *domain.HealthStatus
	switch {
	case c.terminating.Load():
		status = domain.NewHealthStatus(domain.HealthUnhealthy, "channel is closed")
	case stats.EventsDropped > 0:
		status = domain.NewHealthStatus(domain.HealthDegraded,
			fmt.Sprintf("%d events dropped", stats.EventsDropped))
	default:
		status = domain.NewHealthyStatus(fmt.Sprintf("%s channel operating normally", c.provider))
	}

	if inbound := stats.CommandsReceived + stats.DecodeErrors; inbound > 0 && status.Status == domain.HealthHealthy {
		rate := float64(stats.DecodeErrors) / float64(inbound)
		if rate > decodeErrorRateThreshold {
			status = domain.NewHealthStatus(domain.HealthDegraded,
				fmt.Sprintf("High decode error rate: %.1f%% (threshold: %.1f%%)",
					rate*100, decodeErrorRateThreshold*100))
		}
	}

	status.Component = "transport/" + c.provider
	status.Uptime = stats.Uptime
	status.EventsSent = stats.EventsDelivered
	status.EventsDropped = stats.EventsDropped
	status.CommandsHandled = stats.CommandsReceived
	status.ErrorCount = stats.DecodeErrors
	status.SetDetail("pending_events", stats.PendingEvents)
	status.SetDetail("delivery_retries", stats.DeliveryRetries)
	status.SetDetail("sender_state", c.State().String())
	return status
}
