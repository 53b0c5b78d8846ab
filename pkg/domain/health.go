package domain

import (
	"fmt"
	"time"
)

// HealthStatus represents the health of a channel or provider
type HealthStatus struct {
	Status    HealthStatusValue `json:"status"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`

	Uptime        time.Duration `json:"uptime,omitempty"`
	LastError     error         `json:"-"`
	LastErrorText string        `json:"last_error,omitempty"`

	EventsSent      int64 `json:"events_sent,omitempty"`
	EventsDropped   int64 `json:"events_dropped,omitempty"`
	CommandsHandled int64 `json:"commands_handled,omitempty"`
	ErrorCount      int64 `json:"error_count,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthStatusValue represents the health state
type HealthStatusValue string

const (
	HealthHealthy   HealthStatusValue = "healthy"
	HealthDegraded  HealthStatusValue = "degraded"
	HealthUnhealthy HealthStatusValue = "unhealthy"
	HealthUnknown   HealthStatusValue = "unknown"
)

func (h HealthStatusValue) String() string {
	return string(h)
}

// IsHealthy returns true if the status represents a healthy state
func (h HealthStatusValue) IsHealthy() bool {
	return h == HealthHealthy
}

// NewHealthStatus creates a new health status with the given values
func NewHealthStatus(status HealthStatusValue, message string) *HealthStatus {
	return &HealthStatus{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// NewHealthyStatus creates a healthy status
func NewHealthyStatus(message string) *HealthStatus {
	return NewHealthStatus(HealthHealthy, message)
}

// NewUnhealthyStatus creates an unhealthy status
func NewUnhealthyStatus(message string, err error) *HealthStatus {
	hs := NewHealthStatus(HealthUnhealthy, message)
	if err != nil {
		hs.LastError = err
		hs.LastErrorText = err.Error()
		hs.ErrorCount = 1
	}
	return hs
}

// SetDetail adds a detail to the health status
func (h *HealthStatus) SetDetail(key string, value interface{}) {
	if h.Details == nil {
		h.Details = make(map[string]interface{})
	}
	h.Details[key] = value
}

// IsHealthy returns true if the status is healthy
func (h *HealthStatus) IsHealthy() bool {
	return h.Status.IsHealthy()
}

func (h *HealthStatus) String() string {
	return fmt.Sprintf("%s: %s", h.Status, h.Message)
}

// ChannelStats is a point-in-time snapshot of channel counters
type ChannelStats struct {
	EventsEnqueued   int64         `json:"events_enqueued"`
	EventsDelivered  int64         `json:"events_delivered"`
	EventsDropped    int64         `json:"events_dropped"`
	DeliveryRetries  int64         `json:"delivery_retries"`
	CommandsReceived int64         `json:"commands_received"`
	DecodeErrors     int64         `json:"decode_errors"`
	PendingEvents    int           `json:"pending_events"`
	Uptime           time.Duration `json:"uptime"`
}
