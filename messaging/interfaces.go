package messaging

import (
	"time"
)

// Request outcomes reported to MetricsCollector.RecordRequest
const (
	OutcomeSuccess      = "success"
	OutcomeRemoteError  = "remote_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeError        = "error"
)

// Connection events reported to MetricsCollector.RecordConnection
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
	ConnectionLost         = "lost"
	ConnectionFailed       = "failed"
	ConnectionReconnecting = "reconnecting"
)

// MetricsCollector collects session metrics
type MetricsCollector interface {
	// RecordRequest records a finished request
	RecordRequest(action string, outcome string, duration time.Duration)

	// RecordDispatch records the route taken by an inbound message
	RecordDispatch(route Route)

	// SetPending reports the current size of the correlation table
	SetPending(n int)

	// RecordConnection records a lifecycle event
	RecordConnection(event string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(action string, outcome string, duration time.Duration) {}

// RecordDispatch does nothing
func (n *NoOpMetricsCollector) RecordDispatch(route Route) {}

// SetPending does nothing
func (n *NoOpMetricsCollector) SetPending(count int) {}

// RecordConnection does nothing
func (n *NoOpMetricsCollector) RecordConnection(event string) {}
