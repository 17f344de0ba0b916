// Package metrics provides messaging.MetricsCollector implementations.
//
// Collector exports Prometheus metrics:
//
//	mchat_requests_total{action,outcome}
//	mchat_request_duration_seconds{action}
//	mchat_pending_requests
//	mchat_dispatched_messages_total{route}
//	mchat_connection_events_total{event}
//
// SimpleCollector keeps the same figures in memory for tests and for
// processes without a metrics endpoint.
package metrics
