// Package rabbitmq provides the RabbitMQ connection handling used by the AMQP
// transport.
//
// This package includes:
//   - ConnectionManager: dials with a context-bounded timeout and reports
//     unexpected connection closes to registered state listeners
//   - Typed errors carrying the failed operation and a sanitized URL
//
// Reconnection is deliberately not handled here: an mchat session decides
// whether and when to reconnect, and a fresh connect pass re-declares the
// session queue and its bindings.
package rabbitmq
