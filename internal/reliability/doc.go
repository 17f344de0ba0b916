// Package reliability provides the retry and circuit breaker primitives used
// on the publish path of the request bridge and by session reconnects.
//
//   - RetryPolicy: exponential or fixed backoff with a bounded attempt count
//   - Retry: runs a function until it succeeds, the policy gives up, or ctx ends
//   - CircuitBreaker: fails publishes fast while the transport keeps failing
//
// Example:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(10*time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    return transport.Publish(ctx, topic, body, 1, false)
//	})
package reliability
