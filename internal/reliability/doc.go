// Package reliability provides the fault-tolerance primitives used around bus publishing.
//
//   - Circuit Breaker: stops publishing to a failing broker until it recovers
//   - Retry Policies: exponential backoff and fixed delay strategies
//
// Both are safe for concurrent use and honour context cancellation.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("bus-publish"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return Retry(ctx, NewFixedDelay(100*time.Millisecond, 3), publish)
//	})
package reliability
