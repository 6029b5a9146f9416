// Package bridge provides synchronous request-response over asynchronous messaging.
//
// The bridge lets an HTTP caller block on a command published to the bus until a
// correlated reply arrives on the inbound topic, the per-request timeout elapses, or
// the caller's context is cancelled. Exactly one of those outcomes is delivered for
// every registered request.
//
// Key features:
//   - Unique correlation IDs generated at registration time
//   - Case-insensitive, first-match-wins reply matching
//   - Per-request timers started at registration so publish latency counts
//   - Registry cleanup on every outcome, including cancellation
//   - Optional circuit breaker and retry policy around publishing
//
// Basic usage:
//
//	b, err := bridge.NewBridge(transport, transport,
//	    bridge.WithInboundTopic("/outbound"),
//	    bridge.WithDefaultTimeout(2*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	reply, err := b.Request(ctx, "/get-status", map[string]any{"type": "get-status"})
//
// Callers that need to publish the request themselves use Register and Await:
//
//	h, err := b.Register()
//	// embed h.ID() in the outgoing payload and publish it
//	reply, err := b.Await(ctx, h)
package bridge
