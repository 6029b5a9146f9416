package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-hub/internal/reliability"
)

// ConnectionReporter is implemented by bus transports
type ConnectionReporter interface {
	IsConnected() bool
}

// SubscriptionReporter is implemented by transports that can lose a
// subscription while staying connected
type SubscriptionReporter interface {
	UnboundTopics() []string
}

// TransportChecker reports the bus connection state. A connected transport
// with unbound subscriptions is degraded.
type TransportChecker struct {
	name      string
	transport ConnectionReporter
}

// NewTransportChecker creates a checker named after the bus kind
func NewTransportChecker(kind string, transport ConnectionReporter) *TransportChecker {
	return &TransportChecker{
		name:      "bus_" + kind,
		transport: transport,
	}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	connected := c.transport.IsConnected()
	result.Details["connected"] = connected

	var unbound []string
	if reporter, ok := c.transport.(SubscriptionReporter); ok {
		unbound = reporter.UnboundTopics()
		result.Details["unboundTopics"] = unbound
	}

	switch {
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	case len(unbound) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("connected, %d subscription(s) unbound", len(unbound))
	default:
		result.Status = StatusHealthy
		result.Message = "connected"
	}

	result.Duration = time.Since(start)
	return result
}

// PendingReporter is implemented by the correlation bridge
type PendingReporter interface {
	PendingCount() int
	MaxPendingRequests() int
}

// BridgeChecker reports how full the pending request registry is.
// Above degradedRatio of the cap the bridge is degraded; at the cap it is
// unhealthy since new commands are rejected.
type BridgeChecker struct {
	bridge        PendingReporter
	degradedRatio float64
}

// NewBridgeChecker creates a bridge checker. A ratio outside (0,1] means 0.8.
func NewBridgeChecker(bridge PendingReporter, degradedRatio float64) *BridgeChecker {
	if degradedRatio <= 0 || degradedRatio > 1 {
		degradedRatio = 0.8
	}
	return &BridgeChecker{bridge: bridge, degradedRatio: degradedRatio}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.bridge.PendingCount()
	limit := c.bridge.MaxPendingRequests()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d pending requests", pending),
		Timestamp: start,
		Details: map[string]any{
			"pending":     pending,
			"max_pending": limit,
		},
	}

	if limit > 0 {
		switch {
		case pending >= limit:
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("pending request limit reached (%d)", limit)
		case float64(pending) >= c.degradedRatio*float64(limit):
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d of %d pending requests in use", pending, limit)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// CircuitBreakerChecker reports a circuit breaker: open is unhealthy,
// half-open is degraded.
type CircuitBreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker for breaker
func NewCircuitBreakerChecker(breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_" + c.breaker.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	m := c.breaker.GetMetrics()

	result := CheckResult{
		Name:      c.Name(),
		Message:   "circuit " + state.String(),
		Timestamp: start,
		Details: map[string]any{
			"state":            state.String(),
			"total_requests":   m.TotalRequests,
			"total_failures":   m.TotalFailures,
			"total_rejected":   m.TotalRejected,
			"current_failures": m.CurrentFailures,
		},
	}

	switch state {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines": goroutines,
			"heap_mb":    float64(m.HeapAlloc) / 1024 / 1024,
			"sys_mb":     float64(m.Sys) / 1024 / 1024,
			"gc_runs":    m.NumGC,
		},
	}

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime normal"
	}

	result.Duration = time.Since(start)
	return result
}
