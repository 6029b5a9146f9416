package bridge

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-hub/internal/reliability"
)

const (
	// DefaultInboundTopic is the topic replies are consumed from
	DefaultInboundTopic = "/outbound"

	// DefaultIDField is the payload key carrying the correlation ID
	DefaultIDField = "id"

	// DefaultTimeout is how long a request waits for its reply
	DefaultTimeout = 2 * time.Second

	// DefaultMaxPendingRequests caps the registry size
	DefaultMaxPendingRequests = 1000
)

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	InboundTopic       string
	IDField            string
	DefaultTimeout     time.Duration
	MaxPendingRequests int
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	IDGenerator        func() string
	Metrics            MetricsCollector
	Logger             *slog.Logger
}

// WithInboundTopic sets the topic replies arrive on
func WithInboundTopic(topic string) BridgeOption {
	return func(c *BridgeConfig) {
		c.InboundTopic = topic
	}
}

// WithIDField sets the payload key used for the correlation ID
func WithIDField(field string) BridgeOption {
	return func(c *BridgeConfig) {
		c.IDField = field
	}
}

// WithDefaultTimeout sets the timeout applied when a request has none of its own
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests.
// Zero or a negative value disables the limit.
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithBridgeCircuitBreaker protects request publishing with a circuit breaker
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithBridgeRetryPolicy retries failed request publishes
func WithBridgeRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = policy
	}
}

// WithIDGenerator replaces the UUID correlation ID generator
func WithIDGenerator(gen func() string) BridgeOption {
	return func(c *BridgeConfig) {
		c.IDGenerator = gen
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = metrics
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// RequestOption configures a single registration
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the bridge default timeout for one request
func WithTimeout(timeout time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.timeout = timeout
	}
}
