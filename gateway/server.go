// Package gateway serves the hub HTTP surface. POST /event validates the body
// and either publishes it as a notification or sends it as a command through
// the bridge and answers with the correlated reply.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/glimte/mmate-hub/bridge"
	"github.com/glimte/mmate-hub/event"
)

var tracer = otel.Tracer("github.com/glimte/mmate-hub/gateway")

// Publisher publishes notifications
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Requester sends commands and waits for the reply
type Requester interface {
	Request(ctx context.Context, topic string, fields map[string]any, opts ...bridge.RequestOption) (*bridge.Reply, error)
}

// MetricsCollector collects gateway metrics
type MetricsCollector interface {
	RecordEvent(eventType, result string, duration time.Duration)
	RecordPublish(topic string, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordEvent(string, string, time.Duration) {}
func (noopMetrics) RecordPublish(string, error)               {}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMetricsHandler mounts h on GET /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithReadinessHandler mounts h on GET /health/ready
func WithReadinessHandler(h http.Handler) Option {
	return func(s *Server) {
		s.readiness = h
	}
}

// WithMaxBodyBytes limits POST /event bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithClock overrides the time source used by GET /health
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server routes HTTP requests to the validator, the bus and the bridge
type Server struct {
	validator      *event.Validator
	publisher      Publisher
	requester      Requester
	metrics        MetricsCollector
	metricsHandler http.Handler
	readiness      http.Handler
	maxBodyBytes   int64
	now            func() time.Time
	logger         *slog.Logger
}

// NewServer creates a gateway server
func NewServer(validator *event.Validator, publisher Publisher, requester Requester, opts ...Option) (*Server, error) {
	if validator == nil {
		return nil, fmt.Errorf("validator cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if requester == nil {
		return nil, fmt.Errorf("requester cannot be nil")
	}

	s := &Server{
		validator:    validator,
		publisher:    publisher,
		requester:    requester,
		metrics:      noopMetrics{},
		maxBodyBytes: 1 << 20,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler wrapped in request-id and recovery middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /event", s.handleEvent)
	if s.readiness != nil {
		mux.Handle("GET /health/ready", s.readiness)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return requestID(s.recoverer(mux))
}
