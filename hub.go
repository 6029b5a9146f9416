// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hub wires a bus transport, the request/reply bridge and the HTTP
// gateway into one runnable service.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-hub/bridge"
	"github.com/glimte/mmate-hub/event"
	"github.com/glimte/mmate-hub/gateway"
	"github.com/glimte/mmate-hub/health"
	"github.com/glimte/mmate-hub/internal/config"
	"github.com/glimte/mmate-hub/internal/metrics"
	"github.com/glimte/mmate-hub/internal/reliability"
	"github.com/glimte/mmate-hub/transports/memory"
	natsTransport "github.com/glimte/mmate-hub/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-hub/transports/rabbitmq"
)

// Version is reported by the CLI and the readiness endpoint
var Version = "dev"

// Transport is a bus connection the hub can publish to and consume from
type Transport interface {
	bridge.Publisher
	bridge.Subscriber
	IsConnected() bool
	Close() error
}

// Hub is a configured gateway in front of a message bus
type Hub struct {
	cfg       config.Config
	transport Transport
	bridge    *bridge.Bridge
	gateway   *gateway.Server
	health    *health.Registry
	metrics   *metrics.Collector
	breaker   *reliability.CircuitBreaker
	handler   http.Handler
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

type hubConfig struct {
	logger    *slog.Logger
	transport Transport
	idGen     func() string
}

// Option configures a Hub
type Option func(*hubConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *hubConfig) {
		c.logger = logger
	}
}

// WithTransport uses t instead of dialing the bus named in the config.
// The hub closes t on Close.
func WithTransport(t Transport) Option {
	return func(c *hubConfig) {
		c.transport = t
	}
}

// WithIDGenerator replaces the correlation ID generator
func WithIDGenerator(gen func() string) Option {
	return func(c *hubConfig) {
		c.idGen = gen
	}
}

// New validates cfg, connects the transport and builds the bridge and gateway
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Hub, error) {
	hc := &hubConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(hc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	transport := hc.transport
	if transport == nil {
		transport, err = dial(ctx, cfg.Bus, hc.logger)
		if err != nil {
			return nil, err
		}
	}

	h := &Hub{
		cfg:       cfg,
		transport: transport,
		health:    health.NewRegistry(),
		logger:    hc.logger,
	}

	var bridgeMetrics bridge.MetricsCollector = bridge.NoOpMetricsCollector{}
	if cfg.Metrics.Enabled {
		h.metrics = metrics.NewCollector()
		bridgeMetrics = h.metrics
	}

	if cfg.Reliability.FailureThreshold > 0 {
		h.breaker = h.newBreaker()
	}

	bridgeOpts := []bridge.BridgeOption{
		bridge.WithInboundTopic(cfg.Bridge.InboundTopic),
		bridge.WithIDField(cfg.Bridge.IDField),
		bridge.WithDefaultTimeout(cfg.Bridge.Timeout),
		bridge.WithMaxPendingRequests(cfg.Bridge.MaxPending),
		bridge.WithMetrics(bridgeMetrics),
		bridge.WithLogger(hc.logger),
	}
	if h.breaker != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithBridgeCircuitBreaker(h.breaker))
	}
	if n := cfg.Reliability.PublishRetries; n > 0 {
		delay := cfg.Reliability.RetryDelay
		bridgeOpts = append(bridgeOpts, bridge.WithBridgeRetryPolicy(
			reliability.NewExponentialBackoff(delay, 10*delay, 2.0, n)))
	}
	if hc.idGen != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithIDGenerator(hc.idGen))
	}

	h.bridge, err = bridge.NewBridge(transport, transport, bridgeOpts...)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	h.registerChecks(catalog)

	gwOpts := []gateway.Option{
		gateway.WithLogger(hc.logger),
		gateway.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		gateway.WithReadinessHandler(health.NewHandler(h.health, 5*time.Second)),
	}
	if h.metrics != nil {
		gwOpts = append(gwOpts,
			gateway.WithMetrics(h.metrics),
			gateway.WithMetricsHandler(h.metrics.Handler()))
	}

	h.gateway, err = gateway.NewServer(event.NewValidator(catalog), guardedPublisher{transport, h.breaker}, h.bridge, gwOpts...)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	h.handler = h.gateway.Handler()

	h.logger.Info("hub ready",
		"bus", cfg.Bus.Kind,
		"inboundTopic", cfg.Bridge.InboundTopic,
		"events", catalog.Types())
	return h, nil
}

func dial(ctx context.Context, bus config.BusConfig, logger *slog.Logger) (Transport, error) {
	switch bus.Kind {
	case config.BusMemory:
		return memory.NewTransport(memory.WithLogger(logger)), nil
	case config.BusRabbitMQ:
		t, err := rabbitmqTransport.NewTransport(ctx, bus.URL, bus.Exchange, rabbitmqTransport.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq transport: %w", err)
		}
		return t, nil
	case config.BusNATS:
		t, err := natsTransport.NewTransport(ctx, bus.URL, natsTransport.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create nats transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown bus kind %q", config.ErrInvalidConfig, bus.Kind)
	}
}

func (h *Hub) newBreaker() *reliability.CircuitBreaker {
	opts := []reliability.CircuitBreakerOption{
		reliability.WithName("bus-publish"),
		reliability.WithFailureThreshold(h.cfg.Reliability.FailureThreshold),
		reliability.WithTimeout(h.cfg.Reliability.OpenTimeout),
		reliability.WithStateChangeListener(reliability.StateChangeFunc(
			func(name string, from, to reliability.State, reason string) {
				h.logger.Warn("circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
					"reason", reason)
			})),
	}
	if h.metrics != nil {
		opts = append(opts, reliability.WithStateChangeListener(h.metrics))
	}
	return reliability.NewCircuitBreaker(opts...)
}

func (h *Hub) registerChecks(catalog *event.Catalog) {
	h.health.Register(health.NewTransportChecker(h.cfg.Bus.Kind, h.transport))
	h.health.Register(health.NewBridgeChecker(h.bridge, 0.8))
	h.health.Register(health.NewRuntimeChecker(10000, 50000))
	if h.breaker != nil {
		h.health.Register(health.NewCircuitBreakerChecker(h.breaker))
	}
	h.health.SetMetadata("version", Version)
	h.health.SetMetadata("bus", h.cfg.Bus.Kind)
	h.health.SetMetadata("events", catalog.Len())
}

// Handler returns the gateway's HTTP handler
func (h *Hub) Handler() http.Handler {
	return h.handler
}

// Bridge returns the request/reply bridge
func (h *Hub) Bridge() *bridge.Bridge {
	return h.bridge
}

// Health returns the readiness check registry
func (h *Hub) Health() *health.Registry {
	return h.health
}

// Run listens on the configured address and serves until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.HTTP.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts the server down gracefully
// and closes the hub
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.handler,
		ReadTimeout:       h.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: h.cfg.HTTP.ReadTimeout,
		ErrorLog:          slog.NewLogLogger(h.logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("gateway listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		h.logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = fmt.Errorf("failed to shut down gateway: %w", err)
		}
	}

	return errors.Join(serveErr, h.Close())
}

// Close resolves pending requests, stops consuming and closes the transport
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		var errs []error
		if h.bridge != nil {
			if err := h.bridge.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close bridge: %w", err))
			}
		}
		if err := h.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

// guardedPublisher sends notifications through the same breaker as commands
type guardedPublisher struct {
	next    bridge.Publisher
	breaker *reliability.CircuitBreaker
}

func (p guardedPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.breaker == nil {
		return p.next.Publish(ctx, topic, payload)
	}
	return p.breaker.Execute(ctx, func() error {
		return p.next.Publish(ctx, topic, payload)
	})
}
