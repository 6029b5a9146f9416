package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-hub/internal/reliability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/glimte/mmate-hub/bridge")

// Publisher defines the interface for publishing payloads to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber defines the interface for consuming a topic.
// Implementations deliver payloads to handler one at a time, in arrival order.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte) error) error
	Unsubscribe(topic string) error
}

// Reply is an inbound message matched to a pending request
type Reply struct {
	CorrelationID string
	Payload       json.RawMessage
	ReceivedAt    time.Time
}

type result struct {
	reply   *Reply
	err     error
	outcome Outcome
}

// Handle represents a request waiting for its reply.
// The result is written once by whoever removes the handle from the registry,
// before done is closed.
type Handle struct {
	id           string
	key          string
	registeredAt time.Time
	deadline     time.Time
	timer        *time.Timer
	done         chan struct{}
	result       result
}

// ID returns the correlation ID to embed in the outgoing payload
func (h *Handle) ID() string {
	return h.id
}

// RegisteredAt returns when the request was registered
func (h *Handle) RegisteredAt() time.Time {
	return h.registeredAt
}

// Deadline returns when the request times out
func (h *Handle) Deadline() time.Time {
	return h.deadline
}

// Done is closed once the request has been resolved
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Bridge correlates replies arriving on the inbound topic with pending requests
type Bridge struct {
	publisher      Publisher
	subscriber     Subscriber
	pending        map[string]*Handle
	mu             sync.Mutex
	closed         bool
	inboundTopic   string
	idField        string
	defaultTimeout time.Duration
	maxPending     int
	circuitBreaker *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	newID          func() string
	metrics        MetricsCollector
	logger         *slog.Logger
}

// NewBridge creates a bridge and subscribes it to the inbound topic
func NewBridge(publisher Publisher, subscriber Subscriber, opts ...BridgeOption) (*Bridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}

	config := &BridgeConfig{
		InboundTopic:       DefaultInboundTopic,
		IDField:            DefaultIDField,
		DefaultTimeout:     DefaultTimeout,
		MaxPendingRequests: DefaultMaxPendingRequests,
		IDGenerator:        func() string { return uuid.New().String() },
		Metrics:            NoOpMetricsCollector{},
		Logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.InboundTopic == "" {
		return nil, fmt.Errorf("inbound topic cannot be empty")
	}
	if config.IDField == "" {
		return nil, fmt.Errorf("id field cannot be empty")
	}
	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be positive, got %s", config.DefaultTimeout)
	}

	b := &Bridge{
		publisher:      publisher,
		subscriber:     subscriber,
		pending:        make(map[string]*Handle),
		inboundTopic:   config.InboundTopic,
		idField:        config.IDField,
		defaultTimeout: config.DefaultTimeout,
		maxPending:     config.MaxPendingRequests,
		circuitBreaker: config.CircuitBreaker,
		retryPolicy:    config.RetryPolicy,
		newID:          config.IDGenerator,
		metrics:        config.Metrics,
		logger:         config.Logger,
	}

	if err := subscriber.Subscribe(context.Background(), b.inboundTopic, b.HandleInbound); err != nil {
		return nil, fmt.Errorf("failed to subscribe to inbound topic: %w", err)
	}

	b.logger.Info("bridge listening for replies",
		"topic", b.inboundTopic,
		"idField", b.idField,
		"timeout", b.defaultTimeout)

	return b, nil
}

// Register creates a pending request with a fresh correlation ID.
// Its timeout starts now, not when the request is published.
func (b *Bridge) Register(opts ...RequestOption) (*Handle, error) {
	cfg := requestConfig{timeout: b.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = b.defaultTimeout
	}
	timeout := cfg.timeout

	id := b.newID()
	now := time.Now()
	h := &Handle{
		id:           id,
		key:          foldID(id),
		registeredAt: now,
		deadline:     now.Add(timeout),
		done:         make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return nil, ErrTooManyPending
	}
	if _, exists := b.pending[h.key]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	b.pending[h.key] = h
	// Armed under the lock so the callback cannot observe a nil timer.
	h.timer = time.AfterFunc(timeout, func() {
		b.complete(h, result{
			err:     fmt.Errorf("%w after %s", ErrTimeout, timeout),
			outcome: OutcomeTimeout,
		})
	})
	count := len(b.pending)
	b.mu.Unlock()

	b.metrics.SetPending(count)
	return h, nil
}

// Await blocks until the request is matched, times out, or ctx is done.
// The request is no longer pending when Await returns.
func (b *Bridge) Await(ctx context.Context, h *Handle) (*Reply, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		b.complete(h, result{
			err:     fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx)),
			outcome: OutcomeCancelled,
		})
		// Either we resolved it or another outcome got there first.
		<-h.done
	}
	return h.result.reply, h.result.err
}

// Request registers a pending request, publishes fields plus the correlation ID
// to topic and waits for the reply.
func (b *Bridge) Request(ctx context.Context, topic string, fields map[string]any, opts ...RequestOption) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "bridge.request",
		trace.WithAttributes(attribute.String("messaging.destination.name", topic)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	h, err := b.Register(opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("messaging.message.correlation_id", h.ID()))

	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg[b.idField] = h.ID()

	body, err := json.Marshal(msg)
	if err != nil {
		b.complete(h, result{
			err:     fmt.Errorf("failed to encode request: %w", err),
			outcome: OutcomeFailed,
		})
	} else if err := b.publish(ctx, h, topic, body); err != nil {
		b.complete(h, b.publishFailure(ctx, h, err))
	}

	reply, err := b.Await(ctx, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return reply, err
}

// publishFailure classifies a failed publish. A caller that went away is
// cancelled and a publish that outlived the request deadline is a timeout.
func (b *Bridge) publishFailure(ctx context.Context, h *Handle, err error) result {
	if ctx.Err() != nil {
		return result{
			err:     fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx)),
			outcome: OutcomeCancelled,
		}
	}
	if !time.Now().Before(h.deadline) {
		return result{
			err:     fmt.Errorf("%w after %s", ErrTimeout, h.deadline.Sub(h.registeredAt)),
			outcome: OutcomeTimeout,
		}
	}
	return result{
		err:     fmt.Errorf("%w: %w", ErrPublishFailed, err),
		outcome: OutcomeFailed,
	}
}

// publish sends body under the request deadline, through the retry policy and
// circuit breaker when configured. The breaker gets the caller's ctx; the
// request deadline bounds only the publish itself.
func (b *Bridge) publish(ctx context.Context, h *Handle, topic string, body []byte) error {
	pubCtx, cancel := context.WithDeadline(ctx, h.deadline)
	defer cancel()

	send := func() error {
		return b.publisher.Publish(pubCtx, topic, body)
	}
	if b.retryPolicy != nil {
		once := send
		send = func() error {
			return reliability.RetryNotify(pubCtx, b.retryPolicy, once, func(attempt int, err error, delay time.Duration) {
				b.logger.Warn("retrying request publish",
					"correlationId", h.id,
					"topic", topic,
					"attempt", attempt,
					"delay", delay,
					"error", err)
			})
		}
	}
	if b.circuitBreaker != nil {
		return b.circuitBreaker.Execute(ctx, send)
	}
	return send()
}

// HandleInbound processes one message from the inbound topic.
// Messages without a usable correlation ID return ErrMalformedReply; messages
// matching no pending request are dropped.
func (b *Bridge) HandleInbound(ctx context.Context, payload []byte) error {
	id, err := ParseCorrelationID(payload, b.idField)
	if err != nil {
		b.metrics.RecordDropped(DropMalformed)
		b.logger.Debug("dropping malformed reply", "error", err, "size", len(payload))
		return err
	}

	b.mu.Lock()
	h, exists := b.pending[foldID(id)]
	b.mu.Unlock()

	if !exists {
		// Timed out, cancelled, already answered or never ours
		b.metrics.RecordDropped(DropUnmatched)
		b.logger.Debug("no pending request for reply", "correlationId", id)
		return nil
	}

	reply := &Reply{
		CorrelationID: id,
		Payload:       append(json.RawMessage(nil), payload...),
		ReceivedAt:    time.Now(),
	}
	if !b.complete(h, result{reply: reply, outcome: OutcomeMatched}) {
		b.metrics.RecordDropped(DropUnmatched)
		b.logger.Debug("reply arrived after request resolved", "correlationId", id)
	}
	return nil
}

// complete removes h from the registry and delivers res. Removal decides the
// outcome: only the caller that deletes the entry writes the result.
func (b *Bridge) complete(h *Handle, res result) bool {
	b.mu.Lock()
	current, exists := b.pending[h.key]
	if !exists || current != h {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, h.key)
	count := len(b.pending)
	b.mu.Unlock()

	h.timer.Stop()
	h.result = res
	close(h.done)

	latency := time.Since(h.registeredAt)
	b.metrics.RecordOutcome(res.outcome, latency)
	b.metrics.SetPending(count)

	switch res.outcome {
	case OutcomeMatched:
		b.logger.Debug("reply matched", "correlationId", h.id, "latency", latency)
	case OutcomeTimeout:
		b.logger.Warn("request timed out", "correlationId", h.id, "latency", latency)
	case OutcomeFailed:
		b.logger.Error("request failed", "correlationId", h.id, "error", res.err)
	default:
		b.logger.Debug("request abandoned", "correlationId", h.id, "outcome", res.outcome)
	}
	return true
}

// PendingCount returns the number of pending requests
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// IsPending reports whether a request with the given correlation ID is waiting
func (b *Bridge) IsPending(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.pending[foldID(id)]
	return exists
}

// MaxPendingRequests returns the registry limit, zero when unlimited
func (b *Bridge) MaxPendingRequests() int {
	return b.maxPending
}

// InboundTopic returns the topic replies are consumed from
func (b *Bridge) InboundTopic() string {
	return b.inboundTopic
}

// Close resolves every pending request with ErrClosed and unsubscribes from
// the inbound topic
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handles := make([]*Handle, 0, len(b.pending))
	for _, h := range b.pending {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.complete(h, result{err: ErrClosed, outcome: OutcomeClosed})
	}

	return b.subscriber.Unsubscribe(b.inboundTopic)
}

// ParseCorrelationID extracts the string correlation ID stored under field
func ParseCorrelationID(payload []byte, field string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if fields == nil {
		return "", fmt.Errorf("%w: payload is not an object", ErrMalformedReply)
	}

	raw, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: missing %q field", ErrMalformedReply, field)
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: %q field is not a string", ErrMalformedReply, field)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty %q field", ErrMalformedReply, field)
	}
	return id, nil
}

// foldID normalises an ID so lookups are case-insensitive
func foldID(id string) string {
	return strings.ToLower(id)
}
