// Package rabbitmq connects the hub to a RabbitMQ topic exchange. Topics map
// to routing keys by dropping the leading slash and turning the remaining
// slashes into dots.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-hub/internal/rabbitmq"
	"github.com/glimte/mmate-hub/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueuePrefix names the exclusive queues created for subscriptions
const QueuePrefix = "hub.inbound."

// ErrNotSubscribed is returned by Unsubscribe for a topic without a subscription
var ErrNotSubscribed = errors.New("rabbitmq: topic not subscribed")

// TopicToRoutingKey maps "/a/b" to "a.b"
func TopicToRoutingKey(topic string) string {
	return strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", ".")
}

// Transport publishes and consumes hub topics over one exchange
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	exchange  string
	logger    *slog.Logger
	rebind    reliability.RetryPolicy

	// ctx ends on Close and stops resubscribe retries
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[string]*subscription
	closeOnce sync.Once
}

type subscription struct {
	topic   string
	queue   string
	bound   bool
	handler func(ctx context.Context, payload []byte) error
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	RebindPolicy      reliability.RetryPolicy
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithRebindPolicy sets how subscriptions are retried after a reconnect
func WithRebindPolicy(policy reliability.RetryPolicy) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.RebindPolicy = policy
	}
}

// WithLogger sets the logger for the transport and the layers below it
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to url and declares exchange as a durable topic exchange
func NewTransport(ctx context.Context, url, exchange string, options ...TransportOption) (*Transport, error) {
	if exchange == "" {
		return nil, fmt.Errorf("%w: exchange is required", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := &TransportConfig{
		RebindPolicy: reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2, 10),
		Logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	// caller options come last so they win over the logger default
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(cfg.Logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	t := newTransport(manager, pool, exchange, cfg)

	if err := t.topology.DeclareTopology(ctx, rabbitmq.HubTopology(exchange)); err != nil {
		t.cancel()
		_ = pool.Close()
		_ = manager.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	manager.AddStateListener(t)
	return t, nil
}

func newTransport(manager *rabbitmq.ConnectionManager, pool *rabbitmq.ChannelPool, exchange string, cfg *TransportConfig) *Transport {
	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		consumer:  rabbitmq.NewConsumer(pool, consumerOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		exchange:  exchange,
		logger:    cfg.Logger,
		rebind:    cfg.RebindPolicy,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscription),
	}
}

// Publish sends payload to the exchange under the topic's routing key
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.publisher.Publish(ctx, t.exchange, TopicToRoutingKey(topic), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// Subscribe binds an exclusive auto-delete queue to the topic's routing key and
// feeds its deliveries to handler one at a time. A handler error drops the
// delivery.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte) error) error {
	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: topic %s", rabbitmq.ErrAlreadyConsuming, topic)
	}
	sub := &subscription{topic: topic, handler: handler}
	t.subs[topic] = sub
	t.mu.Unlock()

	if err := t.bind(ctx, sub); err != nil {
		t.mu.Lock()
		delete(t.subs, topic)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) bind(ctx context.Context, sub *subscription) error {
	queue := QueuePrefix + uuid.New().String()

	if _, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       queue,
		AutoDelete: true,
		Exclusive:  true,
	}); err != nil {
		return err
	}

	if err := t.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   t.exchange,
		RoutingKey: TopicToRoutingKey(sub.topic),
	}); err != nil {
		return err
	}

	handler := sub.handler
	if err := t.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, d.Body)
	}); err != nil {
		return err
	}

	t.mu.Lock()
	sub.queue = queue
	sub.bound = true
	t.mu.Unlock()

	t.logger.Info("subscribed to topic", "topic", sub.topic, "queue", queue)
	return nil
}

// Unsubscribe stops consuming topic
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	var queue string
	if ok {
		queue = sub.queue
		delete(t.subs, topic)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}

	// the queue is auto-delete and goes away with its consumer
	if err := t.consumer.Unsubscribe(queue); err != nil && !errors.Is(err, rabbitmq.ErrNoConsumer) {
		return err
	}
	return nil
}

// OnConnected re-creates the subscriptions lost with the previous connection.
// Exclusive queues do not survive a reconnect. A subscription that cannot be
// re-created within the rebind policy stays unbound and shows in UnboundTopics.
func (t *Transport) OnConnected() {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	queues := make([]string, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
		queues = append(queues, sub.queue)
		sub.bound = false
	}
	t.mu.Unlock()

	for i, sub := range subs {
		if err := t.consumer.Unsubscribe(queues[i]); err != nil && !errors.Is(err, rabbitmq.ErrNoConsumer) {
			t.logger.Debug("stale consumer", "queue", queues[i], "error", err)
		}
		if err := t.resubscribe(sub); err != nil {
			t.logger.Error("failed to resubscribe", "topic", sub.topic, "error", err)
		}
	}
}

func (t *Transport) resubscribe(sub *subscription) error {
	bind := func() error {
		t.mu.Lock()
		current := t.subs[sub.topic] == sub
		t.mu.Unlock()
		if !current {
			return nil
		}
		return t.bind(t.ctx, sub)
	}
	if t.rebind == nil {
		return bind()
	}
	return reliability.RetryNotify(t.ctx, t.rebind, bind, func(attempt int, err error, delay time.Duration) {
		t.logger.Warn("retrying resubscribe",
			"topic", sub.topic,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
}

// UnboundTopics lists subscribed topics that currently have no live queue
func (t *Transport) UnboundTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var topics []string
	for topic, sub := range t.subs {
		if !sub.bound {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("bus disconnected", "kind", "rabbitmq", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("bus reconnecting", "kind", "rabbitmq", "attempt", attempt)
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops all consumers and closes the connection
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.manager.RemoveStateListener(t)
		t.consumer.UnsubscribeAll()
		_ = t.pool.Close()
		err = t.manager.Close()
	})
	return err
}
