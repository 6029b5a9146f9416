package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs one delivery loop per queue. Deliveries of a queue are
// handled one at a time, in arrival order.
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	requeueOnError bool
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]*consumerInfo
}

type consumerInfo struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the channel QoS prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithRequeueOnError makes a handler error nack with requeue instead of dropping
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithHandlerTimeout bounds each handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		requeueOnError: false,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		active:         make(map[string]*consumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue. The loop runs until Unsubscribe, or until
// the broker closes the delivery channel.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadyConsuming, Timestamp: time.Now()}
	}
	c.mu.Unlock()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: ch.ID(), Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		ch.ID(), // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: ch.ID(), Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &consumerInfo{
		queue:   queue,
		tag:     ch.ID(),
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.active[queue] = info
	c.mu.Unlock()

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", info.tag,
		"prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) processMessages(ctx context.Context, info *consumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		// the channel carried a consumer; it is not reused
		c.pool.Discard(info.channel)
		c.mu.Lock()
		if c.active[info.queue] == info {
			delete(c.active, info.queue)
		}
		c.mu.Unlock()
		close(info.done)
		c.logger.Info("consumer stopped", "queue", info.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = info.channel.Cancel(info.tag, false)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.queue)
				return
			}
			c.handleMessage(ctx, info.queue, delivery, handler)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr, "queue", queue)
		}
		return
	}

	c.logger.Debug("handler rejected message",
		"error", err,
		"queue", queue,
		"requeue", c.requeueOnError)
	if nackErr := delivery.Nack(false, c.requeueOnError); nackErr != nil {
		c.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", err,
			"queue", queue)
	}
}

// Unsubscribe stops consuming queue and waits for the loop to exit
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for queue %s", ErrNoConsumer, queue)
	}

	info.cancel()
	<-info.done
	return nil
}

// UnsubscribeAll stops every consumer
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.ActiveQueues() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Debug("unsubscribe", "queue", queue, "error", err)
		}
	}
}

// ActiveQueues lists queues with a running consumer
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
