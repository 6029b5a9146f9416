// Package memory provides an in-process bus transport. Messages published on a
// topic are delivered to the subscriber of that exact topic, in publish order,
// by one goroutine per subscription.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrClosed is returned after Close
	ErrClosed = errors.New("memory: transport is closed")

	// ErrAlreadySubscribed is returned when a topic already has a subscriber
	ErrAlreadySubscribed = errors.New("memory: topic already subscribed")

	// ErrNotSubscribed is returned by Unsubscribe for an unknown topic
	ErrNotSubscribed = errors.New("memory: topic not subscribed")
)

// Message is one publish, as seen by hooks and the recording
type Message struct {
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

// Handler processes one delivery
type Handler func(ctx context.Context, payload []byte) error

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithBufferSize sets the per-subscription delivery buffer
func WithBufferSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.bufferSize = size
		}
	}
}

// WithRecording keeps published messages for Published and PublishedTo.
// At most limit messages are kept, oldest dropped first; limit <= 0 keeps all.
// Without it nothing is recorded.
func WithRecording(limit int) Option {
	return func(t *Transport) {
		t.record = true
		t.recordLimit = limit
	}
}

// WithPublishHook runs fn synchronously for every publish before delivery.
// A non-nil error from fn fails the publish.
func WithPublishHook(fn func(ctx context.Context, msg Message) error) Option {
	return func(t *Transport) {
		t.hooks = append(t.hooks, fn)
	}
}

// Transport is an in-memory bus
type Transport struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	closed     bool
	bufferSize int
	hooks      []func(ctx context.Context, msg Message) error
	logger     *slog.Logger

	record      bool
	recordLimit int
	published   []Message
}

type subscription struct {
	topic   string
	queue   chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	handler Handler
}

// NewTransport creates an in-memory transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		subs:       make(map[string]*subscription),
		bufferSize: 1024,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish queues the message for the topic's subscriber, if any, and records
// it when recording is enabled.
// It blocks only while the subscriber's buffer is full.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		PublishedAt: time.Now(),
	}

	for _, hook := range t.hooks {
		if err := hook(ctx, msg); err != nil {
			return fmt.Errorf("memory: publish to %s: %w", topic, err)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.record {
		t.recordLocked(msg)
	}
	sub := t.subs[topic]
	t.mu.Unlock()

	if sub == nil {
		return nil
	}

	select {
	case sub.queue <- msg.Payload:
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts delivering messages of topic to handler
func (t *Transport) Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte) error) error {
	if handler == nil {
		return errors.New("memory: handler is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, exists := t.subs[topic]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		topic:   topic,
		queue:   make(chan []byte, t.bufferSize),
		cancel:  cancel,
		done:    make(chan struct{}),
		handler: handler,
	}
	t.subs[topic] = sub

	go t.consume(subCtx, sub)

	t.logger.Debug("subscribed", "topic", topic)
	return nil
}

func (t *Transport) consume(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-sub.queue:
			if err := sub.handler(ctx, payload); err != nil {
				t.logger.Debug("handler rejected message",
					"topic", sub.topic,
					"error", err)
			}
		}
	}
}

// Unsubscribe stops the topic's subscriber and waits for it to exit
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	if ok {
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}

	sub.cancel()
	<-sub.done
	return nil
}

// recordLocked must be called with mu held
func (t *Transport) recordLocked(msg Message) {
	if t.recordLimit > 0 && len(t.published) >= t.recordLimit {
		n := copy(t.published, t.published[len(t.published)-t.recordLimit+1:])
		t.published = t.published[:n]
	}
	t.published = append(t.published, msg)
}

// Published returns a copy of the recorded messages, nil unless WithRecording is set
func (t *Transport) Published() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.published) == 0 {
		return nil
	}
	out := make([]Message, len(t.published))
	copy(out, t.published)
	return out
}

// PublishedTo returns the messages published on topic
func (t *Transport) PublishedTo(topic string) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Message
	for _, msg := range t.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// IsConnected reports whether the transport is open
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// Close stops all subscribers. Further publishes fail with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}
