// Package nats connects the hub to a NATS server. Topic "/a/b" is published on
// subject "a.b".
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	// ErrNotConnected is returned when the connection is down
	ErrNotConnected = errors.New("nats: not connected")

	// ErrAlreadySubscribed is returned when a topic already has a subscriber
	ErrAlreadySubscribed = errors.New("nats: topic already subscribed")

	// ErrNotSubscribed is returned by Unsubscribe for an unknown topic
	ErrNotSubscribed = errors.New("nats: topic not subscribed")
)

// SubjectFor maps a hub topic to a NATS subject
func SubjectFor(topic string) string {
	return strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", ".")
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithName sets the client name reported to the server
func WithName(name string) Option {
	return func(t *Transport) {
		t.name = name
	}
}

// WithMaxReconnects sets the reconnect attempts; -1 retries forever
func WithMaxReconnects(n int) Option {
	return func(t *Transport) {
		t.maxReconnects = n
	}
}

// WithReconnectWait sets the delay between reconnect attempts
func WithReconnectWait(d time.Duration) Option {
	return func(t *Transport) {
		t.reconnectWait = d
	}
}

// WithConnectTimeout bounds the initial dial
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.connectTimeout = d
	}
}

// WithHandlerTimeout bounds each handler call
func WithHandlerTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.handlerTimeout = d
	}
}

// WithNATSOptions appends raw nats.go options, applied after the defaults
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.extra = append(t.extra, opts...)
	}
}

// Transport publishes and consumes hub topics as NATS subjects
type Transport struct {
	url            string
	name           string
	maxReconnects  int
	reconnectWait  time.Duration
	connectTimeout time.Duration
	handlerTimeout time.Duration
	extra          []nats.Option
	logger         *slog.Logger

	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewTransport connects to url. The dial is bounded by ctx and the connect timeout.
func NewTransport(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	t := &Transport{
		url:            url,
		name:           "mmate-hub",
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		connectTimeout: 5 * time.Second,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		subs:           make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(t)
	}

	type connectResult struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan connectResult, 1)
	go func() {
		conn, err := nats.Connect(t.url, t.connectionOptions()...)
		done <- connectResult{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", t.url, res.err)
		}
		t.conn = res.conn
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("failed to connect to %s: %w", t.url, ctx.Err())
	}

	t.logger.Info("connected to NATS", "url", t.conn.ConnectedUrlRedacted())
	return t, nil
}

func (t *Transport) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(t.name),
		nats.MaxReconnects(t.maxReconnects),
		nats.ReconnectWait(t.reconnectWait),
		nats.Timeout(t.connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("bus disconnected", "kind", "nats", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("bus reconnected", "kind", "nats", "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.logger.Info("bus connection closed", "kind", "nats")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Error("nats error", "subject", subject, "error", err)
		}),
	}
	return append(opts, t.extra...)
}

// Publish sends payload on the topic's subject
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return t.conn.Publish(SubjectFor(topic), payload)
}

// Subscribe consumes the topic's subject. nats.go delivers the messages of one
// subscription on a single goroutine, so handler calls never overlap.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subs[topic]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	if t.conn == nil || t.conn.IsClosed() {
		return ErrNotConnected
	}

	base := context.WithoutCancel(ctx)
	subject := SubjectFor(topic)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(base, t.handlerTimeout)
		defer cancel()

		if err := handler(msgCtx, msg.Data); err != nil {
			t.logger.Debug("handler rejected message", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	t.subs[topic] = sub
	t.logger.Info("subscribed to topic", "topic", topic, "subject", subject)
	return nil
}

// Unsubscribe stops consuming topic
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	return sub.Unsubscribe()
}

// IsConnected reports whether the connection is up
func (t *Transport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// Close drains subscriptions and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	if t.conn == nil || t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return err
	}
	return nil
}
