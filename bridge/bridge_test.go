package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-hub/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

// fakeSubscriber keeps the handler so tests can push inbound messages
type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]func(context.Context, []byte) error
	subscribeErr error
	unsubscribed []string
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, topic string, handler func(context.Context, []byte) error) error {
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]func(context.Context, []byte) error)
	}
	s.handlers[topic] = handler
	return nil
}

func (s *fakeSubscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, topic)
	s.unsubscribed = append(s.unsubscribed, topic)
	return nil
}

func (s *fakeSubscriber) deliver(topic string, payload string) error {
	s.mu.Lock()
	handler, ok := s.handlers[topic]
	s.mu.Unlock()
	if !ok {
		return errors.New("no handler for topic")
	}
	return handler(context.Background(), []byte(payload))
}

// countingMetrics records outcomes for assertions
type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	dropped  map[string]int
	pending  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		outcomes: make(map[Outcome]int),
		dropped:  make(map[string]int),
	}
}

func (m *countingMetrics) RecordOutcome(outcome Outcome, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) RecordDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *countingMetrics) SetPending(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = count
}

func (m *countingMetrics) outcome(o Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[o]
}

func (m *countingMetrics) drops(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func newTestBridge(t *testing.T, opts ...BridgeOption) (*Bridge, *mockPublisher, *fakeSubscriber) {
	t.Helper()
	publisher := &mockPublisher{}
	subscriber := &fakeSubscriber{}
	b, err := NewBridge(publisher, subscriber, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, publisher, subscriber
}

func reply(id string, extra string) string {
	if extra == "" {
		return fmt.Sprintf(`{"id":%q}`, id)
	}
	return fmt.Sprintf(`{"id":%q,%s}`, id, extra)
}

func TestNewBridge(t *testing.T) {
	t.Run("NewBridge creates bridge with defaults", func(t *testing.T) {
		b, _, subscriber := newTestBridge(t)

		assert.Equal(t, DefaultInboundTopic, b.InboundTopic())
		assert.Equal(t, DefaultIDField, b.idField)
		assert.Equal(t, DefaultTimeout, b.defaultTimeout)
		assert.Equal(t, DefaultMaxPendingRequests, b.MaxPendingRequests())
		assert.Equal(t, 0, b.PendingCount())
		assert.Contains(t, subscriber.handlers, DefaultInboundTopic)
	})

	t.Run("NewBridge applies options", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker()
		policy := reliability.NewFixedDelay(time.Millisecond, 2)

		b, _, subscriber := newTestBridge(t,
			WithInboundTopic("/replies"),
			WithIDField("correlationId"),
			WithDefaultTimeout(time.Second),
			WithMaxPendingRequests(5),
			WithBridgeCircuitBreaker(cb),
			WithBridgeRetryPolicy(policy),
		)

		assert.Equal(t, "/replies", b.InboundTopic())
		assert.Equal(t, "correlationId", b.idField)
		assert.Equal(t, time.Second, b.defaultTimeout)
		assert.Equal(t, 5, b.MaxPendingRequests())
		assert.Equal(t, cb, b.circuitBreaker)
		assert.Equal(t, policy, b.retryPolicy)
		assert.Contains(t, subscriber.handlers, "/replies")
	})

	t.Run("NewBridge fails with nil publisher", func(t *testing.T) {
		b, err := NewBridge(nil, &fakeSubscriber{})
		assert.Error(t, err)
		assert.Nil(t, b)
		assert.Contains(t, err.Error(), "publisher cannot be nil")
	})

	t.Run("NewBridge fails with nil subscriber", func(t *testing.T) {
		b, err := NewBridge(&mockPublisher{}, nil)
		assert.Error(t, err)
		assert.Nil(t, b)
		assert.Contains(t, err.Error(), "subscriber cannot be nil")
	})

	t.Run("NewBridge rejects invalid configuration", func(t *testing.T) {
		_, err := NewBridge(&mockPublisher{}, &fakeSubscriber{}, WithInboundTopic(""))
		assert.Error(t, err)

		_, err = NewBridge(&mockPublisher{}, &fakeSubscriber{}, WithIDField(""))
		assert.Error(t, err)

		_, err = NewBridge(&mockPublisher{}, &fakeSubscriber{}, WithDefaultTimeout(0))
		assert.Error(t, err)
	})

	t.Run("NewBridge fails when subscription fails", func(t *testing.T) {
		subscriber := &fakeSubscriber{subscribeErr: errors.New("subscription failed")}

		b, err := NewBridge(&mockPublisher{}, subscriber)
		assert.Error(t, err)
		assert.Nil(t, b)
		assert.Contains(t, err.Error(), "failed to subscribe to inbound topic")
	})
}

func TestRegister(t *testing.T) {
	t.Run("concurrent registrations yield distinct ids", func(t *testing.T) {
		b, _, _ := newTestBridge(t, WithMaxPendingRequests(0), WithDefaultTimeout(time.Minute))

		const n = 10000
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, err := b.Register()
				if assert.NoError(t, err) {
					ids[i] = h.ID()
				}
			}(i)
		}
		wg.Wait()

		seen := make(map[string]struct{}, n)
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, n)
		assert.Equal(t, n, b.PendingCount())

		require.NoError(t, b.Close())
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("Register records timing", func(t *testing.T) {
		b, _, _ := newTestBridge(t)

		before := time.Now()
		h, err := b.Register(WithTimeout(500 * time.Millisecond))
		require.NoError(t, err)

		assert.False(t, h.RegisteredAt().Before(before))
		assert.Equal(t, 500*time.Millisecond, h.Deadline().Sub(h.RegisteredAt()))
		assert.True(t, b.IsPending(h.ID()))
	})

	t.Run("Register rejects duplicate ids", func(t *testing.T) {
		b, _, _ := newTestBridge(t, WithIDGenerator(func() string { return "fixed" }))

		_, err := b.Register()
		require.NoError(t, err)

		_, err = b.Register()
		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.Equal(t, 1, b.PendingCount())
	})

	t.Run("Register enforces the pending limit", func(t *testing.T) {
		b, _, _ := newTestBridge(t, WithMaxPendingRequests(2))

		_, err := b.Register()
		require.NoError(t, err)
		_, err = b.Register()
		require.NoError(t, err)

		_, err = b.Register()
		assert.ErrorIs(t, err, ErrTooManyPending)
	})
}

func TestAwait(t *testing.T) {
	t.Run("matching reply resolves the request", func(t *testing.T) {
		b, _, subscriber := newTestBridge(t)

		h, err := b.Register()
		require.NoError(t, err)

		go func() {
			time.Sleep(10 * time.Millisecond)
			subscriber.deliver(DefaultInboundTopic, reply(h.ID(), `"status":"ready"`))
		}()

		r, err := b.Await(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, h.ID(), r.CorrelationID)
		assert.JSONEq(t, reply(h.ID(), `"status":"ready"`), string(r.Payload))
		assert.False(t, b.IsPending(h.ID()))
	})

	t.Run("matching is case-insensitive", func(t *testing.T) {
		b, _, subscriber := newTestBridge(t, WithIDGenerator(func() string { return "abc123" }))

		h, err := b.Register()
		require.NoError(t, err)

		require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply("ABC123", "")))

		r, err := b.Await(context.Background(), h)
		require.NoError(t, err)
		assert.Equal(t, "ABC123", r.CorrelationID)
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("first reply wins", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, _, subscriber := newTestBridge(t, WithMetrics(metrics))

		h, err := b.Register()
		require.NoError(t, err)

		require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply(h.ID(), `"n":1`)))
		require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply(h.ID(), `"n":2`)))

		r, err := b.Await(context.Background(), h)
		require.NoError(t, err)
		assert.JSONEq(t, reply(h.ID(), `"n":1`), string(r.Payload))
		assert.Equal(t, 1, metrics.outcome(OutcomeMatched))
		assert.Equal(t, 1, metrics.drops(DropUnmatched))
	})

	t.Run("timeout fires at the default duration", func(t *testing.T) {
		if testing.Short() {
			t.Skip("waits for the full request timeout")
		}
		b, _, _ := newTestBridge(t)

		start := time.Now()
		h, err := b.Register()
		require.NoError(t, err)

		r, err := b.Await(context.Background(), h)
		elapsed := time.Since(start)

		assert.Nil(t, r)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, 2*time.Second)
		assert.Less(t, elapsed, 2500*time.Millisecond)
		assert.False(t, b.IsPending(h.ID()))
	})

	t.Run("cancelled context removes the request", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, _, _ := newTestBridge(t, WithMetrics(metrics))

		h, err := b.Register()
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		r, err := b.Await(ctx, h)
		assert.Nil(t, r)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, b.IsPending(h.ID()))
		assert.Equal(t, 1, metrics.outcome(OutcomeCancelled))
	})

	t.Run("reply after timeout is ignored", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, _, subscriber := newTestBridge(t, WithMetrics(metrics))

		h, err := b.Register(WithTimeout(20 * time.Millisecond))
		require.NoError(t, err)

		_, err = b.Await(context.Background(), h)
		assert.ErrorIs(t, err, ErrTimeout)

		require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply(h.ID(), "")))
		assert.Equal(t, 0, metrics.outcome(OutcomeMatched))
		assert.Equal(t, 1, metrics.drops(DropUnmatched))
	})

	t.Run("racing reply and timeout resolve exactly once", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, _, subscriber := newTestBridge(t, WithMetrics(metrics), WithMaxPendingRequests(0))

		const n = 200
		var matched, timedOut atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			h, err := b.Register(WithTimeout(time.Millisecond))
			require.NoError(t, err)

			wg.Add(2)
			go func() {
				defer wg.Done()
				subscriber.deliver(DefaultInboundTopic, reply(h.ID(), ""))
			}()
			go func() {
				defer wg.Done()
				r, err := b.Await(context.Background(), h)
				switch {
				case err == nil && r != nil:
					matched.Add(1)
				case errors.Is(err, ErrTimeout) && r == nil:
					timedOut.Add(1)
				default:
					t.Errorf("unexpected result: %v, %v", r, err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(n), matched.Load()+timedOut.Load())
		assert.Equal(t, n, metrics.outcome(OutcomeMatched)+metrics.outcome(OutcomeTimeout))
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("registry drains after mixed outcomes", func(t *testing.T) {
		b, _, subscriber := newTestBridge(t, WithDefaultTimeout(50*time.Millisecond))

		const n = 50
		handles := make([]*Handle, n)
		for i := range handles {
			h, err := b.Register()
			require.NoError(t, err)
			handles[i] = h
		}

		for i := 0; i < n; i += 2 {
			require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply(handles[i].ID(), "")))
		}

		for i, h := range handles {
			_, err := b.Await(context.Background(), h)
			if i%2 == 0 {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrTimeout)
			}
		}

		assert.Equal(t, 0, b.PendingCount())
	})
}

func TestHandleInbound(t *testing.T) {
	t.Run("malformed messages never resolve a request", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, _, subscriber := newTestBridge(t, WithMetrics(metrics))

		h, err := b.Register()
		require.NoError(t, err)

		payloads := []string{
			`not json`,
			`null`,
			`[1,2,3]`,
			`"just a string"`,
			`{}`,
			`{"id":42}`,
			`{"id":""}`,
			`{"other":"` + h.ID() + `"}`,
		}
		for _, p := range payloads {
			err := subscriber.deliver(DefaultInboundTopic, p)
			assert.ErrorIs(t, err, ErrMalformedReply, p)
		}

		assert.True(t, b.IsPending(h.ID()))
		assert.Equal(t, len(payloads), metrics.drops(DropMalformed))

		// The consumer keeps working after malformed input
		require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply(h.ID(), "")))
		_, err = b.Await(context.Background(), h)
		assert.NoError(t, err)
	})

	t.Run("unknown ids are dropped", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, _, subscriber := newTestBridge(t, WithMetrics(metrics))

		require.NoError(t, subscriber.deliver(DefaultInboundTopic, reply("nobody-waits", "")))
		assert.Equal(t, 1, metrics.drops(DropUnmatched))
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("custom id field", func(t *testing.T) {
		b, _, subscriber := newTestBridge(t, WithIDField("correlationId"))

		h, err := b.Register()
		require.NoError(t, err)

		err = subscriber.deliver(DefaultInboundTopic, reply(h.ID(), ""))
		assert.ErrorIs(t, err, ErrMalformedReply)

		require.NoError(t, subscriber.deliver(DefaultInboundTopic, fmt.Sprintf(`{"correlationId":%q}`, h.ID())))
		_, err = b.Await(context.Background(), h)
		assert.NoError(t, err)
	})
}

func TestRequest(t *testing.T) {
	t.Run("Request publishes fields with the correlation id", func(t *testing.T) {
		b, publisher, subscriber := newTestBridge(t)

		var published map[string]any
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).
			Run(func(args mock.Arguments) {
				require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &published))
				id := published["id"].(string)
				go func() {
					time.Sleep(10 * time.Millisecond)
					subscriber.deliver(DefaultInboundTopic, reply(id, `"status":"ready"`))
				}()
			}).
			Return(nil)

		r, err := b.Request(context.Background(), "/get-status", map[string]any{"type": "get-status"})
		require.NoError(t, err)

		assert.Equal(t, "get-status", published["type"])
		assert.Equal(t, r.CorrelationID, published["id"])
		assert.JSONEq(t, reply(r.CorrelationID, `"status":"ready"`), string(r.Payload))
		assert.Equal(t, 0, b.PendingCount())
		publisher.AssertExpectations(t)
	})

	t.Run("Request does not mutate caller fields", func(t *testing.T) {
		b, publisher, _ := newTestBridge(t)
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).Return(nil)

		fields := map[string]any{"type": "get-status"}
		_, err := b.Request(context.Background(), "/get-status", fields, WithTimeout(10*time.Millisecond))
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotContains(t, fields, "id")
	})

	t.Run("Request surfaces publish failures", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, publisher, _ := newTestBridge(t, WithMetrics(metrics))
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).Return(errors.New("broker down"))

		r, err := b.Request(context.Background(), "/get-status", map[string]any{"type": "get-status"})
		assert.Nil(t, r)
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.Contains(t, err.Error(), "broker down")
		assert.Equal(t, 0, b.PendingCount())
		assert.Equal(t, 1, metrics.outcome(OutcomeFailed))
	})

	t.Run("Request retries publishing with policy", func(t *testing.T) {
		b, publisher, subscriber := newTestBridge(t,
			WithBridgeRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
		)

		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).Return(errors.New("transient")).Twice()
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).
			Run(func(args mock.Arguments) {
				var msg map[string]any
				require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &msg))
				go subscriber.deliver(DefaultInboundTopic, reply(msg["id"].(string), ""))
			}).
			Return(nil).Once()

		_, err := b.Request(context.Background(), "/get-status", map[string]any{"type": "get-status"})
		require.NoError(t, err)
		publisher.AssertNumberOfCalls(t, "Publish", 3)
	})

	t.Run("Request is blocked by an open circuit", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Minute))
		b, publisher, _ := newTestBridge(t, WithBridgeCircuitBreaker(cb))
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).Return(errors.New("broker down")).Once()

		_, err := b.Request(context.Background(), "/get-status", map[string]any{"type": "get-status"})
		assert.ErrorIs(t, err, ErrPublishFailed)

		_, err = b.Request(context.Background(), "/get-status", map[string]any{"type": "get-status"})
		var cbErr *reliability.CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		publisher.AssertNumberOfCalls(t, "Publish", 1)
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("caller leaving during publish is a cancellation", func(t *testing.T) {
		metrics := newCountingMetrics()
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(3), reliability.WithTimeout(time.Minute))
		b, publisher, _ := newTestBridge(t, WithBridgeCircuitBreaker(cb), WithMetrics(metrics))
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(context.DeadlineExceeded)

		for i := 0; i < 3; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			_, err := b.Request(ctx, "/get-status", map[string]any{"type": "get-status"})
			cancel()
			assert.ErrorIs(t, err, ErrCancelled)
			assert.NotErrorIs(t, err, ErrPublishFailed)
		}

		assert.Equal(t, reliability.StateClosed, cb.State())
		assert.Equal(t, 3, metrics.outcome(OutcomeCancelled))
		assert.Equal(t, 0, metrics.outcome(OutcomeFailed))
		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("publish outliving the request deadline is a timeout", func(t *testing.T) {
		metrics := newCountingMetrics()
		b, publisher, _ := newTestBridge(t, WithMetrics(metrics))
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(context.DeadlineExceeded)

		_, err := b.Request(context.Background(), "/get-status", map[string]any{"type": "get-status"},
			WithTimeout(20*time.Millisecond))
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrPublishFailed)
		assert.Equal(t, 1, metrics.outcome(OutcomeTimeout))
		assert.Equal(t, 0, metrics.outcome(OutcomeFailed))
	})

	t.Run("Request honours caller cancellation", func(t *testing.T) {
		b, publisher, _ := newTestBridge(t)
		publisher.On("Publish", mock.Anything, "/get-status", mock.Anything).Return(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := b.Request(ctx, "/get-status", map[string]any{"type": "get-status"})
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, 0, b.PendingCount())
	})
}

func TestClose(t *testing.T) {
	t.Run("Close resolves pending requests and unsubscribes", func(t *testing.T) {
		b, _, subscriber := newTestBridge(t)

		h, err := b.Register()
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := b.Await(context.Background(), h)
			done <- err
		}()

		require.NoError(t, b.Close())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("Await did not return after Close")
		}

		assert.Equal(t, []string{DefaultInboundTopic}, subscriber.unsubscribed)
		assert.Equal(t, 0, b.PendingCount())

		_, err = b.Register()
		assert.ErrorIs(t, err, ErrClosed)

		// Idempotent
		assert.NoError(t, b.Close())
		assert.Len(t, subscriber.unsubscribed, 1)
	})
}

func TestParseCorrelationID(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"string id", `{"id":"abc"}`, "abc", false},
		{"extra fields", `{"id":"abc","status":"ready"}`, "abc", false},
		{"missing field", `{"status":"ready"}`, "", true},
		{"numeric id", `{"id":7}`, "", true},
		{"null id", `{"id":null}`, "", true},
		{"empty id", `{"id":""}`, "", true},
		{"array payload", `[]`, "", true},
		{"invalid json", `{`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCorrelationID([]byte(tt.payload), "id")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedReply)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
