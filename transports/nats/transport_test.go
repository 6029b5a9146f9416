package nats

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"/outbound", "outbound"},
		{"/get-status", "get-status"},
		{"/orders/created", "orders.created"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectFor(tt.topic))
		})
	}
}

func TestNewTransport_Options(t *testing.T) {
	tr := &Transport{}
	for _, opt := range []Option{
		WithName("hub-test"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithConnectTimeout(250 * time.Millisecond),
		WithHandlerTimeout(time.Second),
	} {
		opt(tr)
	}

	assert.Equal(t, "hub-test", tr.name)
	assert.Equal(t, 3, tr.maxReconnects)
	assert.Equal(t, time.Second, tr.reconnectWait)
	assert.Equal(t, 250*time.Millisecond, tr.connectTimeout)
	assert.Len(t, tr.connectionOptions(), 8)
}

func TestNewTransport_Unreachable(t *testing.T) {
	_, err := NewTransport(context.Background(), "nats://127.0.0.1:1",
		WithConnectTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestNewTransport_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTransport(ctx, "nats://10.255.255.1:4222", WithConnectTimeout(time.Second))
	require.Error(t, err)
}

func TestTransport_NotConnected(t *testing.T) {
	tr := &Transport{
		logger: slog.Default(),
		subs:   make(map[string]*nats.Subscription),
	}

	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Publish(context.Background(), "/ping", []byte(`{}`)), ErrNotConnected)

	err := tr.Subscribe(context.Background(), "/outbound", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.Unsubscribe("/outbound"), ErrNotSubscribed)
	assert.NoError(t, tr.Close())
}

func TestTransport_PublishHonoursContext(t *testing.T) {
	tr := &Transport{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, tr.Publish(ctx, "/ping", nil), context.Canceled)
}
