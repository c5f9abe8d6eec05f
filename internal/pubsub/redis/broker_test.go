package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/pubsub"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := NewWithClient(client, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func receive(t *testing.T, sub pubsub.Subscription) pubsub.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return pubsub.Message{}
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBroker(t)
	channel := pubsub.ChannelName(11)

	sub, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer sub.Close()

	confirm := receive(t, sub)
	assert.Equal(t, pubsub.KindSubscribe, confirm.Kind)
	assert.Equal(t, channel, confirm.Channel)

	require.NoError(t, b.Publish(ctx, channel, []byte(`{"type":"crawler_update"}`)))

	msg := receive(t, sub)
	assert.Equal(t, pubsub.KindMessage, msg.Kind)
	assert.Equal(t, channel, msg.Channel)
	assert.JSONEq(t, `{"type":"crawler_update"}`, string(msg.Payload))
}

func TestBrokerReceivesExternalPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, mr := newTestBroker(t)

	sub, err := b.Subscribe(ctx, "crawler_status_2")
	require.NoError(t, err)
	defer sub.Close()
	receive(t, sub)

	require.Eventually(t, func() bool {
		return mr.Publish("crawler_status_2", `{"type":"hello"}`) == 1
	}, time.Second, 10*time.Millisecond)

	msg := receive(t, sub)
	assert.Equal(t, []byte(`{"type":"hello"}`), msg.Payload)
}

func TestSubscriptionCloseEndsMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBroker(t)

	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	receive(t, sub)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Messages():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerShutdownInvalidatesSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, mr := newTestBroker(t)

	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	defer sub.Close()
	receive(t, sub)

	mr.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Messages():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, ErrEmptyAddress)

	_, err = New(context.Background(), Config{URL: "://bad"}, nil)
	require.Error(t, err)
}

func TestNewConnectsByURLAndAddr(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	ctx := context.Background()

	byURL, err := New(ctx, Config{URL: "redis://" + mr.Addr() + "/0"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, byURL.Ping(ctx))
	require.NoError(t, byURL.Close())

	byAddr, err := New(ctx, Config{Addr: mr.Addr(), BufferSize: 8}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 8, byAddr.bufferSize)
	require.NoError(t, byAddr.Close())
}
