package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlwatch/internal/pubsub"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	channel := pubsub.ChannelName(3)
	require.Equal(t, "crawler_status_3", channel)

	sub, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Messages()
	assert.Equal(t, pubsub.KindSubscribe, first.Kind)

	require.NoError(t, b.Publish(ctx, channel, []byte(`{"type":"x"}`)))
	require.NoError(t, b.Publish(ctx, "crawler_status_4", []byte(`{"type":"y"}`)))

	msg := <-sub.Messages()
	assert.Equal(t, pubsub.Message{Kind: pubsub.KindMessage, Channel: channel, Payload: []byte(`{"type":"x"}`)}, msg)
	assert.Empty(t, sub.Messages())
	assert.Len(t, b.Messages(), 2)
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(WithBufferSize(1))
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	defer sub.Close()

	for range 3 {
		require.NoError(t, b.Publish(ctx, "c", []byte("p")))
	}
	assert.Equal(t, int64(2), b.Dropped())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers("c"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Zero(t, b.Subscribers("c"))

	<-sub.Messages() // subscribe frame
	_, open := <-sub.Messages()
	assert.False(t, open)

	require.NoError(t, b.Publish(ctx, "c", []byte("after close")))
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.NoError(t, sub.Close())

	require.ErrorIs(t, b.Publish(ctx, "c", nil), pubsub.ErrClosed)
	_, err = b.Subscribe(ctx, "c")
	require.ErrorIs(t, err, pubsub.ErrClosed)
	require.ErrorIs(t, b.Ping(ctx), pubsub.ErrClosed)
}

func TestInvalidateClosesChannel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)

	b.Invalidate("c")
	<-sub.Messages()
	_, open := <-sub.Messages()
	assert.False(t, open)
	require.NoError(t, sub.Close())
	require.NoError(t, b.Ping(ctx))
}

func TestPublishHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := New()
	require.ErrorIs(t, b.Publish(ctx, "c", nil), context.Canceled)
	_, err := b.Subscribe(ctx, "c")
	require.ErrorIs(t, err, context.Canceled)
}
