// Package pubsub declares the transport used to fan crawler status events out
// from crawl workers to streaming clients. Delivery is at-most-once with no
// replay; subscribers only see messages published while they are subscribed.
package pubsub

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("pubsub: broker closed")

// Kind classifies frames delivered on a subscription.
type Kind string

// Frame kinds. Only KindMessage carries a payload; the rest are control frames.
const (
	KindMessage     Kind = "message"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
)

// Message is one frame received on a subscription.
type Message struct {
	Kind    Kind
	Channel string
	Payload []byte
}

// Publisher sends payloads to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is a live subscription to one channel.
type Subscription interface {
	// Messages is closed when the subscription ends or is invalidated.
	Messages() <-chan Message
	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Broker is a full pub/sub transport.
type Broker interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// ChannelName returns the status channel for a crawler.
func ChannelName(crawlerID int64) string {
	return fmt.Sprintf("crawler_status_%d", crawlerID)
}
