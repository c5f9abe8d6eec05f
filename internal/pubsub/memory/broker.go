// Package memory provides an in-process pub/sub broker for single-binary runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawlwatch/internal/pubsub"
)

const defaultBufferSize = 256

// Published records one Publish call.
type Published struct {
	Channel string
	Payload []byte
}

// Broker fans published payloads out to live subscribers. Publishers never
// block: a subscriber whose buffer is full misses the message.
type Broker struct {
	mu         sync.Mutex
	subs       map[string]map[*subscription]struct{}
	published  []Published
	bufferSize int
	closed     bool
	dropped    atomic.Int64
}

// Option customizes a Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:       make(map[string]map[*subscription]struct{}),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records the payload and delivers it to current subscribers.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	data := append([]byte(nil), payload...)
	b.published = append(b.published, Published{Channel: channel, Payload: data})
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- pubsub.Message{Kind: pubsub.KindMessage, Channel: channel, Payload: data}:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. A subscribe control frame is queued first.
func (b *Broker) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe canceled: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}
	sub := &subscription{
		broker:  b,
		channel: channel,
		ch:      make(chan pubsub.Message, b.bufferSize+1),
	}
	sub.ch <- pubsub.Message{Kind: pubsub.KindSubscribe, Channel: channel}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Ping reports whether the broker is open.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	return nil
}

// Close ends every subscription. It is safe to call more than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, channel)
	}
	return nil
}

// Messages returns a copy of everything published so far.
func (b *Broker) Messages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[sub.channel]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.channel)
	}
	close(sub.ch)
}

type subscription struct {
	broker    *Broker
	channel   string
	ch        chan pubsub.Message
	closeOnce sync.Once
}

func (s *subscription) Messages() <-chan pubsub.Message {
	return s.ch
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.broker.remove(s)
	})
	return nil
}

// Invalidate ends every subscription on channel without closing the broker,
// as a transport failure would.
func (b *Broker) Invalidate(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[channel] {
		close(sub.ch)
	}
	delete(b.subs, channel)
}
