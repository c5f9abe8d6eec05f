// Package redis implements the pub/sub transport on Redis PUBLISH/SUBSCRIBE.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/pubsub"
)

// ErrEmptyAddress is returned when neither a URL nor an address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

const (
	connectionTimeout = 5 * time.Second
	defaultBufferSize = 256
)

// Config holds Redis connection settings. URL takes precedence over Addr.
type Config struct {
	URL        string
	Addr       string
	Password   string
	DB         int
	BufferSize int
}

// Broker publishes and subscribes through a go-redis client.
type Broker struct {
	client     *goredis.Client
	logger     *zap.Logger
	bufferSize int
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	b := NewWithClient(client, logger)
	if cfg.BufferSize > 0 {
		b.bufferSize = cfg.BufferSize
	}
	return b, nil
}

// NewWithClient wraps an existing client (primarily for tests).
func NewWithClient(client *goredis.Client, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, logger: logger, bufferSize: defaultBufferSize}
}

func clientOptions(cfg Config) (*goredis.Options, error) {
	if cfg.URL != "" {
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	return &goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// Publish sends payload on channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated subscription connection and waits for the
// server to confirm it. The confirmation is delivered as the first frame.
func (b *Broker) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	confirm, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		ps:     ps,
		out:    make(chan pubsub.Message, b.bufferSize+1),
		cancel: cancel,
	}
	if msg, ok := convert(confirm); ok {
		sub.out <- msg
	}
	go sub.forward(recvCtx, b.logger.With(zap.String("channel", channel)))
	return sub, nil
}

// Ping checks the connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client and every subscription connection it owns.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

type subscription struct {
	ps        *goredis.PubSub
	out       chan pubsub.Message
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Messages() <-chan pubsub.Message {
	return s.out
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.ps.Close(); err != nil {
			s.closeErr = fmt.Errorf("redis unsubscribe: %w", err)
		}
	})
	return s.closeErr
}

// forward copies frames from the connection until it fails or is closed.
// Receive errors end the subscription; callers treat a closed Messages
// channel as an invalidated subscription.
func (s *subscription) forward(ctx context.Context, logger *zap.Logger) {
	defer close(s.out)
	for {
		raw, err := s.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("redis subscription ended", zap.Error(err))
			}
			return
		}
		msg, ok := convert(raw)
		if !ok {
			continue
		}
		select {
		case s.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func convert(raw any) (pubsub.Message, bool) {
	switch m := raw.(type) {
	case *goredis.Message:
		return pubsub.Message{Kind: pubsub.KindMessage, Channel: m.Channel, Payload: []byte(m.Payload)}, true
	case *goredis.Subscription:
		return pubsub.Message{Kind: pubsub.Kind(m.Kind), Channel: m.Channel}, true
	default:
		return pubsub.Message{}, false
	}
}
