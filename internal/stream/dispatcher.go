// Package stream serves a crawler's status channel to one client as a
// sequence of Server-Sent-Events frames, coalescing bursts on the way.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/aggregator"
	"github.com/JakeFAU/crawlwatch/internal/event"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/pubsub"
)

// ErrSubscriptionClosed is returned when the broker ends a subscription.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Config tunes every stream a Dispatcher serves.
type Config struct {
	Debounce time.Duration
	MaxWait  time.Duration
	// Heartbeat writes an SSE comment frame at this interval. Zero disables it.
	Heartbeat time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{Debounce: 200 * time.Millisecond, MaxWait: time.Second}
}

// FrameWriter delivers one complete frame to the client.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Dispatcher opens one subscription and one aggregator per client.
type Dispatcher struct {
	subscriber pubsub.Subscriber
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New validates cfg and returns a Dispatcher.
func New(subscriber pubsub.Subscriber, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if subscriber == nil {
		return nil, errors.New("subscriber is required")
	}
	if cfg.Debounce <= 0 || cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("debounce and max wait must be positive (got %s, %s)", cfg.Debounce, cfg.MaxWait)
	}
	if cfg.Heartbeat < 0 {
		return nil, fmt.Errorf("heartbeat must not be negative")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{subscriber: subscriber, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Stream writes a hello frame and then coalesced status events for crawlerID
// until ctx ends, the client write fails or the subscription goes away. The
// last case writes a terminal error frame. Pending events are discarded on
// return.
func (d *Dispatcher) Stream(ctx context.Context, crawlerID int64, w FrameWriter) error {
	metrics.StreamOpened()
	defer metrics.StreamClosed()

	channel := pubsub.ChannelName(crawlerID)
	logger := d.logger.With(
		zap.String("stream_id", uuid.NewString()),
		zap.Int64("crawler_id", crawlerID),
		zap.String("channel", channel),
	)
	logger.Info("status stream opened")
	defer logger.Info("status stream closed")

	if err := d.write(w, "hello", event.Hello{CrawlerID: crawlerID, Timestamp: event.Timestamp(d.now())}); err != nil {
		return err
	}

	sub, err := d.subscriber.Subscribe(ctx, channel)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("subscribe failed", zap.Error(err))
		d.fail(w, logger, "subscription failed")
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Warn("close subscription", zap.Error(err))
		}
	}()

	queue := newFrameQueue()
	agg, err := aggregator.New(d.cfg.Debounce, d.cfg.MaxWait, func(evt event.Event) {
		frame, err := encodeFrame(evt)
		if err != nil {
			logger.Warn("encode coalesced event", zap.Error(err))
			return
		}
		queue.push(frame)
	},
		aggregator.WithLogger(logger),
		aggregator.WithObserver(metrics.NewAggregatorObserver()),
	)
	if err != nil {
		return fmt.Errorf("build aggregator: %w", err)
	}
	defer agg.Close(false)

	var heartbeat <-chan time.Time
	if d.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(d.cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	messages := sub.Messages()
	for {
		// Coalesced frames go out before the next message is read.
		select {
		case <-queue.notify:
			if err := d.drain(queue, w); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-queue.notify:
			if err := d.drain(queue, w); err != nil {
				return err
			}
		case <-heartbeat:
			if err := w.WriteFrame(heartbeatFrame); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			metrics.ObserveFrame("heartbeat")
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("subscription invalidated")
				d.fail(w, logger, "subscription closed")
				return ErrSubscriptionClosed
			}
			d.accept(logger, agg, msg)
		}
	}
}

func (d *Dispatcher) accept(logger *zap.Logger, agg *aggregator.Aggregator, msg pubsub.Message) {
	if msg.Kind != pubsub.KindMessage {
		metrics.ObserveStreamMessage("control")
		logger.Debug("ignoring control frame", zap.String("kind", string(msg.Kind)))
		return
	}
	evt, err := event.Decode(msg.Payload)
	if err != nil {
		metrics.ObserveStreamMessage("undecodable")
		logger.Warn("skipping undecodable status message", zap.Error(err))
		return
	}
	metrics.ObserveStreamMessage("accepted")
	agg.AddEvent(evt)
}

func (d *Dispatcher) drain(queue *frameQueue, w FrameWriter) error {
	for _, frame := range queue.take() {
		if err := w.WriteFrame(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		metrics.ObserveFrame("event")
	}
	return nil
}

func (d *Dispatcher) write(w FrameWriter, kind string, evt event.Event) error {
	frame, err := encodeFrame(evt)
	if err != nil {
		return err
	}
	if err := w.WriteFrame(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	metrics.ObserveFrame(kind)
	return nil
}

// fail writes the terminal error frame. The client may already be gone.
func (d *Dispatcher) fail(w FrameWriter, logger *zap.Logger, message string) {
	err := d.write(w, "error", event.Error{Message: message, Timestamp: event.Timestamp(d.now())})
	if err != nil {
		logger.Debug("write error frame", zap.Error(err))
	}
}

// frameQueue hands frames from aggregator timer goroutines to the stream
// loop. notify holds at most one pending wakeup.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) take() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}
