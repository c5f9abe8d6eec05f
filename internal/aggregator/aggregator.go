// Package aggregator coalesces bursts of status events with a trailing-edge
// debounce bounded by a maximum wait.
//
// Every AddEvent restarts the debounce timer. The max-wait timer is started
// by the first event of a batch and is never extended, so a producer that
// never pauses still sees a flush at least once per max-wait interval. Both
// timers share one flush path: the pending queue is snapshotted and cleared
// under the lock, both timers are cancelled, and the sink runs outside the
// lock in coalesced order.
package aggregator

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/event"
)

// Sink receives coalesced events. It is called synchronously from the flush
// path and must not call Close or Flush on the same Aggregator.
type Sink func(event.Event)

// Trigger names what caused a flush.
type Trigger string

// Flush triggers reported to observers.
const (
	TriggerDebounce Trigger = "debounce"
	TriggerMaxWait  Trigger = "max_wait"
	TriggerManual   Trigger = "manual"
	TriggerClose    Trigger = "close"
)

// Observer receives aggregator activity. Implementations must be cheap and
// safe for concurrent use.
type Observer interface {
	EventAdded()
	Flushed(trigger Trigger, received, delivered int)
	Discarded(n int)
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithPolicy replaces the default keep-latest-per-key policy.
func WithPolicy(p Policy) Option {
	return func(a *Aggregator) {
		if p != nil {
			a.policy = p
		}
	}
}

// WithLogger attaches a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithObserver attaches an activity observer, typically Prometheus-backed.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		a.observer = o
	}
}

// Aggregator is a debounce plus max-wait event coalescer. It is safe for
// concurrent use.
type Aggregator struct {
	debounce time.Duration
	maxWait  time.Duration
	sink     Sink
	policy   Policy
	logger   *zap.Logger
	observer Observer

	// flushMu serializes sink delivery so flushes are observed in the order
	// their snapshots were taken. Lock order is flushMu then mu.
	flushMu sync.Mutex

	mu            sync.Mutex
	pending       []event.Event
	debounceTimer *time.Timer
	debounceGen   uint64
	maxWaitTimer  *time.Timer
	maxWaitGen    uint64
	closed        bool
}

// New returns an Aggregator. Both durations must be positive and sink must
// be non-nil.
func New(debounce, maxWait time.Duration, sink Sink, opts ...Option) (*Aggregator, error) {
	if debounce <= 0 {
		return nil, errors.New("aggregator: debounce must be > 0")
	}
	if maxWait <= 0 {
		return nil, errors.New("aggregator: max wait must be > 0")
	}
	if sink == nil {
		return nil, errors.New("aggregator: sink is required")
	}
	a := &Aggregator{
		debounce: debounce,
		maxWait:  maxWait,
		sink:     sink,
		policy:   DefaultPolicy(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AddEvent queues evt, restarts the debounce timer and starts the max-wait
// timer if none is running. Events added after Close are ignored.
func (a *Aggregator) AddEvent(evt event.Event) {
	if evt == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.pending = append(a.pending, evt)
	a.armDebounceLocked()
	if a.maxWaitTimer == nil {
		a.armMaxWaitLocked()
	}
	if a.observer != nil {
		a.observer.EventAdded()
	}
}

// Pending returns the number of queued, not yet flushed events.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush delivers everything queued right now.
func (a *Aggregator) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked()
	a.mu.Unlock()
	a.deliver(batch, TriggerManual)
}

// Close stops both timers. When flush is true pending events are delivered,
// otherwise they are discarded. Close is idempotent.
func (a *Aggregator) Close(flush bool) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	batch := a.takeLocked()
	a.mu.Unlock()

	if flush {
		a.deliver(batch, TriggerClose)
		return
	}
	if len(batch) > 0 {
		a.logger.Debug("discarding pending events on close", zap.Int("count", len(batch)))
		if a.observer != nil {
			a.observer.Discarded(len(batch))
		}
	}
}

func (a *Aggregator) armDebounceLocked() {
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
	}
	a.debounceGen++
	gen := a.debounceGen
	a.debounceTimer = time.AfterFunc(a.debounce, func() {
		a.fire(TriggerDebounce, gen)
	})
}

func (a *Aggregator) armMaxWaitLocked() {
	a.maxWaitGen++
	gen := a.maxWaitGen
	a.maxWaitTimer = time.AfterFunc(a.maxWait, func() {
		a.fire(TriggerMaxWait, gen)
	})
}

// cancelTimersLocked stops both timers. A callback that already started is
// invalidated by the generation bump and returns without flushing.
func (a *Aggregator) cancelTimersLocked() {
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
		a.debounceTimer = nil
	}
	a.debounceGen++
	if a.maxWaitTimer != nil {
		a.maxWaitTimer.Stop()
		a.maxWaitTimer = nil
	}
	a.maxWaitGen++
}

func (a *Aggregator) takeLocked() []event.Event {
	batch := a.pending
	a.pending = nil
	a.cancelTimersLocked()
	return batch
}

func (a *Aggregator) fire(trigger Trigger, gen uint64) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	current := a.debounceGen
	if trigger == TriggerMaxWait {
		current = a.maxWaitGen
	}
	if a.closed || gen != current {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked()
	a.mu.Unlock()

	delivered := a.deliver(batch, trigger)
	if trigger != TriggerMaxWait || delivered == 0 {
		return
	}

	// Producers that never pause keep getting bounded-latency flushes.
	a.mu.Lock()
	if !a.closed && a.maxWaitTimer == nil {
		a.armMaxWaitLocked()
	}
	a.mu.Unlock()
}

func (a *Aggregator) deliver(batch []event.Event, trigger Trigger) int {
	if len(batch) == 0 {
		return 0
	}
	out := a.policy.Coalesce(batch)
	a.logger.Debug("flushing events",
		zap.String("trigger", string(trigger)),
		zap.Int("received", len(batch)),
		zap.Int("delivered", len(out)),
	)
	for _, evt := range out {
		a.sink(evt)
	}
	if a.observer != nil {
		a.observer.Flushed(trigger, len(batch), len(out))
	}
	return len(out)
}
