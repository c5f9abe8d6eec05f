package aggregator

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlwatch/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) sink(evt event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) values(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, evt := range r.snapshot() {
		g, ok := evt.(event.Generic)
		require.True(t, ok)
		raw, ok := g.Field("value")
		require.True(t, ok)
		var v int
		require.NoError(t, json.Unmarshal(raw, &v))
		out = append(out, v)
	}
	return out
}

func tick(t *testing.T, v int) event.Event {
	t.Helper()
	g, err := event.NewGeneric("tick", map[string]json.RawMessage{
		"value": json.RawMessage(strconv.Itoa(v)),
	})
	require.NoError(t, err)
	return g
}

func jobUpdate(jobID int64, state string) event.Event {
	return event.CrawlJobUpdate{CrawlerID: 1, Job: event.CrawlJob{ID: jobID, State: state}}
}

func newAggregator(t *testing.T, debounce, maxWait time.Duration, rec *recorder, opts ...Option) *Aggregator {
	t.Helper()
	agg, err := New(debounce, maxWait, rec.sink, opts...)
	require.NoError(t, err)
	return agg
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	sink := func(event.Event) {}
	_, err := New(0, time.Second, sink)
	require.Error(t, err)
	_, err = New(time.Second, -1, sink)
	require.Error(t, err)
	_, err = New(time.Second, time.Second, nil)
	require.Error(t, err)

	agg, err := New(time.Second, time.Second, sink)
	require.NoError(t, err)
	agg.Close(false)
}

func TestLastEventWins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 200*time.Millisecond, 600*time.Millisecond, rec)
		defer agg.Close(false)

		for i := range 6 {
			agg.AddEvent(tick(t, i))
			time.Sleep(100 * time.Millisecond)
		}
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, []int{5}, rec.values(t))
	})
}

func TestDebounceThenSecondFlush(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 200*time.Millisecond, time.Second, rec)
		defer agg.Close(false)

		agg.AddEvent(tick(t, 1))
		time.Sleep(100 * time.Millisecond)
		agg.AddEvent(tick(t, 2))
		time.Sleep(100 * time.Millisecond)
		agg.AddEvent(tick(t, 3))
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, []int{3}, rec.values(t))

		agg.AddEvent(tick(t, 4))
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, []int{3, 4}, rec.values(t))
	})
}

func TestMaxWaitCeilingUnderSteadyLoad(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 200*time.Millisecond, 500*time.Millisecond, rec)
		defer agg.Close(false)

		// 101ms keeps arrivals off the exact max-wait deadlines.
		for i := range 10 {
			agg.AddEvent(tick(t, i))
			time.Sleep(101 * time.Millisecond)
		}
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, []int{4, 9}, rec.values(t))
	})
}

func TestDebounceResetsOnEveryEvent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 200*time.Millisecond, 10*time.Second, rec)
		defer agg.Close(false)

		for i := range 5 {
			agg.AddEvent(tick(t, i))
			time.Sleep(150 * time.Millisecond)
			synctest.Wait()
			require.Empty(t, rec.snapshot(), "flushed while events kept arriving")
		}
		// Last event was 150ms ago; the quiet period ends 50ms from now.
		time.Sleep(40 * time.Millisecond)
		synctest.Wait()
		require.Empty(t, rec.snapshot())

		time.Sleep(20 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, []int{4}, rec.values(t))
	})
}

func TestNoDropLivenessWithinMaxWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 50*time.Millisecond, 300*time.Millisecond, rec)
		defer agg.Close(false)

		start := time.Now()
		var firstFlush time.Duration
		for i := 0; firstFlush == 0 && i < 100; i++ {
			agg.AddEvent(tick(t, i))
			time.Sleep(30 * time.Millisecond)
			synctest.Wait()
			if len(rec.snapshot()) > 0 {
				firstFlush = time.Since(start)
			}
		}
		require.NotZero(t, firstFlush)
		assert.LessOrEqual(t, firstFlush, 330*time.Millisecond)
	})
}

func TestCrawlJobsNeverMerge(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 200*time.Millisecond, time.Second, rec)
		defer agg.Close(false)

		agg.AddEvent(jobUpdate(1, "PENDING"))
		agg.AddEvent(jobUpdate(2, "PENDING"))
		agg.AddEvent(jobUpdate(1, "RUNNING"))
		agg.AddEvent(jobUpdate(2, "COMPLETED"))
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, []event.Event{
			jobUpdate(1, "RUNNING"),
			jobUpdate(2, "COMPLETED"),
		}, rec.snapshot())
	})
}

func TestCloseIsIdempotentAndCancelsTimers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 100*time.Millisecond, 300*time.Millisecond, rec)

		agg.AddEvent(tick(t, 1))
		agg.Close(false)
		agg.Close(false)
		agg.Close(true)

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Empty(t, rec.snapshot())

		agg.AddEvent(tick(t, 2))
		assert.Zero(t, agg.Pending())
	})
}

func TestCloseWithFlushDeliversPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 100*time.Millisecond, 300*time.Millisecond, rec)

		agg.AddEvent(tick(t, 1))
		agg.AddEvent(tick(t, 2))
		require.Equal(t, 2, agg.Pending())
		agg.Close(true)
		assert.Equal(t, []int{2}, rec.values(t))

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, []int{2}, rec.values(t), "no timer may fire after close")
	})
}

func TestFlushAfterTimerFiredIsNoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		agg := newAggregator(t, 100*time.Millisecond, 300*time.Millisecond, rec)
		defer agg.Close(false)

		agg.AddEvent(tick(t, 1))
		time.Sleep(150 * time.Millisecond)
		synctest.Wait()
		require.Equal(t, []int{1}, rec.values(t))

		agg.Flush()
		agg.Flush()
		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, []int{1}, rec.values(t))
	})
}

func TestIdleAggregatorStopsRearming(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		obs := &countingObserver{}
		rec := &recorder{}
		agg := newAggregator(t, time.Second, 100*time.Millisecond, rec, WithObserver(obs))

		agg.AddEvent(tick(t, 1))
		time.Sleep(150 * time.Millisecond)
		synctest.Wait()
		require.Equal(t, []int{1}, rec.values(t))

		time.Sleep(5 * time.Second)
		synctest.Wait()
		assert.Equal(t, int64(1), obs.flushes.Load())
		agg.Close(false)
	})
}

func TestObserverCountsActivity(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		obs := &countingObserver{}
		rec := &recorder{}
		agg := newAggregator(t, 100*time.Millisecond, time.Second, rec, WithObserver(obs))

		for i := range 3 {
			agg.AddEvent(tick(t, i))
		}
		time.Sleep(150 * time.Millisecond)
		synctest.Wait()

		agg.AddEvent(tick(t, 9))
		agg.Close(false)

		assert.Equal(t, int64(4), obs.added.Load())
		assert.Equal(t, int64(1), obs.flushes.Load())
		assert.Equal(t, int64(3), obs.received.Load())
		assert.Equal(t, int64(1), obs.delivered.Load())
		assert.Equal(t, int64(1), obs.discarded.Load())
	})
}

func TestConcurrentProducersKeepLatestPerKey(t *testing.T) {
	t.Parallel()

	const producers = 8
	const perProducer = 200

	rec := &recorder{}
	agg := newAggregator(t, 2*time.Millisecond, 10*time.Millisecond, rec)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(job int64) {
			defer wg.Done()
			for i := range perProducer {
				agg.AddEvent(event.CrawlJobUpdate{
					Job:            event.CrawlJob{ID: job},
					ItemsProcessed: int64(i),
				})
			}
		}(int64(p))
	}
	wg.Wait()
	agg.Close(true)

	latest := map[int64]int64{}
	for _, evt := range rec.snapshot() {
		u := evt.(event.CrawlJobUpdate)
		require.GreaterOrEqual(t, u.ItemsProcessed, latest[u.Job.ID], "flushes delivered out of order")
		latest[u.Job.ID] = u.ItemsProcessed
	}
	require.Len(t, latest, producers)
	for job, last := range latest {
		assert.Equal(t, int64(perProducer-1), last, "job %d", job)
	}
}

type countingObserver struct {
	added     atomic.Int64
	flushes   atomic.Int64
	received  atomic.Int64
	delivered atomic.Int64
	discarded atomic.Int64
}

func (o *countingObserver) EventAdded() { o.added.Add(1) }

func (o *countingObserver) Flushed(_ Trigger, received, delivered int) {
	o.flushes.Add(1)
	o.received.Add(int64(received))
	o.delivered.Add(int64(delivered))
}

func (o *countingObserver) Discarded(n int) { o.discarded.Add(int64(n)) }
