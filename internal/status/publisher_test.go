package status

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crawlwatch/internal/event"
	pubsubmemory "github.com/JakeFAU/crawlwatch/internal/pubsub/memory"
	"github.com/JakeFAU/crawlwatch/internal/storage/memory"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var epoch = time.Unix(1700000000, 500_000_000)

func decodeAll(t *testing.T, broker *pubsubmemory.Broker) []event.Event {
	t.Helper()
	var out []event.Event
	for _, msg := range broker.Messages() {
		assert.Equal(t, "crawler_status_7", msg.Channel)
		evt, err := event.Decode(msg.Payload)
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

func TestPublishStatePersistsAndPublishesBoth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	job, err := st.CreateCrawlJob(ctx, store.CrawlJob{CrawlerID: 7, CrawlType: store.CrawlTypeExploration})
	require.NoError(t, err)
	_, err = st.AddCrawledURL(ctx, store.CrawledURL{CrawlJobID: job.ID, URL: "https://a/"})
	require.NoError(t, err)

	broker := pubsubmemory.New()
	pub := New(broker, st, fixedClock{epoch}, zaptest.NewLogger(t))
	rep := pub.Reporter(7, job.ID)

	rep.PublishState(ctx, store.JobRunning)

	stored, err := st.GetCrawlJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, stored.State)

	events := decodeAll(t, broker)
	require.Len(t, events, 2)

	update, ok := events[0].(event.CrawlJobUpdate)
	require.True(t, ok, "got %T", events[0])
	assert.Equal(t, event.CrawlJob{ID: job.ID, State: "RUNNING", CrawledURLCount: 1}, update.Job)
	assert.Empty(t, update.CurrentURL)
	assert.InDelta(t, 1700000000.5, update.Timestamp, 1e-6)

	crawler, ok := events[1].(event.CrawlerUpdate)
	require.True(t, ok, "got %T", events[1])
	assert.Equal(t, string(ExplorationRunning), crawler.State)
	assert.Equal(t, int64(7), crawler.CrawlerID)
}

func TestPublishProgressCountsItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	job, err := st.CreateCrawlJob(ctx, store.CrawlJob{CrawlerID: 7, State: store.JobRunning})
	require.NoError(t, err)

	broker := pubsubmemory.New()
	rep := New(broker, st, fixedClock{epoch}, nil).Reporter(7, job.ID)

	rep.PublishProgress(ctx, "https://a/1")
	rep.PublishProgress(ctx, "https://a/2")
	assert.Equal(t, int64(2), rep.ItemsProcessed())

	events := decodeAll(t, broker)
	require.Len(t, events, 2)
	last := events[1].(event.CrawlJobUpdate)
	assert.Equal(t, "https://a/2", last.CurrentURL)
	assert.Equal(t, int64(2), last.ItemsProcessed)
	assert.Equal(t, "RUNNING", last.Job.State)
}

func TestProgressForMissingJobReportsUnknown(t *testing.T) {
	t.Parallel()

	broker := pubsubmemory.New()
	rep := New(broker, memory.New(), fixedClock{epoch}, nil).Reporter(7, 404)
	rep.PublishProgress(context.Background(), "https://a/")

	events := decodeAll(t, broker)
	require.Len(t, events, 1)
	update := events[0].(event.CrawlJobUpdate)
	assert.Equal(t, event.CrawlJob{ID: 404, State: "UNKNOWN", CrawledURLCount: 0}, update.Job)
}

type failingBroker struct{ calls int }

func (f *failingBroker) Publish(context.Context, string, []byte) error {
	f.calls++
	return errors.New("connection refused")
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.New()
	job, err := st.CreateCrawlJob(ctx, store.CrawlJob{CrawlerID: 7})
	require.NoError(t, err)

	broker := &failingBroker{}
	rep := New(broker, st, nil, zaptest.NewLogger(t)).Reporter(7, job.ID)

	assert.NotPanics(t, func() {
		rep.PublishState(ctx, store.JobCompleted)
		rep.PublishProgress(ctx, "https://a/")
	})
	assert.Equal(t, 3, broker.calls)

	stored, err := st.GetCrawlJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, stored.State)
}

func TestPublishStateStopsWhenPersistFails(t *testing.T) {
	t.Parallel()

	broker := pubsubmemory.New()
	rep := New(broker, memory.New(), nil, nil).Reporter(7, 404)
	rep.PublishState(context.Background(), store.JobRunning)
	assert.Empty(t, broker.Messages())
}

func TestSimulate(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		broker := pubsubmemory.New()
		pub := New(broker, memory.New(), nil, nil)

		start := time.Now()
		err := pub.Simulate(context.Background(), SimulateOptions{CrawlerID: 7, JobID: 1, Count: 5, Interval: 10 * time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, 50*time.Millisecond, time.Since(start))

		events := decodeAll(t, broker)
		require.Len(t, events, 6)
		for i, evt := range events[:5] {
			update := evt.(event.CrawlJobUpdate)
			assert.Equal(t, "RUNNING", update.Job.State)
			assert.Equal(t, int64(i+1), update.ItemsProcessed)
		}
		final := events[5].(event.CrawlJobUpdate)
		assert.Equal(t, "COMPLETED", final.Job.State)
		assert.Equal(t, int64(5), final.Job.CrawledURLCount)
	})
}

func TestSimulateStopsOnCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		defer cancel()

		broker := pubsubmemory.New()
		err := New(broker, memory.New(), nil, nil).Simulate(ctx, SimulateOptions{CrawlerID: 7, JobID: 1, Count: 100, Interval: 10 * time.Millisecond})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, broker.Messages(), 3)
	})
}
