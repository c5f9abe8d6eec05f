package status

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/event"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/pubsub"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

// JobStore is the slice of the crawl job repository the publisher needs.
type JobStore interface {
	GetCrawlJob(ctx context.Context, id int64) (store.CrawlJob, error)
	UpdateCrawlJobState(ctx context.Context, id int64, state store.JobState) error
	CountCrawledURLs(ctx context.Context, jobID int64) (int, error)
	ListCrawlJobs(ctx context.Context, crawlerID int64) ([]store.CrawlJob, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Publisher formats status events and publishes them to the crawler channel.
type Publisher struct {
	broker pubsub.Publisher
	jobs   JobStore
	clock  Clock
	logger *zap.Logger
}

// New constructs a Publisher. A nil clock uses wall time and a nil logger
// discards output.
func New(broker pubsub.Publisher, jobs JobStore, clock Clock, logger *zap.Logger) *Publisher {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{broker: broker, jobs: jobs, clock: clock, logger: logger}
}

// Publish encodes evt and publishes it on the crawler's channel.
func (p *Publisher) Publish(ctx context.Context, crawlerID int64, evt event.Event) error {
	payload, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Type(), err)
	}
	err = p.broker.Publish(ctx, pubsub.ChannelName(crawlerID), payload)
	metrics.ObservePublish(string(evt.Type()), err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type(), err)
	}
	return nil
}

// Reporter returns a reporter bound to one crawl job.
func (p *Publisher) Reporter(crawlerID, jobID int64) *Reporter {
	return &Reporter{
		pub:       p,
		crawlerID: crawlerID,
		jobID:     jobID,
		logger: p.logger.With(
			zap.Int64("crawler_id", crawlerID),
			zap.Int64("crawl_job_id", jobID),
		),
	}
}

// Reporter publishes state and progress for one crawl job. Failures are
// logged and never returned, so a crawl is not interrupted by a status
// outage. It is safe for concurrent use.
type Reporter struct {
	pub       *Publisher
	crawlerID int64
	jobID     int64
	logger    *zap.Logger
	items     atomic.Int64
}

// ItemsProcessed returns the number of progress ticks reported so far.
func (r *Reporter) ItemsProcessed() int64 { return r.items.Load() }

// PublishState persists state, then publishes the job update followed by the
// recalculated crawler state.
func (r *Reporter) PublishState(ctx context.Context, state store.JobState) {
	r.logger.Info("updating crawl job state", zap.String("state", string(state)))
	if err := r.pub.jobs.UpdateCrawlJobState(ctx, r.jobID, state); err != nil {
		r.logger.Error("persist crawl job state", zap.String("state", string(state)), zap.Error(err))
		return
	}

	r.publish(ctx, r.jobUpdate(ctx, ""))

	jobs, err := r.pub.jobs.ListCrawlJobs(ctx, r.crawlerID)
	if err != nil {
		r.logger.Warn("recalculate crawler state", zap.Error(err))
		return
	}
	r.publish(ctx, event.CrawlerUpdate{
		CrawlerID: r.crawlerID,
		State:     string(RecalcCrawlerState(jobs)),
		Timestamp: event.Timestamp(r.pub.clock.Now()),
	})
}

// PublishProgress counts one processed item and publishes a job update
// carrying currentURL.
func (r *Reporter) PublishProgress(ctx context.Context, currentURL string) {
	r.items.Add(1)
	r.publish(ctx, r.jobUpdate(ctx, currentURL))
}

// jobUpdate reads the stored state and URL count. A missing job is reported
// as UNKNOWN with no URLs.
func (r *Reporter) jobUpdate(ctx context.Context, currentURL string) event.CrawlJobUpdate {
	state := string(store.JobUnknown)
	var count int64
	if job, err := r.pub.jobs.GetCrawlJob(ctx, r.jobID); err == nil {
		state = string(job.State)
		if n, err := r.pub.jobs.CountCrawledURLs(ctx, r.jobID); err == nil {
			count = int64(n)
		} else {
			r.logger.Warn("count crawled urls", zap.Error(err))
		}
	} else {
		r.logger.Warn("read crawl job", zap.Error(err))
	}
	return event.CrawlJobUpdate{
		CrawlerID:      r.crawlerID,
		Job:            event.CrawlJob{ID: r.jobID, State: state, CrawledURLCount: count},
		ItemsProcessed: r.items.Load(),
		CurrentURL:     currentURL,
		Timestamp:      event.Timestamp(r.pub.clock.Now()),
	}
}

func (r *Reporter) publish(ctx context.Context, evt event.Event) {
	if err := r.pub.Publish(ctx, r.crawlerID, evt); err != nil {
		r.logger.Warn("failed to publish status", zap.String("type", string(evt.Type())), zap.Error(err))
		return
	}
	r.logger.Debug("published status", zap.String("type", string(evt.Type())))
}
