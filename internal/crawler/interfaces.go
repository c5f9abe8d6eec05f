package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

// URLRecorder persists the pages a job discovers.
type URLRecorder interface {
	AddCrawledURL(ctx context.Context, u store.CrawledURL) (store.CrawledURL, error)
}

// Reporter announces job progress. Implementations swallow their own errors.
type Reporter interface {
	PublishState(ctx context.Context, state store.JobState)
	PublishProgress(ctx context.Context, currentURL string)
}

// ReporterFactory binds a Reporter to one crawl job.
type ReporterFactory func(crawlerID, jobID int64) Reporter

// ErrQueueClosed is returned by queues that will never yield another item.
var ErrQueueClosed = errors.New("queue closed")

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem points at a persisted crawl job waiting to run.
type QueueItem struct {
	JobID     int64
	Submitted time.Time
}
