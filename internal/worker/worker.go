// Package worker drains the crawl job queue with a fixed pool of workers.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/crawler"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

// JobLoader fetches the job a queue item points at.
type JobLoader interface {
	GetCrawlJob(ctx context.Context, id int64) (store.CrawlJob, error)
}

// Runner executes one crawl job and reports its terminal state.
type Runner interface {
	Run(ctx context.Context, job store.CrawlJob) (store.JobState, error)
}

// Worker consumes queue items and hands PENDING jobs to the runner.
type Worker struct {
	id     int
	queue  crawler.Queue
	jobs   JobLoader
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, jobs JobLoader, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		jobs:   jobs,
		runner: runner,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.Int64("crawl_job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.Int64("crawl_job_id", item.JobID))
	job, err := w.jobs.GetCrawlJob(ctx, item.JobID)
	if err != nil {
		logger.Error("load queued job", zap.Error(err))
		return
	}
	if job.State != store.JobPending {
		logger.Info("skipping job that is no longer pending", zap.String("state", string(job.State)))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	state, err := w.runner.Run(ctx, job)
	if err != nil {
		logger.Warn("crawl job did not start", zap.Error(err))
		return
	}
	logger.Debug("crawl job done", zap.String("state", string(state)))
}
