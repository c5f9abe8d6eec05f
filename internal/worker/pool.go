package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/crawler"
)

// Pool fans queue work out to a fixed set of workers.
type Pool struct {
	queue   crawler.Queue
	workers []*Worker
	now     func() time.Time
}

// NewPool builds size workers sharing queue.
func NewPool(queue crawler.Queue, jobs JobLoader, runner Runner, size int, logger *zap.Logger) *Pool {
	workers := make([]*Worker, 0, size)
	for i := range size {
		workers = append(workers, New(i+1, queue, jobs, runner, logger))
	}
	return &Pool{queue: queue, workers: workers, now: time.Now}
}

// Run starts all workers and blocks until every one has returned.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
	return nil
}

// Submit queues a persisted job for execution.
func (p *Pool) Submit(ctx context.Context, jobID int64) error {
	if err := p.queue.Enqueue(ctx, crawler.QueueItem{JobID: jobID, Submitted: p.now()}); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
