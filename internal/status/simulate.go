package status

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/event"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

// SimulateOptions drives Simulate.
type SimulateOptions struct {
	CrawlerID int64
	JobID     int64
	Count     int
	Interval  time.Duration
}

// Simulate publishes Count fake RUNNING updates spaced by Interval, then one
// COMPLETED update. It exercises stream clients without a real crawl and
// never touches the job store.
func (p *Publisher) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if opts.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	update := func(n int, state store.JobState) event.CrawlJobUpdate {
		return event.CrawlJobUpdate{
			CrawlerID:      opts.CrawlerID,
			Job:            event.CrawlJob{ID: opts.JobID, State: string(state), CrawledURLCount: int64(n)},
			ItemsProcessed: int64(n),
			Timestamp:      event.Timestamp(p.clock.Now()),
		}
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for i := 1; i <= opts.Count; i++ {
		if err := p.Publish(ctx, opts.CrawlerID, update(i, store.JobRunning)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return p.Publish(ctx, opts.CrawlerID, update(opts.Count, store.JobCompleted))
}
