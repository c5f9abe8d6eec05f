// Package status publishes crawl job and crawler state changes onto the
// per-crawler pub/sub channel.
package status

import (
	"slices"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

// CrawlerState summarizes what a crawler needs next.
type CrawlerState string

// Crawler states derived from its jobs.
const (
	ExplorationRunning           CrawlerState = "EXPLORATION_RUNNING"
	ExplorationRequired          CrawlerState = "EXPLORATION_REQUIRED"
	ExplorationRequiredJobFailed CrawlerState = "EXPLORATION_REQUIRED_JOB_FAILED"
	ContentCrawlRunning          CrawlerState = "CONTENT_CRAWL_RUNNING"
	ReadyForContentCrawl         CrawlerState = "READY_FOR_CONTENT_CRAWL"
	ReadyForContentCrawlFailed   CrawlerState = "READY_FOR_CONTENT_CRAWL_JOB_FAILED"
)

// RecalcCrawlerState derives the crawler state from all of its jobs.
//
// An active exploration wins. Without a finished exploration the crawler
// still requires one. After that an active content crawl wins, and otherwise
// the crawler is ready for content, flagged when the newest content job failed.
func RecalcCrawlerState(jobs []store.CrawlJob) CrawlerState {
	var exploration, content []store.CrawlJob
	for _, j := range jobs {
		switch j.CrawlType {
		case store.CrawlTypeContent:
			content = append(content, j)
		default:
			exploration = append(exploration, j)
		}
	}

	if anyState(exploration, store.JobRunning, store.JobPending) {
		return ExplorationRunning
	}
	if !anyState(exploration, store.JobCompleted, store.JobCanceled) {
		if newestFailed(exploration) {
			return ExplorationRequiredJobFailed
		}
		return ExplorationRequired
	}
	if anyState(content, store.JobRunning, store.JobPending) {
		return ContentCrawlRunning
	}
	if newestFailed(content) {
		return ReadyForContentCrawlFailed
	}
	return ReadyForContentCrawl
}

func anyState(jobs []store.CrawlJob, states ...store.JobState) bool {
	return slices.ContainsFunc(jobs, func(j store.CrawlJob) bool {
		return slices.Contains(states, j.State)
	})
}

func newestFailed(jobs []store.CrawlJob) bool {
	if len(jobs) == 0 {
		return false
	}
	newest := slices.MaxFunc(jobs, func(a, b store.CrawlJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return newest.State == store.JobFailed
}
