package store

import "context"

// CrawlJobRepository persists crawl jobs and the URLs they discover.
type CrawlJobRepository interface {
	// CreateCrawlJob assigns an id and timestamps and returns the stored job.
	CreateCrawlJob(ctx context.Context, job CrawlJob) (CrawlJob, error)
	// GetCrawlJob loads one job or returns ErrNotFound.
	GetCrawlJob(ctx context.Context, id int64) (CrawlJob, error)
	// ListCrawlJobs returns a crawler's jobs oldest first.
	ListCrawlJobs(ctx context.Context, crawlerID int64) ([]CrawlJob, error)
	// UpdateCrawlJobState sets the state and bumps updated_at.
	UpdateCrawlJobState(ctx context.Context, id int64, state JobState) error
	// AddCrawledURL records a URL once per job; duplicates return ErrConflict.
	AddCrawledURL(ctx context.Context, u CrawledURL) (CrawledURL, error)
	// CountCrawledURLs counts every URL recorded for the job.
	CountCrawledURLs(ctx context.Context, jobID int64) (int, error)
	// ListCrawledURLs returns the job's indexable URLs sorted ascending.
	ListCrawledURLs(ctx context.Context, jobID int64) ([]string, error)
}

// FilterRepository persists filter sets and their rules.
type FilterRepository interface {
	CreateFilterSet(ctx context.Context, set FilterSet) (FilterSet, error)
	GetFilterSet(ctx context.Context, id int64) (FilterSet, error)
	// ListFilterSets returns all sets, or those of one job when crawlJobID > 0.
	ListFilterSets(ctx context.Context, crawlJobID int64) ([]FilterSet, error)
	DeleteFilterSet(ctx context.Context, id int64) error

	CreateFilterRule(ctx context.Context, rule FilterRule) (FilterRule, error)
	GetFilterRule(ctx context.Context, id int64) (FilterRule, error)
	// ListFilterRules returns a set's rules ordered by (position, id).
	ListFilterRules(ctx context.Context, setID int64) ([]FilterRule, error)
	// UpdateFilterRule writes the rule text, include flag and page type.
	UpdateFilterRule(ctx context.Context, rule FilterRule) error
	DeleteFilterRule(ctx context.Context, id int64) error

	// SaveRuleCounts stores evaluation output and the set's remaining count
	// atomically.
	SaveRuleCounts(ctx context.Context, setID int64, counts []RuleCounts, remaining int) error
	// SaveRulePositions stores new positions atomically.
	SaveRulePositions(ctx context.Context, positions []RulePosition) error
}

// Store bundles every repository with lifecycle hooks.
type Store interface {
	CrawlJobRepository
	FilterRepository
	Ping(ctx context.Context) error
	Close()
}
