package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a uniqueness violation.
	ErrConflict = errors.New("record already exists")
)

// CrawlType distinguishes link-discovery crawls from content crawls.
type CrawlType string

// Supported crawl types.
const (
	CrawlTypeExploration CrawlType = "EXPLORATION"
	CrawlTypeContent     CrawlType = "CONTENT"
)

// Valid reports whether t is a known crawl type.
func (t CrawlType) Valid() bool {
	return t == CrawlTypeExploration || t == CrawlTypeContent
}

// JobState mirrors the crawl_jobs.state column.
type JobState string

// Crawl job states. JobUnknown is only ever reported, never stored.
const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobCanceled  JobState = "CANCELED"
	JobFailed    JobState = "FAILED"
	JobUnknown   JobState = "UNKNOWN"
)

// Valid reports whether s may be persisted.
func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobCanceled, JobFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the job is queued or running.
func (s JobState) Active() bool {
	return s == JobPending || s == JobRunning
}

// CrawlJob is one crawl run owned by a crawler.
type CrawlJob struct {
	ID          int64
	CrawlerID   int64
	StartURL    string
	FollowLinks bool
	CrawlType   CrawlType
	State       JobState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CrawledURL is a page recorded by a crawl job. URLs flagged NoIndex are kept
// but excluded from filtering.
type CrawledURL struct {
	ID         int64
	CrawlJobID int64
	URL        string
	NoIndex    bool
	CreatedAt  time.Time
}

// FilterSet owns an ordered list of rules evaluated against one crawl job.
type FilterSet struct {
	ID            int64
	CrawlJobID    int64
	Name          string
	RemainingURLs int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FilterRule is a URL prefix rule. Positions are unique and dense within a set.
type FilterRule struct {
	ID              int64
	FilterSetID     int64
	Rule            string
	Include         bool
	Position        int
	PageType        string
	Count           int
	CumulativeCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RuleCounts carries evaluation output for one rule.
type RuleCounts struct {
	RuleID          int64
	Count           int
	CumulativeCount int
}

// RulePosition carries a new position for one rule.
type RulePosition struct {
	RuleID   int64
	Position int
}
