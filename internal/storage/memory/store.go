// Package memory provides an in-memory store for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

// Store implements store.Store with maps guarded by one RWMutex. Every read
// returns copies.
type Store struct {
	mu     sync.RWMutex
	now    func() time.Time
	nextID int64

	jobs  map[int64]store.CrawlJob
	urls  map[int64][]store.CrawledURL
	sets  map[int64]store.FilterSet
	rules map[int64]store.FilterRule
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		now:   func() time.Time { return time.Now().UTC() },
		jobs:  make(map[int64]store.CrawlJob),
		urls:  make(map[int64][]store.CrawledURL),
		sets:  make(map[int64]store.FilterSet),
		rules: make(map[int64]store.FilterRule),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// CreateCrawlJob stores a new job. An empty state defaults to PENDING.
func (s *Store) CreateCrawlJob(_ context.Context, job store.CrawlJob) (store.CrawlJob, error) {
	if job.State == "" {
		job.State = store.JobPending
	}
	if !job.State.Valid() {
		return store.CrawlJob{}, fmt.Errorf("invalid job state %q", job.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	job.ID = s.id()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return job, nil
}

// GetCrawlJob fetches a job by ID.
func (s *Store) GetCrawlJob(_ context.Context, id int64) (store.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.CrawlJob{}, store.ErrNotFound
	}
	return job, nil
}

// ListCrawlJobs returns a crawler's jobs oldest first.
func (s *Store) ListCrawlJobs(_ context.Context, crawlerID int64) ([]store.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CrawlJob
	for _, job := range s.jobs {
		if job.CrawlerID == crawlerID {
			out = append(out, job)
		}
	}
	slices.SortFunc(out, func(a, b store.CrawlJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpdateCrawlJobState sets the job state.
func (s *Store) UpdateCrawlJobState(_ context.Context, id int64, state store.JobState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid job state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.State = state
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

// AddCrawledURL records a URL for a job.
func (s *Store) AddCrawledURL(_ context.Context, u store.CrawledURL) (store.CrawledURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[u.CrawlJobID]; !ok {
		return store.CrawledURL{}, store.ErrNotFound
	}
	for _, existing := range s.urls[u.CrawlJobID] {
		if existing.URL == u.URL {
			return store.CrawledURL{}, store.ErrConflict
		}
	}
	u.ID = s.id()
	u.CreatedAt = s.now()
	s.urls[u.CrawlJobID] = append(s.urls[u.CrawlJobID], u)
	return u, nil
}

// CountCrawledURLs counts every URL of the job, including noindex ones.
func (s *Store) CountCrawledURLs(_ context.Context, jobID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.urls[jobID]), nil
}

// ListCrawledURLs returns the job's indexable URLs sorted ascending.
func (s *Store) ListCrawledURLs(_ context.Context, jobID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.urls[jobID]))
	for _, u := range s.urls[jobID] {
		if !u.NoIndex {
			out = append(out, u.URL)
		}
	}
	slices.Sort(out)
	return out, nil
}

// CreateFilterSet stores a new filter set.
func (s *Store) CreateFilterSet(_ context.Context, set store.FilterSet) (store.FilterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[set.CrawlJobID]; !ok {
		return store.FilterSet{}, store.ErrNotFound
	}
	now := s.now()
	set.ID = s.id()
	set.CreatedAt = now
	set.UpdatedAt = now
	s.sets[set.ID] = set
	return set, nil
}

// GetFilterSet fetches a filter set by ID.
func (s *Store) GetFilterSet(_ context.Context, id int64) (store.FilterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[id]
	if !ok {
		return store.FilterSet{}, store.ErrNotFound
	}
	return set, nil
}

// ListFilterSets returns sets ordered by ID, optionally scoped to one job.
func (s *Store) ListFilterSets(_ context.Context, crawlJobID int64) ([]store.FilterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.FilterSet
	for _, set := range s.sets {
		if crawlJobID > 0 && set.CrawlJobID != crawlJobID {
			continue
		}
		out = append(out, set)
	}
	slices.SortFunc(out, func(a, b store.FilterSet) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DeleteFilterSet removes a set and its rules.
func (s *Store) DeleteFilterSet(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sets, id)
	for ruleID, rule := range s.rules {
		if rule.FilterSetID == id {
			delete(s.rules, ruleID)
		}
	}
	return nil
}

// CreateFilterRule stores a new rule with the position it carries.
func (s *Store) CreateFilterRule(_ context.Context, rule store.FilterRule) (store.FilterRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[rule.FilterSetID]; !ok {
		return store.FilterRule{}, store.ErrNotFound
	}
	now := s.now()
	rule.ID = s.id()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return rule, nil
}

// GetFilterRule fetches a rule by ID.
func (s *Store) GetFilterRule(_ context.Context, id int64) (store.FilterRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return store.FilterRule{}, store.ErrNotFound
	}
	return rule, nil
}

// ListFilterRules returns a set's rules ordered by (position, id).
func (s *Store) ListFilterRules(_ context.Context, setID int64) ([]store.FilterRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sets[setID]; !ok {
		return nil, store.ErrNotFound
	}
	var out []store.FilterRule
	for _, rule := range s.rules {
		if rule.FilterSetID == setID {
			out = append(out, rule)
		}
	}
	slices.SortFunc(out, func(a, b store.FilterRule) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpdateFilterRule writes the editable rule fields.
func (s *Store) UpdateFilterRule(_ context.Context, rule store.FilterRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Rule = rule.Rule
	existing.Include = rule.Include
	existing.PageType = rule.PageType
	existing.UpdatedAt = s.now()
	s.rules[rule.ID] = existing
	return nil
}

// DeleteFilterRule removes one rule. Remaining positions are left untouched.
func (s *Store) DeleteFilterRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// SaveRuleCounts stores evaluation output for a set.
func (s *Store) SaveRuleCounts(_ context.Context, setID int64, counts []store.RuleCounts, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[setID]
	if !ok {
		return store.ErrNotFound
	}
	for _, c := range counts {
		if rule, ok := s.rules[c.RuleID]; !ok || rule.FilterSetID != setID {
			return fmt.Errorf("rule %d: %w", c.RuleID, store.ErrNotFound)
		}
	}
	now := s.now()
	for _, c := range counts {
		rule := s.rules[c.RuleID]
		rule.Count = c.Count
		rule.CumulativeCount = c.CumulativeCount
		rule.UpdatedAt = now
		s.rules[c.RuleID] = rule
	}
	set.RemainingURLs = remaining
	set.UpdatedAt = now
	s.sets[setID] = set
	return nil
}

// SaveRulePositions stores new rule positions.
func (s *Store) SaveRulePositions(_ context.Context, positions []store.RulePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		if _, ok := s.rules[p.RuleID]; !ok {
			return fmt.Errorf("rule %d: %w", p.RuleID, store.ErrNotFound)
		}
	}
	now := s.now()
	for _, p := range positions {
		rule := s.rules[p.RuleID]
		rule.Position = p.Position
		rule.UpdatedAt = now
		s.rules[p.RuleID] = rule
	}
	return nil
}
