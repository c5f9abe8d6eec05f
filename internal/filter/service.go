package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

// DefaultUnmatchedLimit caps the unmatched URL sample.
const DefaultUnmatchedLimit = 30

// ErrInvalid marks a request the caller must fix.
var ErrInvalid = errors.New("invalid filter request")

// RuleUpdate carries the editable fields of a rule. Nil fields are left alone.
type RuleUpdate struct {
	Rule     *string
	Include  *bool
	PageType *string
	Position *int
}

// UnmatchedReport lists a sample of URLs no rule claims.
type UnmatchedReport struct {
	IsComplete    bool     `json:"is_complete"`
	TotalCount    int      `json:"total_count"`
	UnmatchedURLs []string `json:"unmatched_urls"`
}

// MatchReport splits the URLs a rule matches by whether it claims them.
type MatchReport struct {
	NewMatches   []string `json:"new_matches"`
	OtherMatches []string `json:"other_matches"`
}

// Service applies rule changes and keeps stored counts and positions current.
type Service struct {
	jobs    store.CrawlJobRepository
	filters store.FilterRepository
	logger  *zap.Logger

	// mu serializes mutations so positions stay dense.
	mu sync.Mutex
}

// NewService wires a Service.
func NewService(jobs store.CrawlJobRepository, filters store.FilterRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{jobs: jobs, filters: filters, logger: logger}
}

// CreateSet stores a filter set for an existing crawl job.
func (s *Service) CreateSet(ctx context.Context, set store.FilterSet) (store.FilterSet, error) {
	if strings.TrimSpace(set.Name) == "" {
		return store.FilterSet{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if _, err := s.jobs.GetCrawlJob(ctx, set.CrawlJobID); err != nil {
		return store.FilterSet{}, fmt.Errorf("load crawl job %d: %w", set.CrawlJobID, err)
	}
	created, err := s.filters.CreateFilterSet(ctx, set)
	if err != nil {
		return store.FilterSet{}, err
	}
	if _, err := s.Evaluate(ctx, created.ID); err != nil {
		return store.FilterSet{}, err
	}
	return s.filters.GetFilterSet(ctx, created.ID)
}

// CreateRule appends a rule to its set and re-evaluates the set.
func (s *Service) CreateRule(ctx context.Context, rule store.FilterRule) (store.FilterRule, error) {
	if rule.Rule == "" {
		return store.FilterRule{}, fmt.Errorf("%w: rule prefix is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.filters.ListFilterRules(ctx, rule.FilterSetID)
	if err != nil {
		return store.FilterRule{}, fmt.Errorf("list rules of set %d: %w", rule.FilterSetID, err)
	}
	requested := rule.Position
	rule.Position = NextPosition(rules)
	created, err := s.filters.CreateFilterRule(ctx, rule)
	if err != nil {
		return store.FilterRule{}, err
	}
	s.logger.Info("filter rule created",
		zap.Int64("filter_set_id", created.FilterSetID),
		zap.Int64("rule_id", created.ID),
		zap.Int("position", created.Position),
	)
	if requested > 0 && requested != created.Position {
		if err := s.moveLocked(ctx, created.FilterSetID, created.ID, requested); err != nil {
			return store.FilterRule{}, err
		}
	}
	if _, err := s.evaluateLocked(ctx, created.FilterSetID); err != nil {
		return store.FilterRule{}, err
	}
	return s.filters.GetFilterRule(ctx, created.ID)
}

// UpdateRule applies the given fields, moves the rule when a position is
// given and re-evaluates the set.
func (s *Service) UpdateRule(ctx context.Context, id int64, update RuleUpdate) (store.FilterRule, error) {
	if update.Rule != nil && *update.Rule == "" {
		return store.FilterRule{}, fmt.Errorf("%w: rule prefix must not be empty", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, err := s.filters.GetFilterRule(ctx, id)
	if err != nil {
		return store.FilterRule{}, err
	}
	if update.Rule != nil {
		rule.Rule = *update.Rule
	}
	if update.Include != nil {
		rule.Include = *update.Include
	}
	if update.PageType != nil {
		rule.PageType = *update.PageType
	}
	if err := s.filters.UpdateFilterRule(ctx, rule); err != nil {
		return store.FilterRule{}, err
	}
	// MoveTo is a no-op on a dense set, so naming the current position still
	// repairs duplicate positions.
	if update.Position != nil {
		if err := s.moveLocked(ctx, rule.FilterSetID, rule.ID, *update.Position); err != nil {
			return store.FilterRule{}, err
		}
	}
	if _, err := s.evaluateLocked(ctx, rule.FilterSetID); err != nil {
		return store.FilterRule{}, err
	}
	return s.filters.GetFilterRule(ctx, id)
}

// MoveRule moves a rule to position and re-evaluates the set.
func (s *Service) MoveRule(ctx context.Context, id int64, position int) (store.FilterRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, err := s.filters.GetFilterRule(ctx, id)
	if err != nil {
		return store.FilterRule{}, err
	}
	if err := s.moveLocked(ctx, rule.FilterSetID, id, position); err != nil {
		return store.FilterRule{}, err
	}
	if _, err := s.evaluateLocked(ctx, rule.FilterSetID); err != nil {
		return store.FilterRule{}, err
	}
	return s.filters.GetFilterRule(ctx, id)
}

// DeleteRule removes a rule, closes the gap it leaves and re-evaluates.
func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, err := s.filters.GetFilterRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.filters.DeleteFilterRule(ctx, id); err != nil {
		return err
	}
	rules, err := s.filters.ListFilterRules(ctx, rule.FilterSetID)
	if err != nil {
		return fmt.Errorf("list rules of set %d: %w", rule.FilterSetID, err)
	}
	if changed := renumberChanges(rules); len(changed) > 0 {
		if err := s.filters.SaveRulePositions(ctx, positionsOf(changed)); err != nil {
			return fmt.Errorf("renumber set %d: %w", rule.FilterSetID, err)
		}
	}
	_, err = s.evaluateLocked(ctx, rule.FilterSetID)
	return err
}

// Evaluate recomputes and stores the counts of a set.
func (s *Service) Evaluate(ctx context.Context, setID int64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateLocked(ctx, setID)
}

// Unmatched returns up to limit URLs no rule of the set claims. A limit of
// zero or less uses DefaultUnmatchedLimit.
func (s *Service) Unmatched(ctx context.Context, setID int64, limit int) (UnmatchedReport, error) {
	if limit <= 0 {
		limit = DefaultUnmatchedLimit
	}
	_, rules, urls, err := s.load(ctx, setID)
	if err != nil {
		return UnmatchedReport{}, err
	}
	res := Evaluate(rules, urls)
	sample := res.Unmatched
	if sample == nil {
		sample = []string{}
	}
	if len(sample) > limit {
		sample = sample[:limit]
	}
	return UnmatchedReport{
		IsComplete:    len(sample) == len(res.Unmatched),
		TotalCount:    len(res.Unmatched),
		UnmatchedURLs: sample,
	}, nil
}

// Matches reports which URLs a rule claims and which an earlier rule took.
func (s *Service) Matches(ctx context.Context, ruleID int64) (MatchReport, error) {
	rule, err := s.filters.GetFilterRule(ctx, ruleID)
	if err != nil {
		return MatchReport{}, err
	}
	_, rules, urls, err := s.load(ctx, rule.FilterSetID)
	if err != nil {
		return MatchReport{}, err
	}
	newMatches, otherMatches, err := Matches(rules, ruleID, urls)
	if err != nil {
		return MatchReport{}, err
	}
	return MatchReport{NewMatches: newMatches, OtherMatches: otherMatches}, nil
}

func (s *Service) moveLocked(ctx context.Context, setID, ruleID int64, position int) error {
	rules, err := s.filters.ListFilterRules(ctx, setID)
	if err != nil {
		return fmt.Errorf("list rules of set %d: %w", setID, err)
	}
	changed, ok, err := MoveTo(rules, ruleID, position)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.filters.SaveRulePositions(ctx, positionsOf(changed)); err != nil {
		return fmt.Errorf("save positions of set %d: %w", setID, err)
	}
	s.logger.Info("filter rule moved",
		zap.Int64("filter_set_id", setID),
		zap.Int64("rule_id", ruleID),
		zap.Int("requested_position", position),
		zap.Int("changed", len(changed)),
	)
	return nil
}

func (s *Service) evaluateLocked(ctx context.Context, setID int64) (Result, error) {
	_, rules, urls, err := s.load(ctx, setID)
	if err != nil {
		return Result{}, err
	}
	res := Evaluate(rules, urls)
	if err := s.filters.SaveRuleCounts(ctx, setID, res.Counts(), res.RemainingURLs); err != nil {
		return Result{}, fmt.Errorf("save counts of set %d: %w", setID, err)
	}
	metrics.ObserveFilterEvaluation()
	s.logger.Debug("filter set evaluated",
		zap.Int64("filter_set_id", setID),
		zap.Int("rules", len(res.Rules)),
		zap.Int("urls", len(urls)),
		zap.Int("remaining_urls", res.RemainingURLs),
	)
	return res, nil
}

func (s *Service) load(ctx context.Context, setID int64) (store.FilterSet, []store.FilterRule, []string, error) {
	set, err := s.filters.GetFilterSet(ctx, setID)
	if err != nil {
		return store.FilterSet{}, nil, nil, err
	}
	rules, err := s.filters.ListFilterRules(ctx, setID)
	if err != nil {
		return store.FilterSet{}, nil, nil, fmt.Errorf("list rules of set %d: %w", setID, err)
	}
	urls, err := s.jobs.ListCrawledURLs(ctx, set.CrawlJobID)
	if err != nil {
		return store.FilterSet{}, nil, nil, fmt.Errorf("list urls of job %d: %w", set.CrawlJobID, err)
	}
	return set, rules, urls, nil
}
