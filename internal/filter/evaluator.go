// Package filter evaluates ordered URL prefix rules against a crawl job's
// URLs and keeps rule positions dense.
//
// Rules are applied as a sequential exclusion filter: each rule claims the
// URLs it matches among those not already claimed by an earlier rule.
package filter

import (
	"slices"
	"strings"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

// Result mirrors the evaluated rules with their counts filled in.
type Result struct {
	Rules         []store.FilterRule
	RemainingURLs int
	// Unmatched holds every URL claimed by no rule, sorted ascending.
	Unmatched []string
}

// Counts returns the per-rule counts in rule order.
func (r Result) Counts() []store.RuleCounts {
	out := make([]store.RuleCounts, len(r.Rules))
	for i, rule := range r.Rules {
		out[i] = store.RuleCounts{
			RuleID:          rule.ID,
			Count:           rule.Count,
			CumulativeCount: rule.CumulativeCount,
		}
	}
	return out
}

// Evaluate computes count and cumulative_count for every rule in (position,
// id) order plus the number of URLs no rule claims. The inputs are not
// modified. Duplicate URLs count once.
func Evaluate(rules []store.FilterRule, urls []string) Result {
	ordered := sortRules(rules)
	all := uniqueSorted(urls)
	remaining := all

	for i := range ordered {
		prefix := ordered[i].Rule
		ordered[i].Count = countPrefix(all, prefix)

		kept := make([]string, 0, len(remaining))
		claimed := 0
		for _, u := range remaining {
			if strings.HasPrefix(u, prefix) {
				claimed++
				continue
			}
			kept = append(kept, u)
		}
		ordered[i].CumulativeCount = claimed
		remaining = kept
	}

	return Result{
		Rules:         ordered,
		RemainingURLs: len(remaining),
		Unmatched:     remaining,
	}
}

// Matches splits the URLs matching one rule into those it claims after the
// earlier rules (newMatches) and those an earlier rule already claimed
// (otherMatches). Both lists are sorted.
func Matches(rules []store.FilterRule, ruleID int64, urls []string) (newMatches, otherMatches []string, err error) {
	ordered := sortRules(rules)
	idx := slices.IndexFunc(ordered, func(r store.FilterRule) bool { return r.ID == ruleID })
	if idx < 0 {
		return nil, nil, ErrRuleNotFound
	}
	target := ordered[idx]
	earlier := ordered[:idx]

	newMatches = []string{}
	otherMatches = []string{}
	for _, u := range uniqueSorted(urls) {
		if !strings.HasPrefix(u, target.Rule) {
			continue
		}
		if slices.ContainsFunc(earlier, func(r store.FilterRule) bool { return strings.HasPrefix(u, r.Rule) }) {
			otherMatches = append(otherMatches, u)
			continue
		}
		newMatches = append(newMatches, u)
	}
	return newMatches, otherMatches, nil
}

func countPrefix(urls []string, prefix string) int {
	n := 0
	for _, u := range urls {
		if strings.HasPrefix(u, prefix) {
			n++
		}
	}
	return n
}

func uniqueSorted(urls []string) []string {
	out := slices.Clone(urls)
	slices.Sort(out)
	return slices.Compact(out)
}
