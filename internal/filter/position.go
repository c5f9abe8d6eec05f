package filter

import (
	"cmp"
	"errors"
	"slices"

	"github.com/JakeFAU/crawlwatch/internal/store"
)

// ErrRuleNotFound is returned when a rule id is not part of the given set.
var ErrRuleNotFound = errors.New("filter rule not found in set")

// sortRules returns a copy ordered by (position, id).
func sortRules(rules []store.FilterRule) []store.FilterRule {
	out := slices.Clone(rules)
	slices.SortStableFunc(out, func(a, b store.FilterRule) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// NextPosition returns the position a newly appended rule should take.
func NextPosition(rules []store.FilterRule) int {
	highest := 0
	for _, r := range rules {
		highest = max(highest, r.Position)
	}
	return highest + 1
}

// NeedsRepair reports whether positions are anything other than 1..N.
func NeedsRepair(rules []store.FilterRule) bool {
	for i, r := range sortRules(rules) {
		if r.Position != i+1 {
			return true
		}
	}
	return false
}

// Renumber returns the rules in (position, id) order with positions 1..N.
func Renumber(rules []store.FilterRule) []store.FilterRule {
	out := sortRules(rules)
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}

// MoveTo moves one rule to newPosition, clamped to [1, N], shifting every rule
// in between by one. Corrupted positions are renumbered first. It returns the
// rules whose position differs from the input, ordered by their new position,
// and whether anything changed.
func MoveTo(rules []store.FilterRule, ruleID int64, newPosition int) ([]store.FilterRule, bool, error) {
	work := sortRules(rules)
	idx := slices.IndexFunc(work, func(r store.FilterRule) bool { return r.ID == ruleID })
	if idx < 0 {
		return nil, false, ErrRuleNotFound
	}
	if NeedsRepair(work) {
		work = Renumber(work)
	}

	target := min(max(newPosition, 1), len(work))
	old := work[idx].Position
	switch {
	case target > old:
		for i := range work {
			if p := work[i].Position; p > old && p <= target {
				work[i].Position--
			}
		}
	case target < old:
		for i := range work {
			if p := work[i].Position; p >= target && p < old {
				work[i].Position++
			}
		}
	}
	work[idx].Position = target

	original := make(map[int64]int, len(rules))
	for _, r := range rules {
		original[r.ID] = r.Position
	}
	changed := make([]store.FilterRule, 0)
	for _, r := range work {
		if original[r.ID] != r.Position {
			changed = append(changed, r)
		}
	}
	changed = sortRules(changed)
	return changed, len(changed) > 0, nil
}

// positionsOf converts rules into position updates.
func positionsOf(rules []store.FilterRule) []store.RulePosition {
	out := make([]store.RulePosition, len(rules))
	for i, r := range rules {
		out[i] = store.RulePosition{RuleID: r.ID, Position: r.Position}
	}
	return out
}

// renumberChanges returns only the rules Renumber would move.
func renumberChanges(rules []store.FilterRule) []store.FilterRule {
	original := make(map[int64]int, len(rules))
	for _, r := range rules {
		original[r.ID] = r.Position
	}
	var changed []store.FilterRule
	for _, r := range Renumber(rules) {
		if original[r.ID] != r.Position {
			changed = append(changed, r)
		}
	}
	return changed
}
