package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/filter"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

type filterSetDTO struct {
	ID            int64     `json:"id"`
	CrawlJobID    int64     `json:"crawl_job_id"`
	Name          string    `json:"name"`
	RemainingURLs int       `json:"remaining_urls"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toFilterSetDTO(set store.FilterSet) filterSetDTO {
	return filterSetDTO{
		ID:            set.ID,
		CrawlJobID:    set.CrawlJobID,
		Name:          set.Name,
		RemainingURLs: set.RemainingURLs,
		CreatedAt:     set.CreatedAt,
		UpdatedAt:     set.UpdatedAt,
	}
}

type filterRuleDTO struct {
	ID              int64     `json:"id"`
	FilterSetID     int64     `json:"filter_set_id"`
	Rule            string    `json:"rule"`
	Include         bool      `json:"include"`
	Position        int       `json:"position"`
	PageType        string    `json:"page_type"`
	Count           int       `json:"count"`
	CumulativeCount int       `json:"cumulative_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toFilterRuleDTO(rule store.FilterRule) filterRuleDTO {
	return filterRuleDTO{
		ID:              rule.ID,
		FilterSetID:     rule.FilterSetID,
		Rule:            rule.Rule,
		Include:         rule.Include,
		Position:        rule.Position,
		PageType:        rule.PageType,
		Count:           rule.Count,
		CumulativeCount: rule.CumulativeCount,
		CreatedAt:       rule.CreatedAt,
		UpdatedAt:       rule.UpdatedAt,
	}
}

func toFilterRuleDTOs(rules []store.FilterRule) []filterRuleDTO {
	out := make([]filterRuleDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toFilterRuleDTO(rule))
	}
	return out
}

type createFilterSetRequest struct {
	CrawlJobID int64  `json:"crawl_job_id"`
	Name       string `json:"name"`
}

type createFilterRuleRequest struct {
	FilterSetID int64  `json:"filter_set_id"`
	Rule        string `json:"rule"`
	Include     bool   `json:"include"`
	PageType    string `json:"page_type"`
	// Position is optional; rules append by default.
	Position int `json:"position"`
}

type updateFilterRuleRequest struct {
	Rule     *string `json:"rule"`
	Include  *bool   `json:"include"`
	PageType *string `json:"page_type"`
	Position *int    `json:"position"`
}

type moveFilterRuleRequest struct {
	Position *int `json:"position"`
}

// listFilterSets handles GET /api/filter_sets?crawl_job_id=.
func (s *Server) listFilterSets(w http.ResponseWriter, r *http.Request) {
	var jobID int64
	if raw := r.URL.Query().Get("crawl_job_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid crawl_job_id %q", raw))
			return
		}
		jobID = parsed
	}
	sets, err := s.store.ListFilterSets(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]filterSetDTO, 0, len(sets))
	for _, set := range sets {
		out = append(out, toFilterSetDTO(set))
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_sets": out})
}

// createFilterSet handles POST /api/filter_sets.
func (s *Server) createFilterSet(w http.ResponseWriter, r *http.Request) {
	var req createFilterSetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CrawlJobID <= 0 {
		writeError(w, http.StatusBadRequest, "crawl_job_id is required")
		return
	}
	set, err := s.filters.CreateSet(r.Context(), store.FilterSet{CrawlJobID: req.CrawlJobID, Name: req.Name})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"filter_set": toFilterSetDTO(set)})
}

// getFilterSet handles GET /api/filter_sets/{id}.
func (s *Server) getFilterSet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	set, err := s.store.GetFilterSet(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_set": toFilterSetDTO(set)})
}

// deleteFilterSet handles DELETE /api/filter_sets/{id}. Rules go with it.
func (s *Server) deleteFilterSet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteFilterSet(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// evaluateFilterSet handles POST /api/filter_sets/{id}/evaluate.
func (s *Server) evaluateFilterSet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.filters.Evaluate(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"remaining_urls": res.RemainingURLs,
		"filter_rules":   toFilterRuleDTOs(res.Rules),
	})
}

// unmatchedURLs handles GET /api/filter_sets/{id}/unmatched?limit=.
func (s *Server) unmatchedURLs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := filter.DefaultUnmatchedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	report, err := s.filters.Unmatched(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// listFilterRules handles GET /api/filter_sets/{id}/rules.
func (s *Server) listFilterRules(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules, err := s.store.ListFilterRules(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_rules": toFilterRuleDTOs(rules)})
}

// createFilterRule handles POST /api/filter_rules.
func (s *Server) createFilterRule(w http.ResponseWriter, r *http.Request) {
	var req createFilterRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FilterSetID <= 0 {
		writeError(w, http.StatusBadRequest, "filter_set_id is required")
		return
	}
	if req.Position < 0 {
		writeError(w, http.StatusBadRequest, "position must be positive")
		return
	}
	rule, err := s.filters.CreateRule(r.Context(), store.FilterRule{
		FilterSetID: req.FilterSetID,
		Rule:        req.Rule,
		Include:     req.Include,
		PageType:    req.PageType,
		Position:    req.Position,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"filter_rule": toFilterRuleDTO(rule)})
}

// getFilterRule handles GET /api/filter_rules/{id}.
func (s *Server) getFilterRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := s.store.GetFilterRule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_rule": toFilterRuleDTO(rule)})
}

// updateFilterRule handles PATCH /api/filter_rules/{id}.
func (s *Server) updateFilterRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateFilterRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := s.filters.UpdateRule(r.Context(), id, filter.RuleUpdate{
		Rule:     req.Rule,
		Include:  req.Include,
		PageType: req.PageType,
		Position: req.Position,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_rule": toFilterRuleDTO(rule)})
}

// deleteFilterRule handles DELETE /api/filter_rules/{id}.
func (s *Server) deleteFilterRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.filters.DeleteRule(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// moveFilterRule handles POST /api/filter_rules/{id}/move. Out of range
// positions clamp to the ends of the list.
func (s *Server) moveFilterRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req moveFilterRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, "position is required")
		return
	}
	rule, err := s.filters.MoveRule(r.Context(), id, *req.Position)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_rule": toFilterRuleDTO(rule)})
}

// ruleMatches handles GET /api/filter_rules/{id}/matches.
func (s *Server) ruleMatches(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.filters.Matches(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
