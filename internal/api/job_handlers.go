package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/store"
	"github.com/JakeFAU/crawlwatch/internal/stream"
)

type crawlJobDTO struct {
	ID              int64     `json:"id"`
	CrawlerID       int64     `json:"crawler_id"`
	StartURL        string    `json:"start_url"`
	FollowLinks     bool      `json:"follow_links"`
	CrawlType       string    `json:"crawl_type"`
	State           string    `json:"state"`
	CrawledURLCount int       `json:"crawled_url_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toCrawlJobDTO(job store.CrawlJob, count int) crawlJobDTO {
	return crawlJobDTO{
		ID:              job.ID,
		CrawlerID:       job.CrawlerID,
		StartURL:        job.StartURL,
		FollowLinks:     job.FollowLinks,
		CrawlType:       string(job.CrawlType),
		State:           string(job.State),
		CrawledURLCount: count,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

type createCrawlJobRequest struct {
	StartURL    string `json:"start_url"`
	FollowLinks bool   `json:"follow_links"`
	CrawlType   string `json:"crawl_type"`
}

// statusStream handles GET /api/crawlers/{crawler_id}/status_stream/. The
// response is an event stream; failures after the headers go out can only be
// logged.
func (s *Server) statusStream(w http.ResponseWriter, r *http.Request) {
	crawlerID, err := pathID(r, "crawler_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	err = s.streams.Stream(r.Context(), crawlerID, stream.NewHTTPWriter(w))
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrSubscriptionClosed):
		s.logger.Info("status stream ended by broker", zap.Int64("crawler_id", crawlerID))
	default:
		s.logger.Warn("status stream ended",
			zap.Int64("crawler_id", crawlerID),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
}

// listCrawlJobs handles GET /api/crawlers/{crawler_id}/crawl_jobs.
func (s *Server) listCrawlJobs(w http.ResponseWriter, r *http.Request) {
	crawlerID, err := pathID(r, "crawler_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.store.ListCrawlJobs(r.Context(), crawlerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]crawlJobDTO, 0, len(jobs))
	for _, job := range jobs {
		count, err := s.store.CountCrawledURLs(r.Context(), job.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		out = append(out, toCrawlJobDTO(job, count))
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl_jobs": out})
}

// createCrawlJob handles POST /api/crawlers/{crawler_id}/crawl_jobs. The job
// is stored PENDING and handed to the workers.
func (s *Server) createCrawlJob(w http.ResponseWriter, r *http.Request) {
	crawlerID, err := pathID(r, "crawler_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createCrawlJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := req.toJob(crawlerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.CreateCrawlJob(r.Context(), job)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	logger := s.logger.With(zap.Int64("crawler_id", crawlerID), zap.Int64("crawl_job_id", created.ID))
	if s.submitter != nil {
		if err := s.submitter.Submit(r.Context(), created.ID); err != nil {
			logger.Error("submit crawl job", zap.Error(err))
			if uerr := s.store.UpdateCrawlJobState(r.Context(), created.ID, store.JobFailed); uerr != nil {
				logger.Error("mark unsubmitted job failed", zap.Error(uerr))
			}
			writeError(w, http.StatusServiceUnavailable, "crawl queue unavailable")
			return
		}
	}
	logger.Info("crawl job created", zap.String("crawl_type", string(created.CrawlType)))
	writeJSON(w, http.StatusCreated, map[string]any{"crawl_job": toCrawlJobDTO(created, 0)})
}

func (req createCrawlJobRequest) toJob(crawlerID int64) (store.CrawlJob, error) {
	start, err := url.Parse(strings.TrimSpace(req.StartURL))
	if err != nil || (start.Scheme != "http" && start.Scheme != "https") || start.Host == "" {
		return store.CrawlJob{}, errors.New("start_url must be an absolute http(s) URL")
	}
	kind := store.CrawlType(strings.ToUpper(req.CrawlType))
	if kind == "" {
		kind = store.CrawlTypeExploration
	}
	if !kind.Valid() {
		return store.CrawlJob{}, fmt.Errorf("crawl_type must be %s or %s", store.CrawlTypeExploration, store.CrawlTypeContent)
	}
	return store.CrawlJob{
		CrawlerID:   crawlerID,
		StartURL:    start.String(),
		FollowLinks: req.FollowLinks,
		CrawlType:   kind,
		State:       store.JobPending,
	}, nil
}

// getCrawlJob handles GET /api/crawl_jobs/{id}.
func (s *Server) getCrawlJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.store.GetCrawlJob(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	count, err := s.store.CountCrawledURLs(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl_job": toCrawlJobDTO(job, count)})
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
