package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/filter"
	pubsubmemory "github.com/JakeFAU/crawlwatch/internal/pubsub/memory"
	"github.com/JakeFAU/crawlwatch/internal/storage/memory"
	"github.com/JakeFAU/crawlwatch/internal/store"
	"github.com/JakeFAU/crawlwatch/internal/stream"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, jobID)
	return nil
}

type testEnv struct {
	server    *Server
	store     *memory.Store
	broker    *pubsubmemory.Broker
	submitter *fakeSubmitter
}

func testConfig() config.Config {
	return config.Config{Server: config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second}}
}

func newEnv(t *testing.T, cfg config.Config) testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := memory.New()
	broker := pubsubmemory.New()
	streams, err := stream.New(broker, stream.Config{Debounce: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond}, logger)
	require.NoError(t, err)
	sub := &fakeSubmitter{}
	srv := NewServer(Deps{
		Store:     st,
		Filters:   filter.NewService(st, st, logger),
		Streams:   streams,
		Submitter: sub,
		Broker:    broker,
		Logger:    logger,
	}, cfg)
	return testEnv{server: srv, store: st, broker: broker, submitter: sub}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	require.NoError(t, env.broker.Close())
	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker unreachable")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	env.do(t, http.MethodGet, "/healthz", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "3f1f0c8e-5d43-4b7a-9d55-5b0c1f9b6e21")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "3f1f0c8e-5d43-4b7a-9d55-5b0c1f9b6e21", rec.Header().Get("X-Request-ID"))
}

func TestAPIKeyGuardsAPIRoutesOnly(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	env := newEnv(t, cfg)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/crawlers/1/crawl_jobs", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/crawlers/1/status_stream/", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/crawlers/1/crawl_jobs", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/crawlers/1/crawl_jobs?api_key=s3cret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCrawlJobRoutes(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/crawlers/4/crawl_jobs", map[string]any{
		"start_url":    "https://example.com/",
		"follow_links": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		Job crawlJobDTO `json:"crawl_job"`
	}](t, rec).Job
	assert.Equal(t, int64(4), created.CrawlerID)
	assert.Equal(t, "EXPLORATION", created.CrawlType)
	assert.Equal(t, "PENDING", created.State)
	assert.True(t, created.FollowLinks)
	assert.Equal(t, []int64{created.ID}, env.submitter.ids)

	_, err := env.store.AddCrawledURL(context.Background(), store.CrawledURL{CrawlJobID: created.ID, URL: "https://example.com/"})
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/crawl_jobs/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Job crawlJobDTO `json:"crawl_job"`
	}](t, rec).Job
	assert.Equal(t, 1, got.CrawledURLCount)

	rec = env.do(t, http.MethodGet, "/api/crawlers/4/crawl_jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Jobs []crawlJobDTO `json:"crawl_jobs"`
	}](t, rec).Jobs
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	rec = env.do(t, http.MethodGet, "/api/crawlers/5/crawl_jobs", nil)
	assert.JSONEq(t, `{"crawl_jobs":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/crawl_jobs/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/crawl_jobs/abc", nil).Code)
}

func TestCreateCrawlJobValidation(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	tests := []struct {
		path string
		body any
	}{
		{"/api/crawlers/0/crawl_jobs", map[string]any{"start_url": "https://example.com"}},
		{"/api/crawlers/1/crawl_jobs", map[string]any{"start_url": "example.com"}},
		{"/api/crawlers/1/crawl_jobs", map[string]any{"start_url": "https://example.com", "crawl_type": "DEEP"}},
		{"/api/crawlers/1/crawl_jobs", map[string]any{"start_url": "https://example.com", "unknown": 1}},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %v", tt.path, tt.body)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
	assert.Empty(t, env.submitter.ids)
}

func TestCreateCrawlJobMarksFailedWhenQueueRejects(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	env.submitter.err = errors.New("queue closed")

	rec := env.do(t, http.MethodPost, "/api/crawlers/2/crawl_jobs", map[string]any{
		"start_url":  "https://example.com",
		"crawl_type": "content",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	jobs, err := env.store.ListCrawlJobs(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, store.JobFailed, jobs[0].State)
	assert.Equal(t, store.CrawlTypeContent, jobs[0].CrawlType)
}

func TestWriteServiceErrorMapping(t *testing.T) {
	t.Parallel()

	env := newEnv(t, testConfig())
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{filter.ErrRuleNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: name is required", filter.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("insert: %w", store.ErrConflict), http.StatusConflict},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		env.server.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		body := decode[map[string]string](t, rec)
		assert.NotEmpty(t, body["error"])
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
