package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/filter"
	"github.com/JakeFAU/crawlwatch/internal/storage/memory"
)

func ExampleServer_createCrawlJob() {
	st := memory.New()
	srv := NewServer(Deps{
		Store:   st,
		Filters: filter.NewService(st, st, zap.NewNop()),
		Logger:  zap.NewNop(),
	}, config.Config{})

	body := strings.NewReader(`{"start_url":"https://example.com/catalog","follow_links":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/crawlers/1/crawl_jobs", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code)
	fmt.Println(strings.Contains(rec.Body.String(), `"state":"PENDING"`))
	// Output:
	// 201
	// true
}
