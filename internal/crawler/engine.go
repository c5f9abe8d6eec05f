package crawler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/store"
)

const noindexKey = "noindex"

// Engine runs crawl jobs one collector at a time.
type Engine struct {
	cfg       Config
	urls      URLRecorder
	reporters ReporterFactory
	transport http.RoundTripper
	logger    *zap.Logger
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config, urls URLRecorder, reporters ReporterFactory, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if urls == nil {
		return nil, errors.New("url recorder is required")
	}
	if reporters == nil {
		return nil, errors.New("reporter factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		urls:      urls,
		reporters: reporters,
		transport: newRobotsTransport(&http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   cfg.Parallelism * 2,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			ForceAttemptHTTP2:     true,
		}, logger),
		logger: logger,
	}, nil
}

// run tracks one job's collector.
type run struct {
	job       store.CrawlJob
	host      string
	reporter  Reporter
	logger    *zap.Logger
	requested atomic.Int64
	recorded  atomic.Int64
}

// Run crawls job and returns the terminal state it published. The error is
// non-nil only when the job could not start, in which case it is marked
// FAILED.
func (e *Engine) Run(ctx context.Context, job store.CrawlJob) (store.JobState, error) {
	r := &run{
		job:      job,
		reporter: e.reporters(job.CrawlerID, job.ID),
		logger: e.logger.With(
			zap.Int64("crawler_id", job.CrawlerID),
			zap.Int64("crawl_job_id", job.ID),
			zap.String("start_url", job.StartURL),
		),
	}

	start, err := parseStartURL(job.StartURL)
	if err != nil {
		r.logger.Error("crawl job cannot start", zap.Error(err))
		e.finish(ctx, r, store.JobFailed)
		return store.JobFailed, err
	}
	r.host = start.Host

	r.reporter.PublishState(ctx, store.JobRunning)
	r.logger.Info("crawl job started", zap.Bool("follow_links", job.FollowLinks))

	collector, err := e.collector(ctx, r)
	if err != nil {
		r.logger.Error("configure collector", zap.Error(err))
		e.finish(ctx, r, store.JobFailed)
		return store.JobFailed, err
	}
	if err := collector.Visit(start.String()); err != nil && ctx.Err() == nil {
		r.logger.Warn("visit start url", zap.Error(err))
	}
	collector.Wait()

	state := store.JobCompleted
	switch {
	case ctx.Err() != nil:
		state = store.JobCanceled
	case r.recorded.Load() == 0:
		state = store.JobFailed
	}
	e.finish(ctx, r, state)
	return state, nil
}

// finish publishes the terminal state even when ctx is already done.
func (e *Engine) finish(ctx context.Context, r *run, state store.JobState) {
	r.reporter.PublishState(context.WithoutCancel(ctx), state)
	metrics.ObserveJob(string(state))
	r.logger.Info("crawl job finished",
		zap.String("state", string(state)),
		zap.Int64("pages", r.recorded.Load()),
	)
}

func (e *Engine) collector(ctx context.Context, r *run) (*colly.Collector, error) {
	c := colly.NewCollector(
		colly.UserAgent(e.cfg.UserAgent),
		colly.Async(true),
		colly.StdlibContext(ctx),
	)
	c.AllowURLRevisit = false
	c.IgnoreRobotsTxt = !e.cfg.RespectRobots
	c.WithTransport(e.transport)
	c.SetRequestTimeout(e.cfg.RequestTimeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: e.cfg.Parallelism,
		Delay:       e.cfg.Delay,
	}); err != nil {
		return nil, err
	}

	c.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil {
			req.Abort()
			return
		}
		if n := r.requested.Add(1); e.cfg.MaxPages > 0 && n > int64(e.cfg.MaxPages) {
			req.Abort()
		}
	})
	c.OnHTML("meta[name]", func(el *colly.HTMLElement) {
		if strings.EqualFold(el.Attr("name"), "robots") && hasNoindex(el.Attr("content")) {
			el.Request.Ctx.Put(noindexKey, "true")
		}
	})
	if r.job.FollowLinks {
		c.OnHTML("a[href]", func(el *colly.HTMLElement) { e.follow(r, el) })
	}
	c.OnScraped(func(resp *colly.Response) { e.record(ctx, r, resp) })
	c.OnError(func(resp *colly.Response, err error) {
		if ctx.Err() != nil {
			return
		}
		target := resp.Request.URL.String()
		metrics.ObserveCrawl(target, resp.StatusCode)
		r.logger.Warn("request failed",
			zap.String("url", target),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err),
		)
	})
	return c, nil
}

func (e *Engine) follow(r *run, el *colly.HTMLElement) {
	// The start page sits at colly depth 1, so links found there are hop 1.
	if e.cfg.MaxDepth > 0 && el.Request.Depth > e.cfg.MaxDepth {
		return
	}
	next, ok := followable(el.Request.URL, el.Attr("href"), r.host)
	if !ok {
		return
	}
	// Revisits and aborted requests surface here too.
	if err := el.Request.Visit(next); err != nil {
		r.logger.Debug("skip link", zap.String("url", next), zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, r *run, resp *colly.Response) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}
	page := resp.Request.URL.String()
	metrics.ObserveCrawl(page, resp.StatusCode)

	noindex := resp.Ctx.Get(noindexKey) == "true"
	if resp.Headers != nil && hasNoindex(resp.Headers.Get("X-Robots-Tag")) {
		noindex = true
	}
	_, err := e.urls.AddCrawledURL(ctx, store.CrawledURL{
		CrawlJobID: r.job.ID,
		URL:        page,
		NoIndex:    noindex,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return
	case err != nil:
		r.logger.Warn("record crawled url", zap.String("url", page), zap.Error(err))
		return
	}
	r.recorded.Add(1)
	r.reporter.PublishProgress(ctx, page)
}

// hasNoindex reports whether a robots directive list contains noindex or none.
func hasNoindex(directives string) bool {
	for _, d := range strings.Split(directives, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "noindex" || d == "none" {
			return true
		}
	}
	return false
}
