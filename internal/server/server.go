// Package server builds the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlwatch/internal/api"
	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/crawler"
	"github.com/JakeFAU/crawlwatch/internal/filter"
	"github.com/JakeFAU/crawlwatch/internal/pubsub"
	memorybroker "github.com/JakeFAU/crawlwatch/internal/pubsub/memory"
	redisbroker "github.com/JakeFAU/crawlwatch/internal/pubsub/redis"
	queuememory "github.com/JakeFAU/crawlwatch/internal/queue/memory"
	"github.com/JakeFAU/crawlwatch/internal/status"
	memorystore "github.com/JakeFAU/crawlwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlwatch/internal/storage/postgres"
	"github.com/JakeFAU/crawlwatch/internal/store"
	"github.com/JakeFAU/crawlwatch/internal/stream"
	"github.com/JakeFAU/crawlwatch/internal/worker"
)

const defaultShutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.Store
	broker    pubsub.Broker
	queue     *queuememory.Queue
	pool      *worker.Pool
	publisher *status.Publisher
	engine    *crawler.Engine
	apiServer *api.Server
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	logger.Info("building application dependencies",
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Int("workers", cfg.Crawler.Workers),
	)

	if app.broker, err = setupBroker(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if app.store, err = setupStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	app.publisher = status.New(app.broker, app.store, nil, logger.Named("status"))
	app.engine, err = crawler.NewEngine(cfg.Crawler, app.store, func(crawlerID, jobID int64) crawler.Reporter {
		return app.publisher.Reporter(crawlerID, jobID)
	}, logger.Named("crawler"))
	if err != nil {
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}

	app.queue = queuememory.NewQueue(cfg.Crawler.QueueSize)
	app.pool = worker.NewPool(app.queue, app.store, app.engine, cfg.Crawler.Workers, logger.Named("worker"))

	streams, err := stream.New(app.broker, stream.Config{
		Debounce:  cfg.Stream.Debounce,
		MaxWait:   cfg.Stream.MaxWait,
		Heartbeat: cfg.Stream.Heartbeat,
	}, logger.Named("stream"))
	if err != nil {
		return nil, fmt.Errorf("stream init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Store:     app.store,
		Filters:   filter.NewService(app.store, app.store, logger.Named("filter")),
		Streams:   streams,
		Submitter: app.pool,
		Broker:    app.broker,
		Logger:    logger.Named("api"),
	}, cfg)
	return app, nil
}

func setupBroker(ctx context.Context, cfg config.Config, logger *zap.Logger) (pubsub.Broker, error) {
	if cfg.PubSub.Backend == config.BackendMemory {
		logger.Warn("using in-memory pub/sub; status streams only see this process")
		return memorybroker.New(memorybroker.WithBufferSize(cfg.PubSub.BufferSize)), nil
	}
	broker, err := redisbroker.New(ctx, redisbroker.Config{
		URL:        cfg.Redis.URL,
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		BufferSize: cfg.PubSub.BufferSize,
	}, logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("redis broker init failed: %w", err)
	}
	logger.Info("redis broker connected", zap.String("addr", cfg.Redis.Addr))
	return broker, nil
}

func setupStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return memorystore.New(), nil
	}
	st, err := pgstore.New(ctx, pgstore.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	if cfg.Store.Migrate {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		logger.Info("postgres schema applied")
	}
	return st, nil
}

// Publisher returns the status publisher.
func (a *App) Publisher() *status.Publisher { return a.publisher }

// Store returns the configured store.
func (a *App) Store() store.Store { return a.store }

// Engine returns the crawl engine.
func (a *App) Engine() *crawler.Engine { return a.engine }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run listens on the configured port and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the worker pool. When ctx ends
// the server drains, the queue closes and workers stop.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("worker pool started", zap.Int("workers", a.cfg.Crawler.Workers))
		return a.pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.queue.Close()
		if err != nil {
			a.logger.Warn("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close releases the store and broker. It is safe on a partially built App.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("shutdown complete")
}
