package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/params"
	"github.com/uhyunpark/hyperroute/pkg/api"
	"github.com/uhyunpark/hyperroute/pkg/cache"
	"github.com/uhyunpark/hyperroute/pkg/execution"
	"github.com/uhyunpark/hyperroute/pkg/metrics"
	"github.com/uhyunpark/hyperroute/pkg/notify"
	"github.com/uhyunpark/hyperroute/pkg/orderstore"
	"github.com/uhyunpark/hyperroute/pkg/queue"
	"github.com/uhyunpark/hyperroute/pkg/router"
	"github.com/uhyunpark/hyperroute/pkg/storage"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

const (
	startupAttempts = 5
	startupDelay    = 3 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(util.LogOptions{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("invalid_config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("engine_failed", "err", err)
	}
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Storage ----
	// Jobs always live in pebble; orders go to postgres when configured
	jobsDB, err := storage.NewPebbleStore(filepath.Join(cfg.Storage.DataDir, "pebble"))
	if err != nil {
		return err
	}
	defer jobsDB.Close()

	var repo orderstore.Repository = jobsDB
	if cfg.Storage.Driver == "postgres" {
		pg, err := storage.NewPostgresStore(cfg.Storage.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		repo = pg
	}

	// ---- Cache ----
	var orderCache cache.OrderCache
	if cfg.Cache.RedisAddr != "" {
		rc := cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			TTL:      cfg.Cache.TTL,
		})
		defer rc.Close()
		orderCache = rc
	} else {
		mc := cache.NewMemoryCache(cfg.Cache.TTL)
		go mc.RunSweeper(ctx, time.Minute)
		orderCache = mc
	}

	store := orderstore.New(repo, orderCache, sugar)
	if err := waitHealthy(ctx, store, sugar); err != nil {
		return err
	}

	// ---- Queue ----
	q, err := queue.New(jobsDB, queue.Options{
		MaxAttempts:       cfg.Order.MaxRetryAttempts,
		BackoffBase:       cfg.Order.RetryBackoffBase,
		MaxRate:           cfg.Queue.MaxRate,
		RateWindow:        cfg.Queue.RateWindow,
		CompletedMaxAge:   cfg.Queue.CompletedMaxAge,
		CompletedMaxCount: cfg.Queue.CompletedMaxCount,
		FailedMaxAge:      cfg.Queue.FailedMaxAge,
		Logger:            sugar,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	if err := m.WatchQueue(q); err != nil {
		return err
	}
	hub := notify.NewHub(sugar)

	// ---- Router ----
	seed := cfg.Router.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	venues := router.DefaultVenues(seed)
	if cfg.Router.VenuesFile != "" {
		if venues, err = router.LoadVenueFile(cfg.Router.VenuesFile, seed); err != nil {
			return err
		}
	}
	agg, err := router.NewAggregator(sugar, venues...)
	if err != nil {
		return err
	}
	sugar.Infow("router_ready", "venues", agg.Venues())

	// ---- Workers ----
	exec := execution.NewExecutor(store, agg, hub,
		execution.WithStageTimeout(cfg.Order.Timeout),
		execution.WithMetrics(m),
		execution.WithLogger(sugar),
	)
	pool := execution.NewPool(q, exec, cfg.Queue.Concurrency, sugar)

	poolCtx, stopPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		pool.Run(poolCtx)
		close(poolDone)
	}()

	// ---- API Server ----
	apiServer := api.NewServer(api.Config{
		Orders:      store,
		Jobs:        q,
		Hub:         hub,
		Metrics:     m,
		Logger:      sugar,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start(cfg.Server.Addr) }()

	sugar.Infow("engine_started",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver,
		"redis", cfg.Cache.RedisAddr != "",
		"concurrency", cfg.Queue.Concurrency,
		"max_rate", cfg.Queue.MaxRate,
		"rate_window", cfg.Queue.RateWindow,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-apiErr:
	}

	// Stop intake first, then let in-flight orders finish
	sugar.Info("engine_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}

	stopPool()
	awaitWorkers(shutdownCtx, poolDone, sugar)
	if err := q.Close(); err != nil {
		sugar.Warnw("queue_close_failed", "err", err)
	}
	sugar.Info("engine_stopped")
	return serveErr
}

// awaitWorkers blocks until the pool has stopped. Storage handles are closed
// after it returns, so it keeps waiting past ctx: an attempt cut off mid-swap
// would be re-sent after restart. Stage timeouts bound the extra wait.
func awaitWorkers(ctx context.Context, done <-chan struct{}, sugar *zap.SugaredLogger) {
	select {
	case <-done:
		return
	case <-ctx.Done():
		sugar.Warn("workers_still_busy_at_shutdown")
	}
	<-done
	sugar.Info("workers_drained")
}

// waitHealthy retries the storage and cache pings before accepting traffic
func waitHealthy(ctx context.Context, store *orderstore.Store, sugar *zap.SugaredLogger) error {
	var err error
	for attempt := 1; attempt <= startupAttempts; attempt++ {
		if err = store.Ping(ctx); err == nil {
			return nil
		}
		sugar.Warnw("dependencies_unavailable", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupDelay):
		}
	}
	return errors.Join(errors.New("dependencies not healthy after startup retries"), err)
}
