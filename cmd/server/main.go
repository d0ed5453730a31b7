package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/api"
	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/coord"
	"github.com/notifyhub/courier/internal/db"
	"github.com/notifyhub/courier/internal/dispatch"
	"github.com/notifyhub/courier/internal/idempotency"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/outbox"
	"github.com/notifyhub/courier/internal/provider"
	"github.com/notifyhub/courier/internal/ratelimit"
	"github.com/notifyhub/courier/internal/recovery"
	"github.com/notifyhub/courier/internal/repository"
	"github.com/notifyhub/courier/internal/schedq"
	"github.com/notifyhub/courier/internal/service"
	"github.com/notifyhub/courier/internal/status"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- durable store ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- coordination store ----
	rdb, err := coord.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close() //nolint:errcheck

	storePing := pool.Ping
	coordPing := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

	// ---- bus ----
	producer, err := bus.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close() //nolint:errcheck

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	notifRepo := repository.NewPgNotificationRepository(pool)
	outboxRepo := repository.NewPgOutboxRepository(pool)
	statusOutboxRepo := repository.NewPgStatusOutboxRepository(pool)
	alertRepo := repository.NewPgAlertRepository(pool)

	idem := idempotency.NewStore(rdb, cfg.ProcessingTTL, cfg.IdempotencyTTL)
	limiter := ratelimit.New(rdb, nil, config.RateLimitConfig{MaxTokens: 50, RefillRate: 25})

	// ---- provider plugins ----
	pf, err := config.LoadPlugins(cfg.PluginConfigPath)
	if err != nil {
		logger.Fatal("failed to load plugin config", zap.Error(err))
	}
	registry, err := provider.Load(pf, cfg.ExternalTimeout, limiter, logger)
	if err != nil {
		logger.Fatal("failed to load providers", zap.Error(err))
	}
	router := provider.NewRouter(registry, logger)

	// ---- services ----
	ingestSvc := service.NewIngestService(notifRepo, registry, cfg.MaxBatchNotifications, m, logger)
	alertSvc := service.NewAlertService(alertRepo, notifRepo, logger)

	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var workers sync.WaitGroup
	runWorker := func(run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(workerCtx)
		}()
	}

	// ---- outbox dispatcher ----
	outboxDispatcher := outbox.NewDispatcher(outboxRepo, producer, cfg.Outbox, cfg.WorkerID, m, logger)
	runWorker(outboxDispatcher.Run)

	// ---- dispatch consumers, one group per channel ----
	var consumers []*bus.GroupConsumer
	for _, ch := range cfg.DispatchChannels {
		proc := dispatch.NewProcessor(ch, router, idem, limiter, notifRepo, producer,
			cfg.MaxRetryCount, cfg.RetryBaseDelay, m, logger)
		gc, err := bus.NewGroupConsumer(cfg.KafkaBrokers, bus.DispatchGroup(ch),
			[]string{bus.ChannelTopic(ch)}, proc, logger)
		if err != nil {
			logger.Fatal("failed to create dispatch consumer", zap.String("channel", ch), zap.Error(err))
		}
		consumers = append(consumers, gc)
		runWorker(gc.Run)
	}

	// ---- scheduled queue ----
	queue := schedq.New(rdb, cfg.WorkerID, cfg.Scheduled.ClaimTimeout)
	schedConsumer := schedq.NewConsumer(queue, logger)
	schedGC, err := bus.NewGroupConsumer(cfg.KafkaBrokers, bus.ScheduledGroup,
		[]string{bus.DelayedTopic}, schedConsumer, logger)
	if err != nil {
		logger.Fatal("failed to create scheduled consumer", zap.Error(err))
	}
	consumers = append(consumers, schedGC)
	runWorker(schedGC.Run)

	poller := schedq.NewPoller(queue, producer, cfg.Scheduled, logger, nil)
	runWorker(poller.Run)
	runWorker(func(ctx context.Context) { reportQueueDepth(ctx, queue, m) })

	// ---- status sink ----
	webhooks := status.NewWebhookClient(cfg.ExternalTimeout, cfg.WebhookRate, logger)
	sink := status.NewSink(notifRepo, webhooks, m, logger)
	statusGC, err := bus.NewGroupConsumer(cfg.KafkaBrokers, bus.StatusGroup,
		[]string{bus.StatusTopic}, sink, logger)
	if err != nil {
		logger.Fatal("failed to create status consumer", zap.Error(err))
	}
	consumers = append(consumers, statusGC)
	runWorker(statusGC.Run)

	// ---- recovery reconciler ----
	reconciler := recovery.NewReconciler(notifRepo, alertRepo, statusOutboxRepo, idem, producer,
		cfg.Recovery, cfg.ProcessingTTL, cfg.WorkerID, storePing, coordPing, m, logger)
	runWorker(reconciler.Run)

	// ---- HTTP server ----
	httpRouter := api.NewRouter(ingestSvc, alertSvc, registry, storePing, coordPing, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpRouter,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal all background workers to stop and unblock the consumer
	//    sessions, then wait for in-flight messages to finish.
	cancelWorkers()
	for _, gc := range consumers {
		if err := gc.Close(); err != nil {
			logger.Error("consumer close error", zap.Error(err))
		}
	}
	workers.Wait()

	// 3. Let providers release their own resources.
	for _, p := range registry.All() {
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.Error("provider shutdown error",
				zap.String("provider", p.Manifest().ID), zap.Error(err))
		}
	}

	logger.Info("server stopped cleanly")
}

// reportQueueDepth keeps the scheduled-queue depth gauge current.
func reportQueueDepth(ctx context.Context, queue *schedq.Queue, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := queue.Depth(ctx); err == nil {
				m.ScheduledDepth.Set(float64(depth))
			}
		}
	}
}
