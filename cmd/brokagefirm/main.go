package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/herrberki/brokagefirm/internal/audit"
	"github.com/herrberki/brokagefirm/internal/book"
	"github.com/herrberki/brokagefirm/internal/broker"
	"github.com/herrberki/brokagefirm/internal/config"
	"github.com/herrberki/brokagefirm/internal/engine"
	"github.com/herrberki/brokagefirm/internal/events"
	"github.com/herrberki/brokagefirm/internal/handlers"
	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/pricing"
	"github.com/herrberki/brokagefirm/internal/rate"
	"github.com/herrberki/brokagefirm/internal/storage"
	"github.com/herrberki/brokagefirm/libs/health"
	"github.com/herrberki/brokagefirm/libs/httpmiddleware"
	"github.com/herrberki/brokagefirm/libs/kafka"
	"github.com/herrberki/brokagefirm/libs/logging"
	"github.com/herrberki/brokagefirm/libs/metrics"
	"github.com/herrberki/brokagefirm/libs/trace"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), cfg.ServiceName, cfg.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	engineMetrics := engine.NewMetrics(registry)
	brokerMetrics := broker.NewMetrics(registry)

	ready := health.NewManager()

	var (
		orderStore     storage.OrderStore
		balanceStore   ledger.BalanceStore
		executionStore storage.ExecutionStore
		auditSink      audit.Sink
	)
	if cfg.DB.Enabled {
		pool, err := connectDB(cfg)
		if err != nil {
			logger.Error("db connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		orderStore = storage.NewPostgresOrderStore(pool)
		balanceStore = storage.NewPostgresBalanceStore(pool)
		executionStore = storage.NewPostgresExecutionStore(pool)
		auditSink = storage.NewPostgresAuditSink(pool, logger)
		ready.SetDependency("postgres", true)
	} else {
		orderStore = storage.NewMemoryOrderStore()
		balanceStore = storage.NewMemoryBalanceStore()
		executionStore = storage.NewMemoryExecutionStore()
		auditSink = audit.NewLogSink(logging.Component(logger, "audit"))
	}

	var producer kafka.Publisher
	if cfg.Kafka.Enabled {
		kafkaMetrics := kafka.NewProducerMetrics(registry)
		syncProducer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer syncProducer.Close()
		producer = syncProducer
		ready.SetDependency("kafka", true)
	}

	topics := events.Topics{
		OrderCreated:  cfg.Kafka.Topics.OrderCreated,
		OrderMatched:  cfg.Kafka.Topics.OrderMatched,
		OrderCanceled: cfg.Kafka.Topics.OrderCanceled,
	}
	emitter := events.NewEmitter(producer, topics, logger)

	var limiter rate.Limiter
	if cfg.RateLimit.Enabled {
		if cfg.Redis.Enabled {
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
			defer redisClient.Close()
			limiter = rate.NewRedis(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
		} else {
			limiter = rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
		}
	}

	kind, err := pricing.ParseKind(cfg.Matching.Strategy)
	if err != nil {
		logger.Error("invalid matching strategy", "error", err)
		os.Exit(1)
	}
	strategy := pricing.ForKind(kind)

	limits, err := orderLimits(cfg)
	if err != nil {
		logger.Error("invalid order limits", "error", err)
		os.Exit(1)
	}

	ldg := ledger.New(balanceStore, auditSink, logging.Component(logger, "ledger"))
	books := book.NewRegistry()
	eng := engine.New(books, ldg, orderStore, executionStore, strategy, emitter, auditSink,
		cfg.Matching.QuoteAsset, logging.Component(logger, "engine"), engineMetrics)
	svc := broker.NewService(ldg, books, eng, orderStore, executionStore, emitter, auditSink,
		cfg.Matching.QuoteAsset, limits, logging.Component(logger, "broker"), brokerMetrics)

	rebuildCtx, rebuildCancel := context.WithTimeout(context.Background(), 30*time.Second)
	loaded, err := svc.Rebuild(rebuildCtx)
	rebuildCancel()
	if err != nil {
		logger.Error("order book rebuild failed", "error", err)
		os.Exit(1)
	}
	logger.Info("order books ready", "resting_orders", loaded, "strategy", kind)

	handler := handlers.New(svc, limiter, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWT.Secret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ready.SetServing(true)

	go func() {
		logger.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func orderLimits(cfg *config.Config) (broker.Limits, error) {
	minSize, err := decimal.NewFromString(cfg.Order.MinSize)
	if err != nil {
		return broker.Limits{}, fmt.Errorf("order.min_size: %w", err)
	}
	minPrice, err := decimal.NewFromString(cfg.Order.MinPrice)
	if err != nil {
		return broker.Limits{}, fmt.Errorf("order.min_price: %w", err)
	}
	return broker.Limits{MinOrderSize: minSize, MinOrderPrice: minPrice}, nil
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
