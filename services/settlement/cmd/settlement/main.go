package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/health"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/httpmiddleware"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/kafka"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/logging"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/metrics"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/trace"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/cashout"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/config"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/handlers"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/ledger"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/lifecycle"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/rate"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/service"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/withdrawkey"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	settlementMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", pool.Ping)

	store := storage.New(pool, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	payments := provider.NewPaymentClient(provider.Config{
		BaseURL: cfg.Providers.Payment.BaseURL,
		APIKey:  cfg.Providers.Payment.APIKey,
		Timeout: cfg.Providers.Payment.Timeout,
		Live:    cfg.Providers.Live,
	}, settlementMetrics)
	custodial := provider.NewCustodialClient(provider.Config{
		BaseURL: cfg.Providers.Custodial.BaseURL,
		APIKey:  cfg.Providers.Custodial.APIKey,
		Timeout: cfg.Providers.Custodial.Timeout,
		Live:    cfg.Providers.Live,
	}, settlementMetrics)

	keyResolver := withdrawkey.NewResolver(custodial, cfg.Providers.WithdrawalKeyTTL)
	payoutExecutor := withdrawkey.NewExecutor(keyResolver, custodial, logger, settlementMetrics)

	security, err := cashout.New(store, cfg.Cashout.TokenSecret, cfg.Cashout.TokenTTL, logger, settlementMetrics)
	if err != nil {
		logger.Error("cashout security init failed", "error", err)
		os.Exit(1)
	}

	notifier := lifecycle.NewNotifier(publisher, lifecycle.Topics{
		OrderStatus: cfg.Kafka.Topics.OrderStatus,
		AdminAlerts: cfg.Kafka.Topics.AdminAlerts,
	}, logger)

	retryPolicy := lifecycle.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.Reconciler.MaxAttempts
	retryPolicy.BaseDelay = cfg.Reconciler.RetryBase
	retryPolicy.MaxDelay = cfg.Reconciler.RetryMax

	reconciler := lifecycle.NewReconciler(store, payments, custodial, payoutExecutor, notifier, lifecycle.Config{
		Retry:            retryPolicy,
		MinConfirmations: cfg.Reconciler.MinConfirmations,
	}, logger, settlementMetrics)

	poller := lifecycle.NewPoller(store, reconciler, payments, lifecycle.PollerConfig{
		Interval:   cfg.Reconciler.PollInterval,
		StaleAfter: cfg.Reconciler.StaleAfter,
		Batch:      cfg.Reconciler.PollBatch,
	}, logger, settlementMetrics)

	limiter, limiterClose, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = limiterClose()
	}()

	wallets := ledger.New(store, logger, settlementMetrics)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	webhookHandler := handlers.NewWebhookHandler(reconciler, store, logger, settlementMetrics)
	webhookHandler.Register(router, cfg.Webhooks.PaymentSecret, cfg.Webhooks.CustodialSecret)

	cashoutHandler := handlers.NewCashoutHandler(security, reconciler, limiter, logger, settlementMetrics)
	cashoutHandler.Register(router, []byte(cfg.JWTSecret), cfg.JWTIssuer)

	opsHandler := handlers.NewOpsHandler(store, reconciler, wallets, logger)
	opsHandler.Register(router, []byte(cfg.JWTSecret), cfg.JWTIssuer)

	ready.SetReady(true)

	pollCtx, pollCancel := context.WithCancel(context.Background())
	defer pollCancel()
	go func() {
		logger.Info("settlement poller starting", "interval", cfg.Reconciler.PollInterval)
		poller.Run(pollCtx)
	}()

	addr := cfg.App.HTTP.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("settlement service starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, ready, pollCancel, cfg.App.HTTP.ShutdownTimeout, logger)
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

func buildLimiter(cfg *config.Config, logger *slog.Logger) (rate.Limiter, func() error, error) {
	if cfg.RateLimit.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.Env == "dev" || cfg.App.Env == "test" {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return rate.NewMemory(cfg.RateLimit.ConfirmLimit, cfg.RateLimit.Window), func() error { return nil }, nil
			}
			return nil, nil, err
		}

		return rate.NewRedisLimiter(client, cfg.RateLimit.ConfirmLimit, cfg.RateLimit.Window, cfg.RateLimit.Redis.Prefix), client.Close, nil
	}

	if cfg.App.Env == "dev" || cfg.App.Env == "test" {
		return rate.NewMemory(cfg.RateLimit.ConfirmLimit, cfg.RateLimit.Window), func() error { return nil }, nil
	}

	return nil, nil, fmt.Errorf("rate limiter redis not configured")
}

func waitForShutdown(server *http.Server, ready *health.Manager, cancel context.CancelFunc, drain time.Duration, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), drain)
	defer cancelTimeout()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
