package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-stays/internal/config"
	"github.com/noah-isme/backend-stays/internal/lock"
	"github.com/noah-isme/backend-stays/internal/obs"
	"github.com/noah-isme/backend-stays/internal/payment"
	"github.com/noah-isme/backend-stays/internal/provider"
	"github.com/noah-isme/backend-stays/internal/resilience"
	"github.com/noah-isme/backend-stays/internal/split"
	"github.com/noah-isme/backend-stays/internal/store"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "stays-payments-worker",
		Endpoint:      cfg.TracingEndpoint,
		SamplingRatio: cfg.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database url")
	}
	poolCfg.ConnConfig.Tracer = obs.PGXTracer{}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Warn().Err(err).Msg("instrument redis tracing")
	}

	obs.MustRegisterDomainMetrics("stays", nil)

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build provider registry")
	}

	paymentRepo := &store.PaymentRepo{Pool: pool}
	bookingRepo := &store.BookingRepo{Pool: pool}
	groupRepo := &store.GroupRepo{Pool: pool}
	locker := lock.Locker{R: rdb, RetryBackoff: cfg.LockRetryBackoff}

	paymentSvc := payment.NewService(paymentRepo, bookingRepo, registry, locker, cfg.LockTTL, logger)
	splitSvc := split.NewService(groupRepo, paymentRepo, paymentSvc, bookingRepo, cfg.SplitFanoutLimit, logger)

	redisConn := asynq.RedisClientOpt{
		Addr:     redisOpts.Addr,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	}

	splitTasks := &split.TaskHandler{Service: splitSvc, SweepBatch: cfg.SweepBatchSize}
	expireTasks := &payment.ExpireHandler{Service: paymentSvc, BatchSize: cfg.SweepBatchSize}

	mux := asynq.NewServeMux()
	mux.HandleFunc(split.TaskReconcile, splitTasks.HandleReconcile)
	mux.HandleFunc(split.TaskSweep, splitTasks.HandleSweep)
	mux.HandleFunc(payment.TaskExpire, expireTasks.HandleExpire)

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{"default": 1},
	})

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	every := "@every " + cfg.SweepInterval.String()
	if _, err := scheduler.Register(every, split.NewSweepTask()); err != nil {
		logger.Fatal().Err(err).Msg("register split sweep")
	}
	if _, err := scheduler.Register(every, payment.NewExpireTask()); err != nil {
		logger.Fatal().Err(err).Msg("register payment expiry")
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped")
			stop()
		}
	}()
	go func() {
		logger.Info().Int("concurrency", cfg.AsynqConcurrency).Msg("worker started")
		if err := srv.Run(mux); err != nil {
			logger.Error().Err(err).Msg("worker stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
}

// buildRegistry mirrors the API wiring: the worker issues compensating
// refunds through the same adapters.
func buildRegistry(cfg *config.Config, logger zerolog.Logger) (*provider.Registry, error) {
	client := func(name string) resilience.Client {
		return resilience.Client{
			HTTP: &http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			Breaker: resilience.NewBreaker(name, cfg.CircuitMinRequests,
				cfg.CircuitFailureRate, cfg.CircuitOpenFor, logger),
			BaseBackoff: cfg.ProviderRetryBase,
			MaxAttempts: cfg.ProviderRetryMax + 1,
			Timeout:     cfg.ProviderTimeout,
		}
	}
	return provider.NewRegistry(
		&provider.PaystackAdapter{
			Secret:    cfg.PaystackSecret,
			BaseURL:   cfg.PaystackBaseURL,
			Namespace: cfg.PaymentNamespace,
			IntentTTL: cfg.IntentTTL,
			Client:    client("paystack"),
			Logger:    logger,
		},
		&provider.FlutterwaveAdapter{
			Secret:    cfg.FlutterwaveSecret,
			BaseURL:   cfg.FlutterwaveBaseURL,
			Namespace: cfg.PaymentNamespace,
			IntentTTL: cfg.IntentTTL,
			Client:    client("flutterwave"),
			Logger:    logger,
		},
		&provider.MpesaAdapter{
			Secret:    cfg.MpesaSecret,
			BaseURL:   cfg.MpesaBaseURL,
			ShortCode: cfg.MpesaShortCode,
			Namespace: cfg.PaymentNamespace,
			IntentTTL: cfg.IntentTTL,
			Tolerance: cfg.WebhookTolerance,
			Rates:     provider.DefaultRates,
			Client:    client("mpesa"),
			Logger:    logger,
		},
	)
}
