package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-stays/internal/auth"
	"github.com/noah-isme/backend-stays/internal/common"
	"github.com/noah-isme/backend-stays/internal/config"
	"github.com/noah-isme/backend-stays/internal/health"
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
		ServiceName:   "stays-payments-api",
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

	if cfg.MigrateOnStart {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

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

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisOpts.Addr,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	})
	defer func() { _ = asynqClient.Close() }()

	obs.MustRegisterDomainMetrics("stays", nil)
	httpMetrics := obs.NewHTTPMetrics("stays", obs.ParseBucketsCSV(cfg.MetricBuckets), nil)

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

	validate := validator.New()
	paymentHandlers := &payment.Handlers{Service: paymentSvc, Registry: registry, Validate: validate, Logger: logger}
	splitHandlers := &split.Handlers{Service: splitSvc, Validate: validate, Logger: logger}
	webhookHandler := &payment.WebhookHandler{
		Service:    paymentSvc,
		Registry:   registry,
		Redis:      rdb,
		ReplayTTL:  cfg.WebhookReplayTTL,
		Reconciler: split.Enqueuer{Client: asynqClient},
		Logger:     logger,
	}
	healthHandlers := &health.Handlers{Checks: map[string]health.Checker{
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}}
	authSvc := auth.NewService(cfg.JWTSecret)
	idem := common.Idem{R: rdb, TTL: cfg.IdempotencyTTL}

	webhookLimiter, err := buildWebhookLimiter(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("build webhook rate limiter")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthHandlers.Live)
	r.Get("/readyz", healthHandlers.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/debug", chimw.Profiler())

	r.Route("/webhooks/payment", func(r chi.Router) {
		r.Use(webhookLimiter.Handler)
		r.Post("/{provider}", webhookHandler.Handle)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth(authSvc))
		r.Route("/payments", func(r chi.Router) {
			r.With(idem.Middleware).Post("/", paymentHandlers.Create)
			r.Get("/methods", paymentHandlers.Methods)
			r.Get("/{paymentID}", paymentHandlers.Get)
			r.With(idem.Middleware).Post("/{paymentID}/refund", paymentHandlers.Refund)
		})
		r.Route("/bookings/{bookingID}", func(r chi.Router) {
			r.Get("/payments", paymentHandlers.BookingStatus)
			r.With(idem.Middleware).Post("/split", splitHandlers.Create)
		})
		r.Route("/splits/{groupID}", func(r chi.Router) {
			r.Get("/", splitHandlers.Status)
			r.With(idem.Middleware).Post("/contributions/{contributionID}/retry", splitHandlers.Retry)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           otelhttp.NewHandler(r, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
		os.Exit(1)
	}
}

// buildRegistry constructs one resilience-wrapped HTTP client per provider
// and assembles the adapter registry.
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

func buildWebhookLimiter(cfg *config.Config, rdb *redis.Client) (*limiterstdlib.Middleware, error) {
	limiterStore, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
		Prefix: "ratelimit:webhook",
	})
	if err != nil {
		return nil, err
	}
	instance := limiter.New(limiterStore, limiter.Rate{
		Period: cfg.WebhookRateWindow,
		Limit:  cfg.WebhookRateMax,
	})
	return limiterstdlib.NewMiddleware(instance), nil
}
