package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	razorpay "github.com/razorpay/razorpay-go"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/kartstack/payments-bridge/internal/common"
	"github.com/kartstack/payments-bridge/internal/config"
	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/health"
	"github.com/kartstack/payments-bridge/internal/obs"
	"github.com/kartstack/payments-bridge/internal/payment"
	"github.com/kartstack/payments-bridge/internal/queue"
	"github.com/kartstack/payments-bridge/internal/resilience"
	"github.com/kartstack/payments-bridge/internal/security"
	"github.com/kartstack/payments-bridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paybridge")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payments-bridge-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "payments-bridge-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}
	taskClient := asynq.NewClient(asynqOpt)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	gateways := buildGateways(cfg, logger)
	if len(gateways) == 0 {
		logger.Fatal().Msg("no payment gateway configured")
	}

	sessions := store.Sessions{DB: pool}
	svc := &payment.Service{
		Store:          sessions,
		Gateways:       gateways,
		Reconcile:      queue.Enqueuer{Client: taskClient, MaxRetry: cfg.ReconcileMaxRetry},
		ReturnURLBase:  cfg.ReturnURLBase,
		ReconcileDelay: cfg.ReconcileDelay,
		Logger:         logger,
	}
	paymentHandler := &payment.Handler{Svc: svc, Validate: validator.New()}
	webhookHandler := &payment.WebhookHandler{
		Svc:       svc,
		Redis:     redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    logger,
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	webhookLimit := webhookRateLimiter(cfg, redisClient, logger)

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.EnableHSTS}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	pprofEnabled := envBool("OBS_ENABLE_PPROF", true)
	if pprofEnabled {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments/{provider}", func(p chi.Router) {
			p.With(idem.Middleware).Post("/intent", paymentHandler.Initiate)
			p.Route("/{orderId}", func(s chi.Router) {
				s.Get("/", paymentHandler.Retrieve)
				s.Delete("/", paymentHandler.Delete)
				s.Get("/status", paymentHandler.Status)
				s.Post("/authorize", paymentHandler.Authorize)
				s.Post("/capture", paymentHandler.Capture)
				s.Post("/cancel", paymentHandler.Cancel)
				s.Post("/refund", paymentHandler.Refund)
			})
		})

		wh := v.Group(nil)
		if webhookLimit != nil {
			wh.Use(webhookLimit.Handler)
		}
		wh.Post("/webhooks/payment/{provider}", webhookHandler.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	stop, stopCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopCancel()
	<-stop.Done()

	health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildGateways(cfg *config.Config, logger zerolog.Logger) map[string]gateway.Gateway {
	gateways := map[string]gateway.Gateway{}

	if cfg.CashfreeClientID != "" && cfg.CashfreeClientSecret != "" {
		cfLogger := logger.With().Str("gateway", "cashfree").Logger()
		breaker := resilience.NewBreaker(cfg.CircuitMinReq, cfg.CircuitFailureRate, cfg.CircuitOpenFor).
			WithTarget("cashfree").
			WithLogger(cfLogger)
		gateways["cashfree"] = gateway.Cashfree{
			ClientID:     cfg.CashfreeClientID,
			ClientSecret: cfg.CashfreeClientSecret,
			BaseURL:      cfg.CashfreeBaseURL,
			APIVersion:   cfg.CashfreeAPIVersion,
			HTTP: &resilience.HTTPClient{
				Client:      &http.Client{Timeout: cfg.OutboundTimeout},
				Breaker:     breaker,
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryMaxAttempts,
				Jitter:      cfg.RetryJitterPercent,
				Timeout:     cfg.OutboundTimeout,
				Target:      "cashfree",
				Logger:      &cfLogger,
			},
			PollClient:   &http.Client{Timeout: cfg.OutboundTimeout},
			PollAttempts: cfg.StatusPollAttempts,
			PollDelay:    cfg.StatusPollDelay,
			Logger:       cfLogger,
		}
	}

	if cfg.RazorpayKeyID != "" && cfg.RazorpayKeySecret != "" {
		gateways["razorpay"] = gateway.Razorpay{
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			Client:        razorpay.NewClient(cfg.RazorpayKeyID, cfg.RazorpayKeySecret),
			Logger:        logger.With().Str("gateway", "razorpay").Logger(),
		}
	}

	return gateways
}

func webhookRateLimiter(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) *limiterstdlib.Middleware {
	rate, err := limiter.NewRateFromFormatted(cfg.WebhookRateLimit)
	if err != nil {
		logger.Error().Err(err).Str("rate", cfg.WebhookRateLimit).Msg("parse webhook rate limit")
		return nil
	}
	storeOpt, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "paybridge:rl"})
	if err != nil {
		logger.Error().Err(err).Msg("initialise rate limit store")
		return nil
	}
	return limiterstdlib.NewMiddleware(limiter.New(storeOpt, rate))
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
