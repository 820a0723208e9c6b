package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	razorpay "github.com/razorpay/razorpay-go"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kartstack/payments-bridge/internal/config"
	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/obs"
	"github.com/kartstack/payments-bridge/internal/payment"
	"github.com/kartstack/payments-bridge/internal/queue"
	"github.com/kartstack/payments-bridge/internal/resilience"
	"github.com/kartstack/payments-bridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	svc := &payment.Service{
		Store:          store.Sessions{DB: pool},
		Gateways:       workerGateways(cfg, logger),
		ReturnURLBase:  cfg.ReturnURLBase,
		ReconcileDelay: cfg.ReconcileDelay,
		Logger:         logger,
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}
	srv := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency: envInt("WORKER_CONCURRENCY", 5),
		Queues:      map[string]int{queue.QueueReconcile: 1},
		Logger:      asynqZerolog{logger},
	})

	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeReconcile, queue.ReconcileHandler{Svc: svc, Logger: logger})

	logger.Info().Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// workerGateways builds the gateway set the reconcile loop polls through. The
// worker never initiates sessions, so the outbound client stays lean.
func workerGateways(cfg *config.Config, logger zerolog.Logger) map[string]gateway.Gateway {
	gateways := map[string]gateway.Gateway{}

	if cfg.CashfreeClientID != "" && cfg.CashfreeClientSecret != "" {
		cfLogger := logger.With().Str("gateway", "cashfree").Logger()
		gateways["cashfree"] = gateway.Cashfree{
			ClientID:     cfg.CashfreeClientID,
			ClientSecret: cfg.CashfreeClientSecret,
			BaseURL:      cfg.CashfreeBaseURL,
			APIVersion:   cfg.CashfreeAPIVersion,
			HTTP: &resilience.HTTPClient{
				Client: &http.Client{Timeout: cfg.OutboundTimeout},
				Breaker: resilience.NewBreaker(cfg.CircuitMinReq, cfg.CircuitFailureRate, cfg.CircuitOpenFor).
					WithTarget("cashfree-worker").
					WithLogger(cfLogger),
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

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "payments-bridge-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

// asynqZerolog adapts zerolog to asynq's logger interface.
type asynqZerolog struct {
	l zerolog.Logger
}

func (a asynqZerolog) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqZerolog) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqZerolog) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqZerolog) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqZerolog) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
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
