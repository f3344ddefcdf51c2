package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/config"
	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/handler"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/cache"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/client"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/lock"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/observability"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/resilience"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/store/memory"
	redisstore "github.com/boddenberg/credit-scenarios-go/internal/infra/store/redis"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/store/sqlite"
	"github.com/boddenberg/credit-scenarios-go/internal/port"
	"github.com/boddenberg/credit-scenarios-go/internal/service"

	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "credit-scenarios"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := config.LoadDotEnv(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if p, _ := cmd.Flags().GetInt("port"); p != 0 {
			cfg.Port = p
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (overrides PORT)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, serviceName)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("llm_model", cfg.LLMModel),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("turn_timeout", cfg.TurnTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Session store ---
	repo, lockOpts, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Cache ---
	scoreCache := cache.New[domain.ScoreReport](cfg.CacheTTL)
	defer scoreCache.Close()

	// --- Language model ---
	cb := resilience.NewCircuitBreaker("llm", func(name string, from, to gobreaker.State) {
		logger.Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	llm := client.NewLLMClient(
		&http.Client{Timeout: cfg.HTTPTimeout},
		client.LLMOptions{
			BaseURL:     cfg.LLMAPIURL,
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
		},
		cb,
		resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		},
	)
	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY is empty, model calls will likely be rejected")
	}

	// --- Services ---
	locks := lock.NewManager(append(lockOpts, lock.WithLogger(logger))...)
	workflow := service.NewWorkflow(repo, llm, locks, metrics, logger,
		service.WithTurnTimeout(cfg.TurnTimeout),
	)
	scores := service.NewScoreService(scoreCache, metrics)

	// --- Router ---
	router := handler.NewRouter(workflow, scores, metrics, logger, cfg.CORSOrigins)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.TurnTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore builds the configured session repository. The Redis backend also
// contributes a distributed lock so turns stay single-writer across replicas.
func openStore(cfg *config.Config, logger *zap.Logger) (port.SessionRepository, []lock.Option, func() error, error) {
	noop := func() error { return nil }

	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		store := redisstore.NewFromClient(rdb, redisstore.WithTTL(cfg.SessionTTL))
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, nil, noop, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("using redis session store",
			zap.String("addr", cfg.RedisAddr),
			zap.Int("db", cfg.RedisDB),
			zap.Duration("session_ttl", cfg.SessionTTL),
		)
		locker := redisstore.NewLocker(rdb, "")
		return store, []lock.Option{lock.WithDistributedLocker(locker, cfg.LockTTL)}, store.Close, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, noop, err
		}
		logger.Info("using sqlite session store", zap.String("path", cfg.SQLitePath))
		return store, nil, store.Close, nil

	default:
		logger.Warn("using in-memory session store, sessions are lost on restart")
		return memory.New(), nil, noop, nil
	}
}
