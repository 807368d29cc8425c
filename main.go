package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/auth"
	"github.com/ekaya-inc/ekaya-router/pkg/backend"
	"github.com/ekaya-inc/ekaya-router/pkg/cache"
	"github.com/ekaya-inc/ekaya-router/pkg/config"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/display"
	"github.com/ekaya-inc/ekaya-router/pkg/handlers"
	"github.com/ekaya-inc/ekaya-router/pkg/logging"
	"github.com/ekaya-inc/ekaya-router/pkg/matcher"
	"github.com/ekaya-inc/ekaya-router/pkg/middleware"
	"github.com/ekaya-inc/ekaya-router/pkg/ratelimit"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
	"github.com/ekaya-inc/ekaya-router/pkg/retry"
	"github.com/ekaya-inc/ekaya-router/pkg/services"
	"github.com/ekaya-inc/ekaya-router/pkg/services/workqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

// shutdownTimeout bounds graceful shutdown of the HTTP server and worker pool.
const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Router exited with error", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeURL(cfg.Database.URL())),
		zap.String("redis", cfg.Redis.Host),
		zap.String("rate_limit_store", cfg.RateLimit.Store))

	// Storage
	db, err := connectDatabase(ctx, cfg.Database.URL(), cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer db.Close()

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(sqlDB, cfg.MigrationsPath, logger.Named("migrations")); err != nil {
		_ = sqlDB.Close()
		return err
	}
	_ = sqlDB.Close()

	readDB := db
	if dsn := cfg.Database.ReplicaConnectionString(); dsn != "" {
		replica, err := connectDatabase(ctx, dsn, cfg.Database.MaxConnections)
		if err != nil {
			return err
		}
		defer replica.Close()
		readDB = replica
		logger.Info("Rule store reads use the read replica", zap.String("replica", logging.SanitizeConnectionString(dsn)))
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Repositories
	entityRepo := repositories.NewEntityRepository(db)
	commandRepo := repositories.NewCommandRepository(db)
	permissionRepo := repositories.NewPermissionRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)
	executionRepo := repositories.NewExecutionRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	responseRepo := repositories.NewModuleResponseRepository(db)
	claimRepo := repositories.NewClaimRepository(db)

	// Rule store and matcher
	ruleCache := newRuleCache(ctx, redisClient, logger)
	ruleStore := services.NewRuleStore(
		repositories.NewEntityRepository(readDB),
		repositories.NewCommandRepository(readDB),
		repositories.NewPermissionRepository(readDB),
		repositories.NewRuleRepository(readDB),
		ruleCache,
		cfg.Router.CacheTTL(),
		logger,
	)

	patternMatcher := matcher.New(ruleStore, ruleRepo, matcher.Options{
		RegexTimeout:  cfg.Matcher.RegexTimeout(),
		MessageBudget: cfg.Matcher.MessageBudget(),
		MaxSetAge:     cfg.Matcher.MaxSetAge(),
	}, logger)
	go patternMatcher.RunStatsWriter(ctx)
	go patternMatcher.RunSweeper(ctx, cfg.Matcher.MaxSetAge())

	// Admission
	limiter := ratelimit.New(newLimiterStore(ctx, cfg, redisClient, logger), logger)

	// Dispatch
	pool := workqueue.NewPool(cfg.Router.WorkerPoolSize, logger)
	invoker := backend.NewRouter(&cfg.Backends, nil, logger)

	dispatcher := services.NewDispatchService(
		ruleStore, patternMatcher, limiter, invoker, pool,
		cfg.Router.MaxBackendTimeout(),
		executionRepo, permissionRepo, commandRepo, sessionRepo,
		logger,
	)

	forwarder := display.New(cfg.Display.URL, cfg.Display.RPS, logger)
	correlator := services.NewCorrelatorService(
		sessionRepo, executionRepo, responseRepo, db, forwarder, cfg.Sessions.TTL(), logger)
	ingress := services.NewIngressService(
		entityRepo, correlator, dispatcher, cfg.Router.MaxBatchSize, cfg.Router.BatchConcurrency, logger)

	coordination := services.NewCoordinationService(db, entityRepo, claimRepo, services.CoordinationSettings{
		Lease:            cfg.Coordination.Lease(),
		Grace:            cfg.Coordination.Grace(),
		ErrorThreshold:   cfg.Coordination.ErrorThreshold,
		AutoRelease:      cfg.Coordination.AutoReleaseOnThreshold,
		DefaultMaxClaims: cfg.Coordination.DefaultMaxClaims,
	}, logger)

	ruleAdmin := services.NewRuleAdminService(db, entityRepo, commandRepo, permissionRepo, ruleRepo, ruleStore, logger)
	retention := services.NewRetentionService(executionRepo, cfg.Retention.ExecutionDays, logger)

	// Background loops
	correlator.RunSweeper(ctx, cfg.Sessions.SweepInterval())
	coordination.RunSweeper(ctx, cfg.Coordination.SweepInterval())
	retention.RunScheduler(ctx, cfg.Retention.Interval())

	// Auth
	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		HMACSecret:         cfg.Auth.HMACSecret,
	})
	if err != nil {
		return err
	}
	defer jwksClient.Close()
	if !cfg.Auth.EnableVerification {
		logger.Warn("JWT verification is disabled; tokens are trusted without signature checks")
	}

	authService := auth.NewAuthService(jwksClient, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)

	// HTTP
	mux := http.NewServeMux()

	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return db.Ping(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)
	handlers.NewEventsHandler(ingress, correlator, dispatcher, logger.Named("events")).RegisterRoutes(mux, authMiddleware)
	handlers.NewCoordinationHandler(coordination, logger.Named("coordination-api")).RegisterRoutes(mux, authMiddleware)
	handlers.NewAdminHandler(ruleAdmin, logger.Named("admin-api")).RegisterRoutes(mux, authMiddleware)

	var handler http.Handler = mux
	handler = middleware.RequestLogger(logger.Named("http"))(handler)
	handler = middleware.Recover(logger)(handler)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-router",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))

		var err error
		if cfg.TLSCertPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("Worker pool did not drain before shutdown", zap.Error(err))
	}

	logger.Info("Router stopped")
	return nil
}

// connectDatabase opens a pool, retrying transient failures while the
// database comes up.
func connectDatabase(ctx context.Context, url string, maxConns int32) (*database.DB, error) {
	return retry.DoWithResult(ctx, retry.StartupConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            url,
			MaxConnections: maxConns,
		})
	})
}

func newRuleCache(ctx context.Context, client *redis.Client, logger *zap.Logger) cache.Cache {
	if client != nil {
		logger.Info("Rule cache: redis")
		return cache.NewRedisCache(client, "ekaya-router")
	}

	logger.Info("Rule cache: in-memory")
	mem := cache.NewMemoryCache()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mem.Sweep()
			}
		}
	}()
	return mem
}

func newLimiterStore(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) ratelimit.Store {
	if cfg.RateLimit.Store == "redis" && client != nil {
		logger.Info("Rate limit store: redis")
		return ratelimit.NewRedisStore(client)
	}

	logger.Info("Rate limit store: in-memory")
	store := ratelimit.NewMemoryStore()
	go store.RunSweeper(ctx, cfg.RateLimit.SweepInterval(), logger.Named("ratelimit"))
	return store
}
