package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"portfolio-serverless/internal/auth"
	"portfolio-serverless/internal/db"
	"portfolio-serverless/internal/maintenance"
	"portfolio-serverless/internal/media"
	"portfolio-serverless/internal/observability"
	"portfolio-serverless/internal/project"
	"portfolio-serverless/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  Config
	Handler http.Handler
	Logger  *observability.Logger
	Close   func() error
}

// Build loads configuration, connects the backing stores and assembles the
// HTTP handler. The database driver must be registered by the caller.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	var database *sql.DB
	if cfg.NeedsDatabase() {
		database, err = openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		closers = append(closers, database.Close)

		if options.RunMigrations || cfg.RunMigrations {
			if err := db.RunMigrations(context.Background(), database, logger); err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
		}
	}

	var redisClient *redis.Client
	if cfg.RateLimitBackend == BackendRedis || cfg.RevocationBackend == BackendRedis {
		redisClient, err = openRedis(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, redisClient.Close)
	}

	credentials, err := auth.NewCredentialStore(cfg.Credentials, logger)
	if err != nil {
		return fail(fmt.Errorf("init credentials: %w", err))
	}
	tokens, err := auth.NewTokenService(cfg.Tokens)
	if err != nil {
		return fail(fmt.Errorf("init tokens: %w", err))
	}

	// Stale attempt rows only exist when Postgres is wired.
	var attempts *ratelimit.PostgresLimiter
	var staleAttempts maintenance.StaleAttemptStore
	if database != nil {
		attempts = ratelimit.NewPostgresLimiter(database, cfg.RateLimit)
		staleAttempts = attempts
	}

	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case BackendRedis:
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit)
	case BackendPostgres:
		limiter = attempts
	default:
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit)
	}

	var revocations auth.RevocationStore
	switch cfg.RevocationBackend {
	case BackendRedis:
		revocations = auth.NewRedisRevocationStore(redisClient)
	case BackendMemory:
		revocations = auth.NewMemoryRevocationStore()
	}

	var projects project.Store
	switch cfg.ProjectsBackend {
	case BackendMemory:
		projects = project.NewMemoryStore()
	default:
		projects = project.NewRepository(database)
	}

	logger.Info("backends_selected", map[string]any{
		"projects":   cfg.ProjectsBackend,
		"rate_limit": cfg.RateLimitBackend,
		"revocation": cfg.RevocationBackend,
	})

	var uploads *media.UploadHandler
	if cfg.CloudinaryURL != "" {
		cloudinary, err := media.NewCloudinary(cfg.CloudinaryURL, cfg.CloudinaryFolder)
		if err != nil {
			return fail(fmt.Errorf("init cloudinary: %w", err))
		}
		uploads = media.NewUploadHandler(cloudinary, logger)
	}

	metrics := observability.NewMetrics()

	checks := map[string]HealthCheck{}
	if database != nil {
		checks["database"] = database.PingContext
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	handler := NewRouter(Dependencies{
		Logger:  logger,
		Metrics: metrics,
		Tokens:  tokens,
		Auth: auth.NewHandler(auth.HandlerConfig{
			Credentials:   credentials,
			Tokens:        tokens,
			Limiter:       limiter,
			Revocations:   revocations,
			Logger:        logger,
			Metrics:       metrics,
			SecureCookies: !cfg.Development(),
			TrustProxy:    cfg.TrustProxyHeaders,
			Development:   cfg.Development(),
		}),
		Projects: projects,
		Cleanup: maintenance.NewCleanupHandler(
			staleAttempts,
			logger,
			cfg.CronSecret,
			cfg.AttemptRetention,
			cfg.CleanupBatchSize,
		),
		Uploads:      uploads,
		HealthChecks: checks,
		TrustProxy:   cfg.TrustProxyHeaders,
	})

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			return closeAll()
		},
	}, nil
}

func openDatabase(cfg Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
