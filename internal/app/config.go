package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"portfolio-serverless/internal/auth"
	"portfolio-serverless/internal/ratelimit"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

type Config struct {
	AppEnv string
	Port   string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	RunMigrations     bool
	RedisURL          string
	TrustProxyHeaders bool
	SentryDSN         string
	CronSecret        string
	CloudinaryURL     string
	CloudinaryFolder  string
	AttemptRetention  time.Duration
	CleanupBatchSize  int
	ProjectsBackend   string
	RateLimitBackend  string
	RevocationBackend string
	Credentials       auth.CredentialConfig
	Tokens            auth.TokenConfig
	RateLimit         ratelimit.Config
}

// Development is true only when APP_ENV=development is set explicitly. It
// drops the Secure cookie flag and adds error detail to 500 responses.
func (c Config) Development() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// LoadConfig reads the process environment. Call godotenv first to pick up a
// local .env file.
func LoadConfig() (Config, error) {
	cfg := Config{
		AppEnv:            envOrDefault("APP_ENV", "production"),
		Port:              envOrDefault("PORT", "8080"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:     EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		TrustProxyHeaders: EnvBoolOrDefault("TRUST_PROXY_HEADERS", false),
		SentryDSN:         strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		CronSecret:        strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CloudinaryURL:     strings.TrimSpace(os.Getenv("CLOUDINARY_URL")),
		CloudinaryFolder:  envOrDefault("CLOUDINARY_FOLDER", "portfolio"),
		AttemptRetention:  envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		CleanupBatchSize:  envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		ProjectsBackend:   strings.ToLower(envOrDefault("PROJECTS_BACKEND", BackendPostgres)),
		RateLimitBackend:  strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", BackendMemory)),
		RevocationBackend: strings.ToLower(envOrDefault("REVOCATION_BACKEND", BackendNone)),
		Credentials: auth.CredentialConfig{
			Username:     os.Getenv("ADMIN_USERNAME"),
			Password:     os.Getenv("ADMIN_PASSWORD"),
			UsernameHash: strings.TrimSpace(os.Getenv("ADMIN_USERNAME_HASH")),
			PasswordHash: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH")),
			Salt:         os.Getenv("AUTH_SALT"),
			Iterations:   envIntOrDefault("AUTH_ITERATIONS", auth.DefaultIterations),
			Digest:       strings.ToLower(envOrDefault("AUTH_DIGEST", auth.DefaultDigest)),
			KeyLength:    envIntOrDefault("AUTH_KEY_LENGTH", auth.DefaultKeyLength),
		},
		Tokens: auth.TokenConfig{
			AccessSecret:  strings.TrimSpace(os.Getenv("JWT_ACCESS_SECRET")),
			RefreshSecret: strings.TrimSpace(os.Getenv("JWT_REFRESH_SECRET")),
			AccessTTL:     envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
			RefreshTTL:    envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
			Issuer:        envOrDefault("JWT_ISSUER", auth.DefaultIssuer),
			Audience:      envOrDefault("JWT_AUDIENCE", auth.DefaultAudience),
		},
		RateLimit: ratelimit.Config{
			MaxAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			Window:      envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NeedsDatabase reports whether any selected backend lives in Postgres.
func (c Config) NeedsDatabase() bool {
	return c.ProjectsBackend == BackendPostgres || c.RateLimitBackend == BackendPostgres
}

func (c Config) validate() error {
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	if c.Credentials.Salt == "" {
		return fmt.Errorf("missing required env: AUTH_SALT")
	}
	if c.Tokens.AccessSecret == "" {
		return fmt.Errorf("missing required env: JWT_ACCESS_SECRET")
	}
	if c.Tokens.RefreshSecret == "" {
		return fmt.Errorf("missing required env: JWT_REFRESH_SECRET")
	}

	switch c.ProjectsBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown PROJECTS_BACKEND %q", c.ProjectsBackend)
	}

	switch c.RateLimitBackend {
	case BackendMemory, BackendPostgres:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	switch c.RevocationBackend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REVOCATION_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown REVOCATION_BACKEND %q", c.RevocationBackend)
	}

	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
