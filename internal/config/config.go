package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the genflow server and CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Worker    WorkerConfig
	Vault     VaultConfig
	Auth      AuthConfig
	Providers ProvidersConfig
	S3        S3Config
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	LogLevel        slog.Level
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// NATSConfig selects the start-event transport. An empty URL runs workers in-process.
type NATSConfig struct {
	URL     string
	Subject string
	Durable string
}

type WorkerConfig struct {
	Concurrency int
}

type VaultConfig struct {
	MasterKey string
	LegacyKey string
}

type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

type ProvidersConfig struct {
	Mode    string
	Timeout time.Duration
	OpenAI  OpenAIConfig
	Gemini  GeminiConfig
	Veo     VeoConfig
}

type OpenAIConfig struct {
	BaseURL    string
	TextModel  string
	ImageModel string
}

type GeminiConfig struct {
	BaseURL    string
	ImageModel string
}

type VeoConfig struct {
	BaseURL      string
	Model        string
	PollInterval time.Duration
}

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

type TelemetryConfig struct {
	Enabled     bool
	ServiceName string
}

const (
	ProviderModeLive = "live"
	ProviderModeMock = "mock"
)

var dotenvOnce sync.Once

// loadDotEnv loads .env and .env.local when present. godotenv never overrides
// variables already set in the process environment.
func loadDotEnv() {
	dotenvOnce.Do(func() {
		for _, f := range []string{".env.local", ".env"} {
			if _, err := os.Stat(f); err != nil {
				continue
			}
			if err := godotenv.Load(f); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", f, err)
			}
		}
	})
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("GENFLOW_PORT", 8080),
			Env:             envString("GENFLOW_ENV", "development"),
			LogLevel:        envLogLevel("LOG_LEVEL", slog.LevelInfo),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL:     os.Getenv("NATS_URL"),
			Subject: envString("NATS_START_SUBJECT", "genflow.workflows.start"),
			Durable: envString("NATS_DURABLE", "genflow-workers"),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", 4),
		},
		Vault: VaultConfig{
			MasterKey: os.Getenv("VAULT_MASTER_KEY"),
			LegacyKey: os.Getenv("VAULT_LEGACY_KEY"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			JWTIssuer: envString("JWT_ISSUER", "genflow"),
		},
		Providers: ProvidersConfig{
			Mode:    envString("PROVIDER_MODE", ProviderModeLive),
			Timeout: envDurationSecs("PROVIDER_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL:    envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				TextModel:  envString("OPENAI_TEXT_MODEL", "gpt-4o-mini"),
				ImageModel: envString("OPENAI_IMAGE_MODEL", "dall-e-3"),
			},
			Gemini: GeminiConfig{
				BaseURL:    envString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				ImageModel: envString("GEMINI_IMAGE_MODEL", "imagen-3.0-generate-002"),
			},
			Veo: VeoConfig{
				BaseURL:      envString("VEO_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				Model:        envString("VEO_MODEL", "veo-3.0-generate-preview"),
				PollInterval: envDuration("VEO_POLL_INTERVAL", 5*time.Second),
			},
		},
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    envString("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
		},
		Telemetry: TelemetryConfig{
			Enabled:     envBool("OTEL_ENABLED", false),
			ServiceName: envString("OTEL_SERVICE_NAME", "genflow"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether the server runs with production safeguards.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Vault.MasterKey == "" {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	if c.IsProduction() && len(c.Vault.MasterKey) < 32 {
		return fmt.Errorf("VAULT_MASTER_KEY must be at least 32 characters in production")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.NATS.URL)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	switch c.Providers.Mode {
	case ProviderModeLive, ProviderModeMock:
	default:
		return fmt.Errorf("PROVIDER_MODE must be one of live, mock; got %q", c.Providers.Mode)
	}
	if c.IsProduction() && c.Providers.Mode == ProviderModeMock {
		return fmt.Errorf("PROVIDER_MODE=mock is not allowed in production")
	}

	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT_SECS must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
