package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Store    string
	BoltPath string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	CacheTTL  time.Duration

	BusProvider string
	NatsHost    string
	NatsPort    string

	ApiEnabled string
	ApiPort    string
	GRPCPort   string

	WebhookSecret     string
	ProviderSecretKey string
	ProviderMode      string
	ProviderBaseURL   string

	VerifyTimeout  time.Duration
	VerifyAttempts int
	TxAttempts     int
	SweepInterval  time.Duration
	SweepBatch     int
}

// New loads and validates configuration from environment variables.
// HTTP and gRPC servers are optional: ApiAddr()/GRPCAddr() return an error
// when they are not configured and the server simply won't start. Redis is
// optional too; without it the outcome cache is disabled.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store:             getEnv("TALLYD_STORE", "postgres"),
		BoltPath:          getEnv("TALLYD_BOLT_PATH", "tallyd.db"),
		DBUser:            os.Getenv("TALLYD_POSTGRES_USER"),
		DBPass:            os.Getenv("TALLYD_POSTGRES_PASSWORD"),
		DBHost:            os.Getenv("TALLYD_POSTGRES_HOST"),
		DBPort:            getEnv("TALLYD_POSTGRES_PORT", "5432"),
		DBName:            os.Getenv("TALLYD_POSTGRES_DB"),
		SSLMode:           getEnv("TALLYD_POSTGRES_SSLMODE", "disable"),
		RedisHost:         os.Getenv("TALLYD_REDIS_HOST"),
		RedisPort:         getEnv("TALLYD_REDIS_PORT", "6379"),
		CacheTTL:          getEnvDuration("TALLYD_CACHE_TTL", 24*time.Hour),
		BusProvider:       getEnv("TALLYD_BUS_PROVIDER", "none"),
		NatsHost:          os.Getenv("TALLYD_NATS_HOST"),
		NatsPort:          getEnv("TALLYD_NATS_PORT", "4222"),
		ApiEnabled:        os.Getenv("TALLYD_API_ENABLED"),
		ApiPort:           os.Getenv("TALLYD_API_PORT"),
		GRPCPort:          os.Getenv("TALLYD_GRPC_PORT"),
		WebhookSecret:     os.Getenv("TALLYD_WEBHOOK_SECRET"),
		ProviderSecretKey: os.Getenv("TALLYD_PROVIDER_SECRET_KEY"),
		ProviderMode:      getEnv("TALLYD_PROVIDER_MODE", "sandbox"),
		ProviderBaseURL:   os.Getenv("TALLYD_PROVIDER_BASE_URL"),
		VerifyTimeout:     getEnvDuration("TALLYD_VERIFY_TIMEOUT", 10*time.Second),
		VerifyAttempts:    getEnvInt("TALLYD_VERIFY_ATTEMPTS", 3),
		TxAttempts:        getEnvInt("TALLYD_TX_ATTEMPTS", 4),
		SweepInterval:     getEnvDuration("TALLYD_SWEEP_INTERVAL", 30*time.Second),
		SweepBatch:        getEnvInt("TALLYD_SWEEP_BATCH", 100),
	}

	// Required: store
	switch cfg.Store {
	case "postgres":
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
			return nil, fmt.Errorf("missing required env for database: TALLYD_POSTGRES_USER/HOST/DB")
		}
	case "bolt":
		if cfg.BoltPath == "" {
			return nil, fmt.Errorf("missing required env for bolt store: TALLYD_BOLT_PATH")
		}
	default:
		return nil, fmt.Errorf("invalid store %q, must be 'postgres' or 'bolt'", cfg.Store)
	}

	// Required: bus provider
	switch cfg.BusProvider {
	case "nats":
		if cfg.NatsHost == "" {
			return nil, fmt.Errorf("missing required env for nats bus: TALLYD_NATS_HOST")
		}
	case "none":
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats' or 'none'", cfg.BusProvider)
	}

	// Required: secrets
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("missing required env: TALLYD_WEBHOOK_SECRET")
	}
	if cfg.ProviderSecretKey == "" {
		return nil, fmt.Errorf("missing required env: TALLYD_PROVIDER_SECRET_KEY")
	}
	if cfg.ProviderMode != "sandbox" && cfg.ProviderMode != "live" {
		return nil, fmt.Errorf("invalid provider mode %q, must be 'sandbox' or 'live'", cfg.ProviderMode)
	}

	if cfg.VerifyAttempts < 1 || cfg.TxAttempts < 1 {
		return nil, fmt.Errorf("TALLYD_VERIFY_ATTEMPTS and TALLYD_TX_ATTEMPTS must be at least 1")
	}
	if cfg.VerifyTimeout <= 0 {
		return nil, fmt.Errorf("TALLYD_VERIFY_TIMEOUT must be positive, got %s", cfg.VerifyTimeout)
	}
	// The outcome cache expires keys in whole seconds.
	if cfg.CacheTTL < time.Second {
		return nil, fmt.Errorf("TALLYD_CACHE_TTL must be at least 1s, got %s", cfg.CacheTTL)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// CacheEnabled reports whether a redis outcome cache is configured.
func (c *Config) CacheEnabled() bool {
	return c.RedisHost != ""
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// GRPCAddr returns the gRPC listen address, or an error when TALLYD_GRPC_PORT
// is unset and the gRPC server should be skipped.
func (c *Config) GRPCAddr() (string, error) {
	if c.GRPCPort == "" {
		return "", fmt.Errorf("gRPC server is disabled (TALLYD_GRPC_PORT is empty)")
	}
	return ":" + c.GRPCPort, nil
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if TALLYD_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("TALLYD_API_PORT is required when TALLYD_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (TALLYD_API_ENABLED != true)")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return d
}

// NewPostgres loads only the postgres connection settings, for tools such
// as the migrator that never serve traffic.
func NewPostgres() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store:   "postgres",
		DBUser:  os.Getenv("TALLYD_POSTGRES_USER"),
		DBPass:  os.Getenv("TALLYD_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("TALLYD_POSTGRES_HOST"),
		DBPort:  getEnv("TALLYD_POSTGRES_PORT", "5432"),
		DBName:  os.Getenv("TALLYD_POSTGRES_DB"),
		SSLMode: getEnv("TALLYD_POSTGRES_SSLMODE", "disable"),
	}
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("missing required env for database: TALLYD_POSTGRES_USER/HOST/DB")
	}
	return cfg, nil
}
