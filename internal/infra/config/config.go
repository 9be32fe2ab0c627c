package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	HTTPClient HTTPClientConfig          `mapstructure:"http_client"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit"`
	Batch      BatchConfig               `mapstructure:"batch"`
	Dispatch   DispatchConfig            `mapstructure:"dispatch"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Models     []ModelConfig             `mapstructure:"models"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Log        LogConfig                 `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// IsMemory reports whether the in-process store is selected.
func (c *DatabaseConfig) IsMemory() bool {
	return strings.EqualFold(c.Driver, "memory")
}

// RedisConfig holds Redis configuration. An empty address disables Redis.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPClientConfig holds HTTP client configuration for connection pooling.
type HTTPClientConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
	KeepAlive           time.Duration `mapstructure:"keep_alive"`
}

// RateLimitConfig holds request-level throttling configuration.
type RateLimitConfig struct {
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// BatchConfig holds batch orchestrator configuration.
type BatchConfig struct {
	// Workers is the per-job worker pool size.
	Workers         int           `mapstructure:"workers"`
	MaxItems        int           `mapstructure:"max_items"`
	InfraRetries    int           `mapstructure:"infra_retries"`
	InfraRetryDelay time.Duration `mapstructure:"infra_retry_delay"`
	RecoverOnStart  bool          `mapstructure:"recover_on_start"`
	// OrphanAfter is how long an item may stay in flight without progress
	// before another process treats its owner as gone. Zero derives it
	// from the dispatch deadline.
	OrphanAfter time.Duration `mapstructure:"orphan_after"`
}

// DispatchConfig holds provider dispatch configuration.
type DispatchConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	// RateLimit is the per-provider request budget per minute. Zero disables it.
	RateLimit int `mapstructure:"rate_limit"`
}

// Deadline is the longest a single dispatch can run across all attempts.
func (c DispatchConfig) Deadline() time.Duration {
	if c.MaxAttempts < 1 {
		return c.AttemptTimeout
	}
	return time.Duration(c.MaxAttempts)*c.AttemptTimeout + time.Duration(c.MaxAttempts-1)*c.MaxDelay
}

// ProviderConfig holds credentials for one generation provider.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ModelConfig describes one model in the catalog.
type ModelConfig struct {
	Key                string                     `mapstructure:"key"`
	Provider           string                     `mapstructure:"provider"`
	UpstreamModel      string                     `mapstructure:"upstream_model"`
	Capability         string                     `mapstructure:"capability"`
	CreditCost         int64                      `mapstructure:"credit_cost"`
	MaxConcurrencyHint int                        `mapstructure:"max_concurrency_hint"`
	Parameters         map[string]ParameterConfig `mapstructure:"parameters"`
}

// ParameterConfig describes one tunable generation parameter.
type ParameterConfig struct {
	Type    string   `mapstructure:"type"` // enum, int, string
	Allowed []string `mapstructure:"allowed"`
	Default string   `mapstructure:"default"`
	Min     int      `mapstructure:"min"`
	Max     int      `mapstructure:"max"`
}

// StorageConfig holds object storage configuration for asset archival.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

// Enabled reports whether asset archival is configured.
func (c *StorageConfig) Enabled() bool {
	return c.Bucket != ""
}

// AuthConfig holds JWT validation configuration.
type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_token_expiry"`
	Issuer            string        `mapstructure:"issuer"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from the default search paths and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from an explicit file when path is set.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/batchgen")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("BATCHGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets are also accepted under short names.
	if secret := os.Getenv("BATCHGEN_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if password := os.Getenv("BATCHGEN_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("BATCHGEN_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("BATCHGEN_STORAGE_SECRET_KEY"); key != "" {
		cfg.Storage.SecretAccessKey = key
	}
	for id, p := range cfg.Providers {
		if key := os.Getenv("BATCHGEN_" + strings.ToUpper(id) + "_API_KEY"); key != "" {
			p.APIKey = key
			cfg.Providers[id] = p
		}
	}

	if cfg.Batch.OrphanAfter == 0 {
		cfg.Batch.OrphanAfter = cfg.Dispatch.Deadline() + time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1, got %d", c.Batch.Workers)
	}
	if c.Batch.MaxItems < 1 {
		return fmt.Errorf("batch.max_items must be at least 1, got %d", c.Batch.MaxItems)
	}
	if c.Batch.OrphanAfter < c.Dispatch.Deadline() {
		return fmt.Errorf("batch.orphan_after must cover the dispatch deadline %s, got %s", c.Dispatch.Deadline(), c.Batch.OrphanAfter)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	for _, m := range c.Models {
		if m.Key == "" || m.Provider == "" {
			return fmt.Errorf("models: key and provider are required")
		}
		if m.CreditCost <= 0 {
			return fmt.Errorf("models: %s credit_cost must be positive", m.Key)
		}
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE streams stay open
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "batchgen")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("http_client.max_idle_conns", 100)
	v.SetDefault("http_client.max_idle_conns_per_host", 10)
	v.SetDefault("http_client.max_conns_per_host", 0)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 0)
	v.SetDefault("http_client.keep_alive", 30*time.Second)

	v.SetDefault("rate_limit.idempotency_ttl", 24*time.Hour)

	v.SetDefault("batch.workers", 3)
	v.SetDefault("batch.max_items", 100)
	v.SetDefault("batch.infra_retries", 3)
	v.SetDefault("batch.infra_retry_delay", 200*time.Millisecond)
	v.SetDefault("batch.recover_on_start", true)
	v.SetDefault("batch.orphan_after", 0)

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.base_delay", 500*time.Millisecond)
	v.SetDefault("dispatch.max_delay", 10*time.Second)
	v.SetDefault("dispatch.attempt_timeout", 120*time.Second)
	v.SetDefault("dispatch.failure_threshold", 5)
	v.SetDefault("dispatch.open_timeout", 30*time.Second)
	v.SetDefault("dispatch.rate_limit", 0)

	v.SetDefault("providers.openai.base_url", "https://api.openai.com")
	v.SetDefault("providers.replicate.base_url", "https://api.replicate.com")
	v.SetDefault("providers.runway.base_url", "https://api.dev.runwayml.com")

	v.SetDefault("storage.region", "auto")

	v.SetDefault("auth.access_token_expiry", time.Hour)
	v.SetDefault("auth.issuer", "batchgen")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
