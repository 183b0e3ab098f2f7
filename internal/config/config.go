// Package config provides configuration management for the message delivery backbone.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration for the service.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	WhatsApp WhatsAppConfig
	Balancer BalancerConfig
	Queue    QueueConfig
	Cache    CacheConfig
	Health   HealthConfig
	Webhook  WebhookConfig
	AI       AIConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the durable-store (L3 / snapshot / alert history) PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig holds the shared KV store (L2 cache, assignments, queues) Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// WhatsAppConfig holds outbound collaborator client configuration.
type WhatsAppConfig struct {
	APIEndpoint      string        `mapstructure:"api_endpoint"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	RequestsPerSecond float64      `mapstructure:"requests_per_second"`
	Burst            int           `mapstructure:"burst"`
}

// BalancerConfig holds Number Pool Load Balancer tuning.
type BalancerConfig struct {
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	RecoveryThreshold     int           `mapstructure:"recovery_threshold"`
	RehabilitationDelay   time.Duration `mapstructure:"rehabilitation_delay"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	RateLimitWindow       time.Duration `mapstructure:"rate_limit_window"`
	MaxMessagesPerWindow  int           `mapstructure:"max_messages_per_window"`
	Numbers               []SendingNumberConfig `mapstructure:"numbers"`
}

// SendingNumberConfig seeds one SendingNumber into the balancer's pool at startup.
type SendingNumberConfig struct {
	PhoneID     string `mapstructure:"phone_id"`
	AccountID   string `mapstructure:"account_id"`
	Token       string `mapstructure:"token"`
	DisplayName string `mapstructure:"display_name"`
	MaxCapacity int    `mapstructure:"max_capacity"`
}

// QueueConfig holds Priority Queue Processor tuning.
type QueueConfig struct {
	MaxWorkers          int           `mapstructure:"max_workers"`
	MaxConcurrentPerUser int          `mapstructure:"max_concurrent_per_user"`
	BatchSize           int           `mapstructure:"batch_size"`
	ScheduledSweepInterval time.Duration `mapstructure:"scheduled_sweep_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
}

// CacheConfig holds Multi-Level Cache tuning.
type CacheConfig struct {
	MaxMemoryEntries    int           `mapstructure:"max_memory_entries"`
	MaxMemoryBytes      int64         `mapstructure:"max_memory_bytes"`
	CompressionThreshold int          `mapstructure:"compression_threshold_bytes"`
	DefaultTTL          time.Duration `mapstructure:"default_ttl"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	EvictionTargetRatio float64       `mapstructure:"eviction_target_ratio"`
}

// HealthConfig holds Health/Failover Controller tuning.
type HealthConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
	MaxSnapshots         int           `mapstructure:"max_snapshots"`
	FailoverStageGap     time.Duration `mapstructure:"failover_stage_gap"`
	StabilizationWait    time.Duration `mapstructure:"stabilization_wait"`
	EmergencyContacts    []string      `mapstructure:"emergency_contacts"`
}

// WebhookConfig holds inbound webhook ingress configuration.
type WebhookConfig struct {
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	VerifyToken  string `mapstructure:"verify_token"`
}

// AIConfig holds the AI reply collaborator's circuit-broken call contract
// tuning (reply content generation itself is out of scope).
type AIConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BreakerMinRequests uint32       `mapstructure:"breaker_min_requests"`
	BreakerFailureRatio float64     `mapstructure:"breaker_failure_ratio"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// LoadConfig loads and validates the service configuration from environment variables and config files.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("BACKBONE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/messagebackbone/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")
	v.SetDefault("database.migrations_path", "internal/store/migrations")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("whatsapp.timeout", "30s")
	v.SetDefault("whatsapp.retry_attempts", 3)
	v.SetDefault("whatsapp.retry_delay", "5s")
	v.SetDefault("whatsapp.requests_per_second", 20.0)
	v.SetDefault("whatsapp.burst", 40)

	v.SetDefault("balancer.failure_threshold", 5)
	v.SetDefault("balancer.recovery_threshold", 3)
	v.SetDefault("balancer.rehabilitation_delay", "60s")
	v.SetDefault("balancer.health_check_interval", "30s")
	v.SetDefault("balancer.rate_limit_window", "1m")
	v.SetDefault("balancer.max_messages_per_window", 60)

	v.SetDefault("queue.max_workers", 20)
	v.SetDefault("queue.max_concurrent_per_user", 3)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.scheduled_sweep_interval", "5s")
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.retry_base_delay", "1s")
	v.SetDefault("queue.retry_max_delay", "60s")

	v.SetDefault("cache.max_memory_entries", 10000)
	v.SetDefault("cache.max_memory_bytes", 100*1024*1024)
	v.SetDefault("cache.compression_threshold_bytes", 1024)
	v.SetDefault("cache.default_ttl", "15m")
	v.SetDefault("cache.cleanup_interval", "5m")
	v.SetDefault("cache.eviction_target_ratio", 0.9)

	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.snapshot_interval", "5m")
	v.SetDefault("health.max_snapshots", 10)
	v.SetDefault("health.failover_stage_gap", "5s")
	v.SetDefault("health.stabilization_wait", "60s")

	v.SetDefault("webhook.max_body_bytes", 2*1024*1024)

	v.SetDefault("ai.timeout", "10s")
	v.SetDefault("ai.breaker_min_requests", 5)
	v.SetDefault("ai.breaker_failure_ratio", 0.6)
	v.SetDefault("ai.breaker_open_timeout", "30s")
}

func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.Balancer.FailureThreshold <= 0 {
		return fmt.Errorf("balancer failure threshold must be positive")
	}
	if cfg.Balancer.RecoveryThreshold <= 0 {
		return fmt.Errorf("balancer recovery threshold must be positive")
	}
	if cfg.Queue.MaxWorkers <= 0 {
		return fmt.Errorf("queue max workers must be positive")
	}
	if cfg.Queue.MaxConcurrentPerUser <= 0 {
		return fmt.Errorf("queue max concurrent per user must be positive")
	}
	if cfg.Cache.MaxMemoryEntries <= 0 {
		return fmt.Errorf("cache max memory entries must be positive")
	}
	if cfg.Cache.MaxMemoryBytes <= 0 {
		return fmt.Errorf("cache max memory bytes must be positive")
	}
	if cfg.Health.MaxSnapshots <= 0 {
		return fmt.Errorf("health max snapshots must be positive")
	}
	return nil
}
