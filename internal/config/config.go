package config

import (
	"errors"
	"time"

	"github.com/smedrec/smart-logs-ops/internal/model"
)

// Config represents the audit operations service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Partitions  PartitionsConfig  `mapstructure:"partitions"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the ops HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig represents the PostgreSQL audit store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the Redis KV store configuration. An empty host
// selects the in-process store, for development and tests.
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// BreakerConfig represents default circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// PartitionsConfig represents partition lifecycle policy
type PartitionsConfig struct {
	Table           string        `mapstructure:"table"`
	Strategy        string        `mapstructure:"strategy"`
	Interval        string        `mapstructure:"interval"`
	RetentionDays   int           `mapstructure:"retention_days"`
	LookaheadMonths int           `mapstructure:"lookahead_months"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	SafetyWindow    time.Duration `mapstructure:"safety_window"`
	DDLRate         float64       `mapstructure:"ddl_rate"`
	ArchiveDir      string        `mapstructure:"archive_dir"`
}

// MaintenanceConfig represents the background maintenance loop configuration
type MaintenanceConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	AutoCreatePartitions bool          `mapstructure:"auto_create_partitions"`
	AutoDropPartitions   bool          `mapstructure:"auto_drop_partitions"`
}

// CacheConfig represents the response cache policy
type CacheConfig struct {
	Enabled              bool           `mapstructure:"enabled"`
	DefaultTTL           int            `mapstructure:"default_ttl"` // seconds
	KeyPrefix            string         `mapstructure:"key_prefix"`
	ExcludeEndpoints     []string       `mapstructure:"exclude_endpoints"`
	DisableCachePatterns []string       `mapstructure:"disable_cache_patterns"`
	EndpointTTLOverrides map[string]int `mapstructure:"endpoint_ttl_overrides"` // seconds
}

// QueueConfig represents the request queue configuration
type QueueConfig struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	QueueTimeout          time.Duration `mapstructure:"queue_timeout"`
	QueueSize             int           `mapstructure:"queue_size"`
	EnableRequestQueue    bool          `mapstructure:"enable_request_queue"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration. A non-empty File enables
// rotation via lumberjack.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Validate checks for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Partitions.Table == "" {
		return errors.New("partitions.table is required")
	}
	if model.PartitionStrategy(c.Partitions.Strategy) != model.PartitionStrategyRange {
		return errors.New("partitions.strategy must be: range")
	}
	if !model.PartitionInterval(c.Partitions.Interval).Valid() {
		return errors.New("partitions.interval must be one of: monthly, quarterly, yearly")
	}
	if c.Partitions.RetentionDays <= 0 {
		return errors.New("partitions.retention_days must be positive")
	}
	if c.Partitions.LookaheadMonths <= 0 {
		return errors.New("partitions.lookahead_months must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return errors.New("breaker.failure_threshold must be positive")
	}
	if c.Cache.DefaultTTL < 0 {
		return errors.New("cache.default_ttl must not be negative")
	}
	if c.Queue.MaxConcurrentRequests <= 0 {
		return errors.New("queue.max_concurrent_requests must be positive")
	}
	if c.Queue.QueueSize <= 0 {
		return errors.New("queue.queue_size must be positive")
	}
	if c.Maintenance.Interval <= 0 {
		return errors.New("maintenance.interval must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values. Retention defaults to
// seven years, the common compliance floor for audit records.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8088,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "smartlogs_audit",
			User:            "auditops",
			Password:        "",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     50,
			MinIdleConns: 5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			ResetTimeout:     60 * time.Second,
		},
		Partitions: PartitionsConfig{
			Table:           "audit_log",
			Strategy:        "range",
			Interval:        "monthly",
			RetentionDays:   2555,
			LookaheadMonths: 6,
			LockTTL:         30 * time.Second,
			SafetyWindow:    24 * time.Hour,
			DDLRate:         2,
			ArchiveDir:      "",
		},
		Maintenance: MaintenanceConfig{
			Interval:             time.Hour,
			AutoCreatePartitions: true,
			AutoDropPartitions:   false,
		},
		Cache: CacheConfig{
			Enabled:              true,
			DefaultTTL:           300,
			KeyPrefix:            "smartlogs:cache:",
			ExcludeEndpoints:     []string{},
			DisableCachePatterns: []string{},
			EndpointTTLOverrides: map[string]int{},
		},
		Queue: QueueConfig{
			MaxConcurrentRequests: 10,
			QueueTimeout:          30 * time.Second,
			QueueSize:             100,
			EnableRequestQueue:    true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}
