package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables that override
// them. Bindings are explicit so the override surface stays documented in
// one place.
var envBindings = map[string]string{
	"server.host":               "SERVER_HOST",
	"server.port":               "SERVER_PORT",
	"database.host":             "DATABASE_HOST",
	"database.port":             "DATABASE_PORT",
	"database.database":         "DATABASE_NAME",
	"database.user":             "DATABASE_USER",
	"database.password":         "DATABASE_PASSWORD",
	"redis.host":                "REDIS_HOST",
	"redis.port":                "REDIS_PORT",
	"redis.password":            "REDIS_PASSWORD",
	"partitions.table":          "AUDIT_TABLE",
	"partitions.retention_days": "AUDIT_RETENTION_DAYS",
	"logging.level":             "LOG_LEVEL",
}

// Load reads configuration from a YAML file, applies environment overrides
// on top and validates the result. A missing file is not an error; the
// service can run on defaults and environment alone.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		fmt.Fprintf(os.Stderr, "config file %s not found, using defaults and environment\n", configPath)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}
