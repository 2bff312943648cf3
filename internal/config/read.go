package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const DefaultPort = 5555

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("max_payload", 1<<20)
	v.SetDefault("outbound_buffer", 256)
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "chat_history.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("mirror.nats_url", "")
	v.SetDefault("mirror.subject_prefix", "chat.messages")
}

// ReadConfig reads the configuration file at configPath over the defaults.
// An empty path yields the defaults. The format follows the file extension
// (json, yaml, toml, ...).
func ReadConfig(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}
