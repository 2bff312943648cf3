package config

import (
	"net"
	"strconv"
	"time"
)

type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	MaxPayload     int           `mapstructure:"max_payload"`
	OutboundBuffer int           `mapstructure:"outbound_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Store          StoreConfig   `mapstructure:"store"`
	Mirror         MirrorConfig  `mapstructure:"mirror"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
}

// MirrorConfig enables publishing persisted messages to NATS. An empty URL
// disables the mirror.
type MirrorConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Addr is the chat listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
