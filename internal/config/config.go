// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package config loads server configuration from a YAML file, command-line
// flags and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"
)

// CodeInvalidConfig is the oops code of configuration errors.
const CodeInvalidConfig = "INVALID_CONFIG"

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
	Rooms      RoomsConfig      `koanf:"rooms" yaml:"rooms"`
	Connection ConnectionConfig `koanf:"connection" yaml:"connection"`
	Alerts     AlertsConfig     `koanf:"alerts" yaml:"alerts"`
	Archive    ArchiveConfig    `koanf:"archive" yaml:"archive"`

	Secrets Secrets `koanf:"-" yaml:"-"`
}

// ServerConfig holds listener addresses. An empty TelnetAddr disables telnet.
type ServerConfig struct {
	HTTPAddr    string `koanf:"http_addr" yaml:"http_addr" validate:"required"`
	MetricsAddr string `koanf:"metrics_addr" yaml:"metrics_addr"`
	TelnetAddr  string `koanf:"telnet_addr" yaml:"telnet_addr"`
}

// LogConfig controls log output.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format" validate:"oneof=json text"`
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// RoomsConfig controls the room directory.
type RoomsConfig struct {
	Global              string   `koanf:"global" yaml:"global" validate:"required,max=64"`
	HistoryCapacity     int      `koanf:"history_capacity" yaml:"history_capacity" validate:"min=1,max=100000"`
	DefaultHistoryLimit int      `koanf:"default_history_limit" yaml:"default_history_limit" validate:"min=1"`
	Allow               []string `koanf:"allow" yaml:"allow" validate:"dive,required"`
	MaxBody             int      `koanf:"max_body" yaml:"max_body" validate:"min=1"`
}

// ConnectionConfig controls per-connection limits and liveness.
type ConnectionConfig struct {
	SendBuffer       int           `koanf:"send_buffer" yaml:"send_buffer" validate:"min=1"`
	PingInterval     time.Duration `koanf:"ping_interval" yaml:"ping_interval" validate:"gt=0"`
	PongTimeout      time.Duration `koanf:"pong_timeout" yaml:"pong_timeout" validate:"gt=0"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" yaml:"handshake_timeout" validate:"gt=0"`
	MaxDisplayName   int           `koanf:"max_display_name" yaml:"max_display_name" validate:"min=1,max=256"`
	MaxFrameBytes    int64         `koanf:"max_frame_bytes" yaml:"max_frame_bytes" validate:"min=512"`
	// RateBurst and RatePerSecond throttle publish and alert events.
	// A zero RatePerSecond disables throttling.
	RateBurst     int     `koanf:"rate_burst" yaml:"rate_burst" validate:"min=1"`
	RatePerSecond float64 `koanf:"rate_per_second" yaml:"rate_per_second" validate:"min=0"`
}

// AlertsConfig controls the alert dispatcher and push provider.
type AlertsConfig struct {
	Topic        string        `koanf:"topic" yaml:"topic" validate:"required"`
	Provider     string        `koanf:"provider" yaml:"provider" validate:"oneof=log webhook"`
	WebhookURL   string        `koanf:"webhook_url" yaml:"webhook_url" validate:"required_if=Provider webhook,omitempty,url"`
	Timeout      time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
	DefaultTitle string        `koanf:"default_title" yaml:"default_title" validate:"required"`
	DefaultBody  string        `koanf:"default_body" yaml:"default_body" validate:"required"`
}

// ArchiveConfig controls the optional PostgreSQL archive.
type ArchiveConfig struct {
	Enabled   bool `koanf:"enabled" yaml:"enabled"`
	QueueSize int  `koanf:"queue_size" yaml:"queue_size" validate:"min=1"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:    ":5001",
			MetricsAddr: "127.0.0.1:9100",
		},
		Log: LogConfig{Format: "json", Level: "info"},
		Rooms: RoomsConfig{
			Global:              "forum",
			HistoryCapacity:     100,
			DefaultHistoryLimit: 50,
			Allow:               []string{"forum", "evt-*"},
			MaxBody:             2000,
		},
		Connection: ConnectionConfig{
			SendBuffer:       256,
			PingInterval:     10 * time.Second,
			PongTimeout:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MaxDisplayName:   64,
			MaxFrameBytes:    16 << 10,
			RateBurst:        10,
			RatePerSecond:    2,
		},
		Alerts: AlertsConfig{
			Topic:        "sos-alerts",
			Provider:     "log",
			Timeout:      5 * time.Second,
			DefaultTitle: "🚨 Emergency Alert!",
			DefaultBody:  "Someone nearby triggered an SOS!",
		},
		Archive: ArchiveConfig{QueueSize: 1024},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"http-addr":        "server.http_addr",
	"metrics-addr":     "server.metrics_addr",
	"telnet-addr":      "server.telnet_addr",
	"log-format":       "log.format",
	"log-level":        "log.level",
	"global-room":      "rooms.global",
	"history-capacity": "rooms.history_capacity",
	"allow-rooms":      "rooms.allow",
	"push-provider":    "alerts.provider",
	"push-webhook-url": "alerts.webhook_url",
	"alert-topic":      "alerts.topic",
	"archive":          "archive.enabled",
}

// RegisterFlags adds the overridable settings to fs with their defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("http-addr", d.Server.HTTPAddr, "HTTP and WebSocket listen address")
	fs.String("metrics-addr", d.Server.MetricsAddr, "metrics and health listen address (empty disables)")
	fs.String("telnet-addr", d.Server.TelnetAddr, "telnet listen address (empty disables)")
	fs.String("log-format", d.Log.Format, "log format (json or text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("global-room", d.Rooms.Global, "id of the room every connection joins")
	fs.Int("history-capacity", d.Rooms.HistoryCapacity, "messages kept per room")
	fs.StringSlice("allow-rooms", d.Rooms.Allow, "glob patterns of joinable rooms")
	fs.String("push-provider", d.Alerts.Provider, "push provider (log or webhook)")
	fs.String("push-webhook-url", d.Alerts.WebhookURL, "webhook push endpoint")
	fs.String("alert-topic", d.Alerts.Topic, "push topic for alerts")
	fs.Bool("archive", d.Archive.Enabled, "archive messages and alerts to PostgreSQL")
}

// Load reads path (when non-empty), applies flags set in fs and the
// environment, then validates the result.
func Load(path string, fs *pflag.FlagSet, envFiles ...string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(CodeInvalidConfig).With("path", path).Wrapf(err, "load config file")
		}
	}
	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(CodeInvalidConfig).Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code(CodeInvalidConfig).Wrapf(err, "decode config")
	}

	secrets, err := LoadSecrets(envFiles...)
	if err != nil {
		return nil, err
	}
	cfg.Secrets = secrets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return oops.Code(CodeInvalidConfig).Wrapf(err, "invalid configuration")
	}

	var problems []string
	if c.Rooms.DefaultHistoryLimit > c.Rooms.HistoryCapacity {
		problems = append(problems, "rooms.default_history_limit must not exceed rooms.history_capacity")
	}
	if c.Connection.PongTimeout >= c.Connection.PingInterval {
		problems = append(problems, "connection.pong_timeout must be shorter than connection.ping_interval")
	}
	if c.Archive.Enabled && c.Secrets.DatabaseURL == "" {
		problems = append(problems, "archive.enabled requires DATABASE_URL")
	}
	if len(problems) > 0 {
		return oops.Code(CodeInvalidConfig).
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// YAML renders the configuration without secrets.
func (c *Config) YAML() ([]byte, error) {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
