// Package config loads gateway configuration from defaults, an optional
// config file, and AGENTGW_-prefixed environment variables, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/eventbus"
)

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	TLSCertFile     string `mapstructure:"tlsCertFile"`
	TLSKeyFile      string `mapstructure:"tlsKeyFile"`
	ReadIdleSeconds int    `mapstructure:"readIdleSeconds"`
}

func (s ServerConfig) ReadIdleTimeout() time.Duration {
	return time.Duration(s.ReadIdleSeconds) * time.Second
}

// AuthConfig controls the single-user bearer token check. The gateway
// reads the token from this file (relative to the state root), writing a
// fresh random token there on first start if the file is missing; it
// never rotates it.
type AuthConfig struct {
	TokenFile string `mapstructure:"tokenFile"`
}

// ApprovalConfig bounds the approval broker's default timeout behavior.
type ApprovalConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"`
}

func (a ApprovalConfig) DefaultTimeout() time.Duration {
	return time.Duration(a.DefaultTimeoutSeconds) * time.Second
}

// StreamingConfig bounds the per-connection outbound queue used for
// backpressure handling (spec.md §4.F, §5).
type StreamingConfig struct {
	OutboundQueueDepth int `mapstructure:"outboundQueueDepth"`
	HardCapMultiplier  int `mapstructure:"hardCapMultiplier"`
}

// Config aggregates every section the gateway needs.
type Config struct {
	Server     ServerConfig        `mapstructure:"server"`
	Auth       AuthConfig          `mapstructure:"auth"`
	Logging    logger.Config       `mapstructure:"logging"`
	StateRoot  string              `mapstructure:"stateRoot"`
	Approval   ApprovalConfig      `mapstructure:"approval"`
	Streaming  StreamingConfig     `mapstructure:"streaming"`
	NATS       eventbus.NATSConfig `mapstructure:"nats"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.readIdleSeconds", 90)

	v.SetDefault("auth.tokenFile", "web-auth.json")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("stateRoot", "")

	v.SetDefault("approval.defaultTimeoutSeconds", 300)

	v.SetDefault("streaming.outboundQueueDepth", 256)
	v.SetDefault("streaming.hardCapMultiplier", 4)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgw")
	v.SetDefault("nats.maxReconnects", 10)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTGW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from "config.{yaml,yml,json}" in the current
// directory or /etc/agentgw/, overlaid with AGENTGW_* environment
// variables, and returns the validated result.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but additionally searches configPath
// (a directory) for the config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgw/")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if cfg.Approval.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "approval.defaultTimeoutSeconds must be positive")
	}
	if cfg.Streaming.OutboundQueueDepth <= 0 {
		errs = append(errs, "streaming.outboundQueueDepth must be positive")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of debug|info|warn|error")
	}
	switch cfg.Logging.Format {
	case "json", "console", "text":
	default:
		errs = append(errs, "logging.format must be one of json|console|text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
