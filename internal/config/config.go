// Package config loads cometd server settings. Values resolve in order:
// built-in defaults, then a YAML file, then environment variables. Command
// line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Config is the top-level server configuration.
//
// Defaults live in Default rather than in env tags; envdecode applies tag
// defaults unconditionally and would clobber values read from YAML.
type Config struct {
	Listen       string        `yaml:"listen" env:"COMETD_LISTEN"`
	Path         string        `yaml:"path" env:"COMETD_PATH"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"COMETD_RETRY_DELAY"`
	StreamBuffer int           `yaml:"stream_buffer" env:"COMETD_STREAM_BUFFER"`
	KeepAlive    time.Duration `yaml:"keep_alive" env:"COMETD_KEEPALIVE"`
	WatchDir     string        `yaml:"watch_dir" env:"COMETD_WATCH_DIR"`

	Log      LogConfig      `yaml:"log"`
	Registry RegistryConfig `yaml:"registry"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"COMETD_LOG_LEVEL"`
	Format string `yaml:"format" env:"COMETD_LOG_FORMAT"`
}

type RegistryConfig struct {
	// Kind is "memory" or "redis".
	Kind  string      `yaml:"kind" env:"COMETD_REGISTRY"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"COMETD_REDIS_KEY_PREFIX"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Listen:       ":9000",
		Path:         "/cometd",
		RetryDelay:   5 * time.Second,
		StreamBuffer: 64,
		KeepAlive:    15 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			Kind: RegistryMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "cometd:",
			},
		},
	}
}

// Load reads configuration from the YAML file at path, if any, and then the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be positive, got %d", c.StreamBuffer)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("keep_alive must not be negative, got %s", c.KeepAlive)
	}
	switch c.Registry.Kind {
	case RegistryMemory:
	case RegistryRedis:
		if c.Registry.Redis.Addr == "" {
			return errors.New("registry.redis.addr is required for the redis registry")
		}
	default:
		return fmt.Errorf("unknown registry kind %q", c.Registry.Kind)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
