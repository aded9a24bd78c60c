package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cometd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := Default(), cfg; want != got {
		t.Fatalf("want defaults %+v, got %+v", want, got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
listen: ":8080"
retry_delay: 2s
registry:
  kind: redis
  redis:
    key_prefix: "test:"
log:
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Registry.Kind != RegistryRedis || cfg.Registry.Redis.KeyPrefix != "test:" {
		t.Fatalf("unexpected registry %+v", cfg.Registry)
	}
	if want, got := "localhost:6379", cfg.Registry.Redis.Addr; want != got {
		t.Fatalf("want default addr %q kept, got %q", want, got)
	}
	if want, got := "/cometd", cfg.Path; want != got {
		t.Fatalf("want default path %q kept, got %q", want, got)
	}
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	path := writeFile(t, "listen: \":8080\"\nstream_buffer: 8\n")
	t.Setenv("COMETD_LISTEN", ":7070")
	t.Setenv("COMETD_RETRY_DELAY", "750ms")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := ":7070", cfg.Listen; want != got {
		t.Fatalf("want listen %q, got %q", want, got)
	}
	if want, got := 750*time.Millisecond, cfg.RetryDelay; want != got {
		t.Fatalf("want retry delay %s, got %s", want, got)
	}
	if want, got := 8, cfg.StreamBuffer; want != got {
		t.Fatalf("want stream buffer %d from yaml, got %d", want, got)
	}
	if want, got := "redis:6379", cfg.Registry.Redis.Addr; want != got {
		t.Fatalf("want redis addr %q, got %q", want, got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"registry kind", func(c *Config) { c.Registry.Kind = "etcd" }, "unknown registry kind"},
		{"path", func(c *Config) { c.Path = "cometd" }, "must start with /"},
		{"retry delay", func(c *Config) { c.RetryDelay = 0 }, "retry_delay"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
		{"redis addr", func(c *Config) { c.Registry.Kind = RegistryRedis; c.Registry.Redis.Addr = "" }, "registry.redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("want error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	l.Info("dropped")
	l.Warn("kept")
	if out := buf.String(); strings.Contains(out, "dropped") || !strings.Contains(out, `"msg":"kept"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
