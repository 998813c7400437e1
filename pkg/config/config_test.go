package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: ":9999"
recorder:
  path: /tmp/calls.jsonl
  fsync: false
dashboard:
  max_history: 500
  poll_interval: 250ms
models:
  gpt-4.1: 0.002
  claude-3-5-sonnet: 0.003
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != ":9999" {
		t.Errorf("port %q", cfg.Server.Port)
	}
	if cfg.Recorder.Path != "/tmp/calls.jsonl" || cfg.Recorder.Fsync {
		t.Errorf("recorder %+v", cfg.Recorder)
	}
	if cfg.Dashboard.MaxHistory != 500 || cfg.Dashboard.PollInterval != 250*time.Millisecond {
		t.Errorf("dashboard %+v", cfg.Dashboard)
	}
	// Defaults still apply to sections the file leaves out.
	if cfg.Proxy.Target != "https://api.anthropic.com" {
		t.Errorf("proxy target %q", cfg.Proxy.Target)
	}
	if cfg.Dashboard.LogPath != "log.jsonl" || cfg.Dashboard.QueueSize != 256 {
		t.Errorf("dashboard defaults %+v", cfg.Dashboard)
	}
	if cfg.Models["gpt-4.1"] != 0.002 {
		t.Errorf("dotted model key lost: %v", cfg.Models)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("LLMTAP_RECORDER_PATH", "/var/log/llm.jsonl")
	cfg, err := Load(writeConfig(t, "server:\n  port: \":1\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Recorder.Path != "/var/log/llm.jsonl" {
		t.Errorf("recorder path %q", cfg.Recorder.Path)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Proxy:     ProxyConfig{Target: "https://api.anthropic.com"},
			Recorder:  RecorderConfig{Path: "log.jsonl"},
			Dashboard: DashboardConfig{LogPath: "log.jsonl"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"empty recorder path", func(c *Config) { c.Recorder.Path = "" }, "recorder.path"},
		{"negative history", func(c *Config) { c.Dashboard.MaxHistory = -1 }, "max_history"},
		{"bad strategy", func(c *Config) {
			c.LoadBalancer = LoadBalancerConfig{Enabled: true, Strategy: "fastest", Targets: []TargetConfig{{URL: "http://a"}}}
		}, "strategy"},
		{"lb without targets", func(c *Config) {
			c.LoadBalancer = LoadBalancerConfig{Enabled: true, Strategy: "random"}
		}, "without targets"},
		{"rate limit zero burst", func(c *Config) {
			c.RateLimit = RateLimitConfig{Enabled: true, RPS: 1}
		}, "ratelimit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore(&Config{Server: ServerConfig{Port: ":1"}})
	c := s.Get()
	c.Server.Port = ":2"
	if s.Get().Server.Port != ":1" {
		t.Error("Get exposed the stored config")
	}
}
