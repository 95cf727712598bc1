package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Agent.Host != "localhost" || cfg.Agent.Port != 8080 {
		t.Errorf("agent defaults = %s:%d", cfg.Agent.Host, cfg.Agent.Port)
	}
	if cfg.Ingest.Port != 0 {
		t.Errorf("ingest.port default = %d, want 0 (ephemeral)", cfg.Ingest.Port)
	}
	if cfg.Sink.OpenWait != 5*time.Second {
		t.Errorf("sink.open_wait default = %v", cfg.Sink.OpenWait)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpcap.yaml")
	content := `
log_level: debug
agent:
  host: 10.1.2.3
  port: 9090
ingest:
  port: 18888
  read_timeout: 100ms
sink:
  pop_timeout: 250ms
  open_retries: 3
session:
  sink_ip: 10.1.2.4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Agent.Host != "10.1.2.3" || cfg.Agent.Port != 9090 {
		t.Errorf("agent = %s:%d", cfg.Agent.Host, cfg.Agent.Port)
	}
	if cfg.Ingest.Port != 18888 || cfg.Ingest.ReadTimeout != 100*time.Millisecond {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.Sink.PopTimeout != 250*time.Millisecond || cfg.Sink.OpenRetries != 3 {
		t.Errorf("sink = %+v", cfg.Sink)
	}
	if cfg.Session.SinkIP != "10.1.2.4" {
		t.Errorf("session.sink_ip = %q", cfg.Session.SinkIP)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Agent.Timeout != 10*time.Second {
		t.Errorf("agent.timeout = %v, want default", cfg.Agent.Timeout)
	}
	if cfg.Sink.LivenessEvery != 20 {
		t.Errorf("sink.liveness_every = %d, want default", cfg.Sink.LivenessEvery)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpcap.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  port: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject agent.port 0")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DPCAP_AGENT_HOST", "agent.internal")
	t.Setenv("DPCAP_AGENT_PORT", "7070")
	t.Setenv("DPCAP_SINK_PORT", " 9999 ")
	t.Setenv("DPCAP_HEALTH_ENABLED", "yes")
	t.Setenv("DPCAP_LOG_LEVEL", "warn")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Agent.Host != "agent.internal" || cfg.Agent.Port != 7070 {
		t.Errorf("agent = %s:%d", cfg.Agent.Host, cfg.Agent.Port)
	}
	if cfg.Session.SinkPort != 9999 {
		t.Errorf("session.sink_port = %d", cfg.Session.SinkPort)
	}
	if !cfg.Health.Enabled {
		t.Error("health.enabled not overridden")
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestEnvOverrideIgnoresBadInt(t *testing.T) {
	t.Setenv("DPCAP_AGENT_PORT", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Agent.Port != 8080 {
		t.Errorf("agent.port = %d, want default kept", cfg.Agent.Port)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty agent host", func(c *Config) { c.Agent.Host = "" }},
		{"agent port too high", func(c *Config) { c.Agent.Port = 70000 }},
		{"negative ingest port", func(c *Config) { c.Ingest.Port = -1 }},
		{"zero read timeout", func(c *Config) { c.Ingest.ReadTimeout = 0 }},
		{"zero pop timeout", func(c *Config) { c.Sink.PopTimeout = 0 }},
		{"zero open retries", func(c *Config) { c.Sink.OpenRetries = 0 }},
		{"zero liveness interval", func(c *Config) { c.Sink.LivenessEvery = 0 }},
		{"zero join timeout", func(c *Config) { c.Session.JoinTimeout = 0 }},
		{"health without addr", func(c *Config) { c.Health.Enabled = true; c.Health.Addr = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "1", "yes", " Yes "} {
		if !parseBool(s) {
			t.Errorf("parseBool(%q) = false", s)
		}
	}
	for _, s := range []string{"false", "0", "no", "", "maybe"} {
		if parseBool(s) {
			t.Errorf("parseBool(%q) = true", s)
		}
	}
}
