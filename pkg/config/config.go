// Package config loads bridge configuration from YAML with environment
// overrides on top of compiled defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the dpcap bridge.
type Config struct {
	LogLevel string `yaml:"log_level" env:"DPCAP_LOG_LEVEL"`
	LogDir   string `yaml:"log_dir" env:"DPCAP_LOG_DIR"`

	Agent   AgentConfig   `yaml:"agent"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Sink    SinkConfig    `yaml:"sink"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Session SessionConfig `yaml:"session"`
	Health  HealthConfig  `yaml:"health"`
}

// AgentConfig addresses the dataplane control agent.
type AgentConfig struct {
	Host    string        `yaml:"host" env:"DPCAP_AGENT_HOST"`
	Port    int           `yaml:"port" env:"DPCAP_AGENT_PORT"`
	Timeout time.Duration `yaml:"timeout"`
}

// IngestConfig tunes the packet ingest listener.
type IngestConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// Port 0 asks the OS for an ephemeral port.
	Port int `yaml:"port" env:"DPCAP_INGEST_PORT"`
	// ReadTimeout keeps the receive loop responsive to shutdown; it is
	// not load-bearing for correctness.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	ReadBuffer  int           `yaml:"read_buffer"`
}

// SinkConfig tunes the capture sink writer.
type SinkConfig struct {
	// PopTimeout bounds each dispatch-queue wait so the writer can
	// re-check its running flag.
	PopTimeout time.Duration `yaml:"pop_timeout"`
	// LivenessEvery re-verifies the output path after this many pop
	// attempts; consumer-side close does not surface as a write error
	// promptly on every platform.
	LivenessEvery int `yaml:"liveness_every"`
	// OpenWait bounds how long to wait for the consumer to create the
	// output path.
	OpenWait time.Duration `yaml:"open_wait"`
	// OpenRetries and the backoff pair bound the no-reader-yet retry
	// loop on FIFO platforms.
	OpenRetries      int           `yaml:"open_retries"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffStep time.Duration `yaml:"retry_backoff_step"`
}

// ProxyConfig tunes the optional local-socket proxy.
type ProxyConfig struct {
	SocketPath   string        `yaml:"socket_path" env:"DPCAP_PROXY_SOCKET"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SessionConfig tunes bridge session orchestration.
type SessionConfig struct {
	// SinkIP is the address the dataplane should send packets to;
	// auto-detected when empty.
	SinkIP string `yaml:"sink_ip" env:"DPCAP_SINK_IP"`
	// SinkPort forces the ingest port advertised to the dataplane.
	SinkPort int `yaml:"sink_port" env:"DPCAP_SINK_PORT"`
	// JoinTimeout bounds how long shutdown waits for worker threads; a
	// thread that does not exit in time is abandoned rather than
	// blocking process exit.
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// HealthConfig tunes the optional status endpoint server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" env:"DPCAP_HEALTH_ENABLED"`
	Addr    string `yaml:"addr" env:"DPCAP_HEALTH_ADDR"`
}

// Load reads a config file and applies env overrides and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   "",
		Agent: AgentConfig{
			Host:    "localhost",
			Port:    8080,
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			BindAddr:    "0.0.0.0",
			Port:        0,
			ReadTimeout: 50 * time.Millisecond,
			ReadBuffer:  4 * 1024 * 1024,
		},
		Sink: SinkConfig{
			PopTimeout:       500 * time.Millisecond,
			LivenessEvery:    20,
			OpenWait:         5 * time.Second,
			OpenRetries:      10,
			RetryBackoffBase: 500 * time.Millisecond,
			RetryBackoffStep: 100 * time.Millisecond,
		},
		Proxy: ProxyConfig{
			PollInterval: time.Second,
		},
		Session: SessionConfig{
			JoinTimeout: 2 * time.Second,
		},
		Health: HealthConfig{
			Enabled: false,
			Addr:    ":8687",
		},
	}
}

// ApplyEnvOverrides applies DPCAP_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	stringOverrides := map[string]*string{
		"DPCAP_LOG_LEVEL":    &c.LogLevel,
		"DPCAP_LOG_DIR":      &c.LogDir,
		"DPCAP_AGENT_HOST":   &c.Agent.Host,
		"DPCAP_SINK_IP":      &c.Session.SinkIP,
		"DPCAP_PROXY_SOCKET": &c.Proxy.SocketPath,
		"DPCAP_HEALTH_ADDR":  &c.Health.Addr,
	}

	intOverrides := map[string]*int{
		"DPCAP_AGENT_PORT":  &c.Agent.Port,
		"DPCAP_INGEST_PORT": &c.Ingest.Port,
		"DPCAP_SINK_PORT":   &c.Session.SinkPort,
	}

	boolOverrides := map[string]*bool{
		"DPCAP_HEALTH_ENABLED": &c.Health.Enabled,
	}

	for key, target := range stringOverrides {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}

	for key, target := range intOverrides {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}

	for key, target := range boolOverrides {
		if val := os.Getenv(key); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Agent.Host == "" {
		return fmt.Errorf("agent.host is required")
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("agent.port must be in 1..65535")
	}
	if c.Ingest.Port < 0 || c.Ingest.Port > 65535 {
		return fmt.Errorf("ingest.port must be in 0..65535")
	}
	if c.Ingest.ReadTimeout <= 0 {
		return fmt.Errorf("ingest.read_timeout must be positive")
	}
	if c.Sink.PopTimeout <= 0 {
		return fmt.Errorf("sink.pop_timeout must be positive")
	}
	if c.Sink.OpenRetries < 1 {
		return fmt.Errorf("sink.open_retries must be at least 1")
	}
	if c.Sink.LivenessEvery < 1 {
		return fmt.Errorf("sink.liveness_every must be at least 1")
	}
	if c.Session.JoinTimeout <= 0 {
		return fmt.Errorf("session.join_timeout must be positive")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}
	return nil
}
