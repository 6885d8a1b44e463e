// Package config loads the relay configuration: built-in defaults, optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the complete static configuration of the process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Timer     TimerConfig     `yaml:"timer"`

	// DataDir holds the one-shot timer state file and the holiday cache.
	DataDir string `yaml:"data_dir" env:"RELAY_DATA_DIR"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host" env:"RELAY_HOST"`
	Port int    `yaml:"port" env:"RELAY_PORT"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BridgeConfig holds SSE bridge settings. AccessKey, ResponseTimeout and
// IgnoreResponse may be hot-updated at runtime; components read them through
// Dynamic rather than holding copies.
type BridgeConfig struct {
	// AccessKey gates every HTTP command and stream connect when non-empty.
	AccessKey string `yaml:"access_key" env:"RELAY_ACCESS_KEY"`

	// ResponseTimeout bounds the wait for a client response to a
	// correlated request.
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"RELAY_RESPONSE_TIMEOUT"`

	// IgnoreResponse switches outbound sends to fire-and-forget.
	IgnoreResponse bool `yaml:"ignore_response" env:"RELAY_IGNORE_RESPONSE"`

	// HeartbeatInterval is the maximum gap between heartbeat events on a
	// stream.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"RELAY_HEARTBEAT_INTERVAL"`

	// SweepInterval is how often the registry scans for stale clients.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"RELAY_SWEEP_INTERVAL"`

	// ClientTTL is the idle time after which a client is expired.
	ClientTTL time.Duration `yaml:"client_ttl" env:"RELAY_CLIENT_TTL"`
}

// SchedulerConfig holds recurring timer engine settings.
type SchedulerConfig struct {
	// MisfireGrace is the default grace window for late firings; jobs may
	// override it per job.
	MisfireGrace time.Duration `yaml:"misfire_grace" env:"RELAY_MISFIRE_GRACE"`

	// MaxConsecutiveFailures is the auto-pause threshold.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" env:"RELAY_MAX_CONSECUTIVE_FAILURES"`
}

// TimerConfig holds one-shot timer service settings.
type TimerConfig struct {
	// RestartGrace is the window within which past-due persisted timers
	// still fire once at startup.
	RestartGrace time.Duration `yaml:"restart_grace" env:"RELAY_TIMER_RESTART_GRACE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8021,
		},
		Bridge: BridgeConfig{
			ResponseTimeout:   30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			SweepInterval:     30 * time.Second,
			ClientTTL:         60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MisfireGrace:           300 * time.Second,
			MaxConsecutiveFailures: 3,
		},
		Timer: TimerConfig{
			RestartGrace: 300 * time.Second,
		},
		DataDir: "./data",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Bridge.ResponseTimeout <= 0 {
		return fmt.Errorf("bridge.response_timeout must be positive")
	}
	if c.Bridge.HeartbeatInterval <= 0 {
		return fmt.Errorf("bridge.heartbeat_interval must be positive")
	}
	if c.Bridge.ClientTTL < c.Bridge.HeartbeatInterval {
		return fmt.Errorf("bridge.client_ttl (%s) must not be below bridge.heartbeat_interval (%s)",
			c.Bridge.ClientTTL, c.Bridge.HeartbeatInterval)
	}
	if c.Scheduler.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("scheduler.max_consecutive_failures must be at least 1")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}
