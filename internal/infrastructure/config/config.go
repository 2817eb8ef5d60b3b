package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Terminal  TerminalConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// TerminalConfig holds the shell path and the timing knobs of the
// terminal subsystem. The timings are constructor-injected everywhere so
// tests can shrink them without touching shared state.
type TerminalConfig struct {
	// Shell runs every command in shell mode (`shell -c command`).
	Shell string `envconfig:"TERMINAL_SHELL" default:"/bin/sh"`
	// HotIdleDelay is how long a process stays "hot" after its last output.
	HotIdleDelay time.Duration `envconfig:"TERMINAL_HOT_IDLE_DELAY" default:"2s"`
	// CompilingIdleDelay replaces HotIdleDelay while output looks like a
	// long-running compile step.
	CompilingIdleDelay time.Duration `envconfig:"TERMINAL_COMPILING_IDLE_DELAY" default:"15s"`
	// PIDCorrectionDelay is how long after spawn the shell's child PID is
	// looked up to replace the shell PID.
	PIDCorrectionDelay time.Duration `envconfig:"TERMINAL_PID_CORRECTION_DELAY" default:"100ms"`
	// AbortGracePeriod bounds how long an aborted process may linger
	// before the final forced kill.
	AbortGracePeriod time.Duration `envconfig:"TERMINAL_ABORT_GRACE" default:"5s"`
	// FlushThrottle caps foreground output flushes while listening.
	FlushThrottle time.Duration `envconfig:"TERMINAL_FLUSH_THROTTLE" default:"500ms"`
	// ReapInterval is how often fully idle, fully drained terminals are
	// disposed of.
	ReapInterval time.Duration `envconfig:"TERMINAL_REAP_INTERVAL" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8090",
			Host: "0.0.0.0",
		},
		Terminal: DefaultTerminal(),
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// DefaultTerminal returns the default terminal subsystem configuration.
func DefaultTerminal() TerminalConfig {
	return TerminalConfig{
		Shell:              "/bin/sh",
		HotIdleDelay:       2 * time.Second,
		CompilingIdleDelay: 15 * time.Second,
		PIDCorrectionDelay: 100 * time.Millisecond,
		AbortGracePeriod:   5 * time.Second,
		FlushThrottle:      500 * time.Millisecond,
		ReapInterval:       30 * time.Second,
	}
}
