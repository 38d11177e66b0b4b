package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/navswap/internal/types"
)

// FileEnv names the environment variable pointing at an optional TOML file.
const FileEnv = "NAVSWAP_CONFIG_FILE"

// Config holds all coordinator configuration.
//
// Precedence, lowest first: Default(), the TOML file, environment variables
// (after an optional .env file is loaded into the environment).
type Config struct {
	Swap     SwapConfig     `toml:"swap"`
	Cache    CacheConfig    `toml:"cache"`
	Policy   PolicyConfig   `toml:"policy"`
	Process  ProcessConfig  `toml:"process"`
	Recovery RecoveryConfig `toml:"recovery"`
	Logging  LogConfig      `toml:"logging"`
	Server   ServerConfig   `toml:"server"`
	Session  SessionConfig  `toml:"session"`
}

// SwapConfig controls when navigations move to another content process.
type SwapConfig struct {
	Enabled              bool `toml:"enabled" envconfig:"NAVSWAP_SWAP_ENABLED"`
	OnCrossSite          bool `toml:"on_cross_site" envconfig:"NAVSWAP_SWAP_ON_CROSS_SITE"`
	OnOpenerPolicy       bool `toml:"on_opener_policy" envconfig:"NAVSWAP_SWAP_ON_OPENER_POLICY"`
	DelayUntilFirstPaint bool `toml:"delay_until_first_paint" envconfig:"NAVSWAP_SWAP_DELAY_UNTIL_FIRST_PAINT"`
}

// CacheConfig holds retired page cache configuration.
type CacheConfig struct {
	Enabled           bool     `toml:"enabled" envconfig:"NAVSWAP_CACHE_ENABLED"`
	Capacity          int      `toml:"capacity" envconfig:"NAVSWAP_CACHE_CAPACITY"`
	SuspensionTimeout Duration `toml:"suspension_timeout" envconfig:"NAVSWAP_CACHE_SUSPENSION_TIMEOUT"`
}

// PolicyConfig holds policy exchange configuration.
type PolicyConfig struct {
	SafetyCheckTimeout       Duration     `toml:"safety_check_timeout" envconfig:"NAVSWAP_SAFETY_CHECK_TIMEOUT"`
	SafetyTimeoutAction      string       `toml:"safety_timeout_action" envconfig:"NAVSWAP_SAFETY_TIMEOUT_ACTION"`
	LockdownBlockedMIMETypes []string     `toml:"lockdown_blocked_mime_types" envconfig:"NAVSWAP_LOCKDOWN_BLOCKED_MIME_TYPES"`
	Rules                    []RuleConfig `toml:"rules" ignored:"true"`
}

// RuleConfig maps a URL pattern to website policies.
type RuleConfig struct {
	Pattern  string                `toml:"pattern"`
	Policies types.WebsitePolicies `toml:"policies"`
}

// ProcessConfig holds content process pool configuration.
type ProcessConfig struct {
	PrewarmCount          int      `toml:"prewarm_count" envconfig:"NAVSWAP_PREWARM_COUNT"`
	LaunchRate            float64  `toml:"launch_rate" envconfig:"NAVSWAP_LAUNCH_RATE"`
	LaunchBurst           int      `toml:"launch_burst" envconfig:"NAVSWAP_LAUNCH_BURST"`
	ResponsivenessTimeout Duration `toml:"responsiveness_timeout" envconfig:"NAVSWAP_RESPONSIVENESS_TIMEOUT"`
}

// RecoveryConfig holds crash recovery configuration.
type RecoveryConfig struct {
	CrashReloadCap int      `toml:"crash_reload_cap" envconfig:"NAVSWAP_CRASH_RELOAD_CAP"`
	QuietPeriod    Duration `toml:"quiet_period" envconfig:"NAVSWAP_CRASH_QUIET_PERIOD"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `toml:"level" envconfig:"LOG_LEVEL"`
	Development bool   `toml:"development" envconfig:"LOG_DEV"`
	File        string `toml:"file" envconfig:"LOG_FILE"`
}

// ServerConfig holds inspector HTTP server configuration.
type ServerConfig struct {
	Port           string   `toml:"port" envconfig:"PORT"`
	Host           string   `toml:"host" envconfig:"HOST"`
	AllowedOrigins []string `toml:"allowed_origins" envconfig:"NAVSWAP_ALLOWED_ORIGINS"`
	RateLimitRPS   int      `toml:"rate_limit_rps" envconfig:"NAVSWAP_RATE_LIMIT_RPS"`
	RateLimitBurst int      `toml:"rate_limit_burst" envconfig:"NAVSWAP_RATE_LIMIT_BURST"`
}

// SessionConfig holds snapshot persistence configuration.
type SessionConfig struct {
	Dir string `toml:"dir" envconfig:"NAVSWAP_SESSION_DIR"`
}

// Duration is a time.Duration that reads "10s" style text from TOML and env.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{Duration: d} }

// Load loads configuration from .env, the optional TOML file named by
// NAVSWAP_CONFIG_FILE, and environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile loads defaults, overlays path (if non-empty), then applies the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects values the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache capacity must not be negative: %d", c.Cache.Capacity)
	}
	switch c.Policy.SafetyTimeoutAction {
	case "proceed", "block":
	default:
		return fmt.Errorf("safety timeout action must be proceed or block: %q", c.Policy.SafetyTimeoutAction)
	}
	if c.Process.LaunchRate <= 0 {
		return fmt.Errorf("launch rate must be positive: %v", c.Process.LaunchRate)
	}
	if c.Recovery.CrashReloadCap < 0 {
		return fmt.Errorf("crash reload cap must not be negative: %d", c.Recovery.CrashReloadCap)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Swap: SwapConfig{
			Enabled:        true,
			OnCrossSite:    true,
			OnOpenerPolicy: true,
		},
		Cache: CacheConfig{
			Enabled:           true,
			Capacity:          4,
			SuspensionTimeout: D(10 * time.Second),
		},
		Policy: PolicyConfig{
			SafetyCheckTimeout:  D(5 * time.Second),
			SafetyTimeoutAction: "proceed",
			LockdownBlockedMIMETypes: []string{
				"application/pdf",
				"application/x-shockwave-flash",
				"image/svg+xml",
			},
		},
		Process: ProcessConfig{
			PrewarmCount:          1,
			LaunchRate:            20,
			LaunchBurst:           10,
			ResponsivenessTimeout: D(3 * time.Second),
		},
		Recovery: RecoveryConfig{
			CrashReloadCap: 3,
			QuietPeriod:    D(30 * time.Second),
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Server: ServerConfig{
			Port:           "8000",
			Host:           "127.0.0.1",
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Session: SessionConfig{
			Dir: "./snapshots",
		},
	}
}
