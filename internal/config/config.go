package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile"`
	Delivery       DeliveryConfig  `toml:"delivery"`
	Groups         GroupsConfig    `toml:"groups"`
	Metrics        MetricsConfig   `toml:"metrics"`
	Transport      TransportConfig `toml:"transport"`
}

type DeliveryConfig struct {
	// RoundTimeout bounds how long a round outcome is awaited.
	RoundTimeout Duration `toml:"round_timeout"`
}

type GroupsConfig struct {
	// SweepCron schedules the pending member sweep. Empty disables it.
	SweepCron   string  `toml:"sweep_cron"`
	LookupRate  float64 `toml:"lookup_rate"`
	LookupBurst int     `toml:"lookup_burst"`
}

type MetricsConfig struct {
	// Listen is the /metrics address. Empty disables the listener.
	Listen string `toml:"listen"`
}

type TransportConfig struct {
	Kind     string `toml:"kind"`
	Username string `toml:"username"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// bare numbers are seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Defaults returns a config with every field set.
func Defaults() *Config {
	return &Config{
		DefaultProfile: "main",
		Delivery:       DeliveryConfig{RoundTimeout: Duration(30 * time.Second)},
		Groups: GroupsConfig{
			SweepCron:   "*/15 * * * *",
			LookupRate:  0.2,
			LookupBurst: 1,
		},
		Transport: TransportConfig{Kind: "sim", Username: "me"},
	}
}

// Load reads config from the given path over Defaults. Returns an error
// wrapping fs.ErrNotExist if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Defaults when the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Environment overrides.
const (
	EnvProfile       = "COURIER_PROFILE"
	EnvUsername      = "COURIER_USERNAME"
	EnvMetricsListen = "COURIER_METRICS_LISTEN"
	EnvRoundTimeout  = "COURIER_ROUND_TIMEOUT"
)

// ApplyEnv loads envFile when it exists, without replacing variables that
// are already set, then applies the COURIER_* overrides.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if v := os.Getenv(EnvProfile); v != "" {
		c.DefaultProfile = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		c.Transport.Username = v
	}
	if v, ok := os.LookupEnv(EnvMetricsListen); ok {
		c.Metrics.Listen = v
	}
	if v := os.Getenv(EnvRoundTimeout); v != "" {
		if err := c.Delivery.RoundTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", EnvRoundTimeout, err)
		}
	}
	return nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Delivery.RoundTimeout.Duration() <= 0 {
		return fmt.Errorf("delivery.round_timeout must be positive")
	}
	if c.Groups.SweepCron != "" {
		if !gronx.IsValid(c.Groups.SweepCron) {
			return fmt.Errorf("invalid groups.sweep_cron: not a valid cron expression")
		}
		if c.Groups.LookupRate <= 0 {
			return fmt.Errorf("groups.lookup_rate must be positive")
		}
		if c.Groups.LookupBurst < 1 {
			return fmt.Errorf("groups.lookup_burst must be at least 1")
		}
	}
	switch c.Transport.Kind {
	case "sim":
	default:
		return fmt.Errorf("unsupported transport.kind %q", c.Transport.Kind)
	}
	if c.Transport.Username == "" {
		return fmt.Errorf("transport.username is required")
	}
	return nil
}
