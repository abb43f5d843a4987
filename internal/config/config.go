package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/tabflow/internal/engine"
)

// Config holds all tabflow configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Browser  BrowserConfig  `yaml:"browser"`
	Engine   EngineConfig   `yaml:"engine"`
	Policy   PolicyConfig   `yaml:"policy"`
	History  HistoryConfig  `yaml:"history"`
}

type ServerConfig struct {
	Bind string `yaml:"bind" env:"TABFLOW_BIND"`
	Port int    `yaml:"port" env:"TABFLOW_PORT"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"TABFLOW_DB"` // empty: store.DefaultDBPath()
}

type BrowserConfig struct {
	ControlURL      string        `yaml:"control_url" env:"TABFLOW_BROWSER_URL"` // ws://127.0.0.1:9222/devtools/browser/<id>
	ProbeInterval   time.Duration `yaml:"probe_interval" env:"TABFLOW_PROBE_INTERVAL"`
	CallTimeout     time.Duration `yaml:"call_timeout" env:"TABFLOW_CALL_TIMEOUT"`
	DestroyRate     float64       `yaml:"destroy_rate" env:"TABFLOW_DESTROY_RATE"` // closes per second
	DestroyBurst    int           `yaml:"destroy_burst" env:"TABFLOW_DESTROY_BURST"`
	ExcludedSchemes []string      `yaml:"excluded_schemes" env:"TABFLOW_EXCLUDED_SCHEMES"`
}

type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"TABFLOW_TICK_INTERVAL"`
}

// PolicyConfig starts from an aggressiveness preset. Non-nil overrides win
// over the preset values.
type PolicyConfig struct {
	Aggressiveness       string             `yaml:"aggressiveness" env:"TABFLOW_AGGRESSIVENESS"`
	InactiveThreshold    float64            `yaml:"inactive_threshold" env:"TABFLOW_INACTIVE_THRESHOLD"`
	ProtectedDomains     []string           `yaml:"protected_domains" env:"TABFLOW_PROTECTED_DOMAINS"`
	CountdownMinutes     *float64           `yaml:"countdown_minutes"`
	BatchIntervalMinutes *float64           `yaml:"batch_interval_minutes"`
	Decay                *engine.DecayRates `yaml:"decay_rates"`
}

type HistoryConfig struct {
	Retention     time.Duration `yaml:"retention" env:"TABFLOW_HISTORY_RETENTION"` // 0 keeps everything
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37777,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Browser: BrowserConfig{
			ControlURL:      "",
			ProbeInterval:   15 * time.Second,
			CallTimeout:     10 * time.Second,
			DestroyRate:     2,
			DestroyBurst:    5,
			ExcludedSchemes: append([]string(nil), engine.DefaultExcludedSchemes...),
		},
		Engine: EngineConfig{
			TickInterval: time.Minute,
		},
		Policy: PolicyConfig{
			Aggressiveness:    LevelMedium,
			InactiveThreshold: 0,
			ProtectedDomains:  []string{"mail.google.com", "web.whatsapp.com"},
		},
		History: HistoryConfig{
			Retention:     30 * 24 * time.Hour,
			PruneInterval: 24 * time.Hour,
		},
	}
}

// DefaultPath returns ~/.tabflow/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".tabflow", "config.yaml"), nil
}

// Load reads the YAML file at path over the defaults, applies TABFLOW_*
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TABFLOW_* environment variables. Unset
// variables leave fields untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the config for values the daemon cannot run with.
func Validate(cfg Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}
	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive, got %s", cfg.Engine.TickInterval)
	}
	if cfg.Browser.ProbeInterval <= 0 {
		return fmt.Errorf("browser.probe_interval must be positive, got %s", cfg.Browser.ProbeInterval)
	}
	if cfg.Browser.CallTimeout <= 0 {
		return fmt.Errorf("browser.call_timeout must be positive, got %s", cfg.Browser.CallTimeout)
	}
	if cfg.Browser.DestroyRate <= 0 {
		return fmt.Errorf("browser.destroy_rate must be positive, got %v", cfg.Browser.DestroyRate)
	}
	if cfg.Browser.DestroyBurst < 1 {
		return fmt.Errorf("browser.destroy_burst must be at least 1, got %d", cfg.Browser.DestroyBurst)
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative, got %s", cfg.History.Retention)
	}
	if cfg.History.Retention > 0 && cfg.History.PruneInterval <= 0 {
		return fmt.Errorf("history.prune_interval must be positive when retention is set")
	}
	if _, err := cfg.Policy.Resolve(); err != nil {
		return err
	}
	return nil
}

// Resolve builds the engine policy from the preset and any overrides.
func (c PolicyConfig) Resolve() (engine.Policy, error) {
	p, err := Preset(c.Aggressiveness)
	if err != nil {
		return engine.Policy{}, err
	}
	p.InactiveThreshold = c.InactiveThreshold
	if len(c.ProtectedDomains) > 0 {
		p.ProtectedDomains = append([]string(nil), c.ProtectedDomains...)
	}
	if c.CountdownMinutes != nil {
		p.CountdownMinutes = *c.CountdownMinutes
	}
	if c.BatchIntervalMinutes != nil {
		p.BatchIntervalMinutes = *c.BatchIntervalMinutes
	}
	if c.Decay != nil {
		p.Decay = *c.Decay
	}
	if err := p.Validate(); err != nil {
		return engine.Policy{}, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
