package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the middleware.
type Config struct {
	Server      Server      `yaml:"server"`
	Database    Database    `yaml:"database"`
	FIX         FIX         `yaml:"fix"`
	Venue       Venue       `yaml:"venue"`
	Dedup       Dedup       `yaml:"dedup"`
	Persistence Persistence `yaml:"persistence"`
}

// Server holds the HTTP listener and API security settings.
type Server struct {
	Port      string `yaml:"port"`
	Env       string `yaml:"env"`
	Debug     bool   `yaml:"debug"`
	JWTSecret string `yaml:"jwt_secret"`
	// InternalToken guards the /internal routes
	InternalToken string  `yaml:"internal_token"`
	RateLimit     float64 `yaml:"rate_limit"` // requests per second per client
	RateBurst     int     `yaml:"rate_burst"`
}

// Database selects the gorm driver.
type Database struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// FIX configures the quickfix initiator. When disabled the simulated venue
// is used instead.
type FIX struct {
	Enabled      bool   `yaml:"enabled"`
	SettingsFile string `yaml:"settings_file"`
}

// Venue tunes the simulated venue.
type Venue struct {
	MinLatency      time.Duration      `yaml:"min_latency"`
	MaxLatency      time.Duration      `yaml:"max_latency"`
	SuccessRate     float64            `yaml:"success_rate"`
	FillProbability float64            `yaml:"fill_probability"`
	LiquidityFactor float64            `yaml:"liquidity_factor"`
	PriceVariance   float64            `yaml:"price_variance"`
	ReferencePrices map[string]float64 `yaml:"reference_prices"`
}

// Dedup sizes the processed-execution store.
type Dedup struct {
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Persistence sizes the async write queue.
type Persistence struct {
	QueueSize int `yaml:"queue_size"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: Server{
			Port:          "8080",
			Env:           "development",
			JWTSecret:     "klear-secret-key",
			InternalToken: "internal-secret",
			RateLimit:     100,
			RateBurst:     200,
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "klear-fix.db",
		},
		FIX: FIX{
			SettingsFile: "config/fix-client.cfg",
		},
		Venue: Venue{
			MinLatency:      5 * time.Millisecond,
			MaxLatency:      30 * time.Millisecond,
			SuccessRate:     0.95,
			FillProbability: 0.8,
			LiquidityFactor: 0.7,
			PriceVariance:   0.02,
		},
		Dedup: Dedup{
			Capacity:      100_000,
			TTL:           24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Persistence: Persistence{
			QueueSize: 10_000,
		},
	}
}

// Load reads an optional .env file, then the YAML file at path on top of the
// defaults, then applies environment variable overrides. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		cfg.Server.Debug = debug
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("INTERNAL_TOKEN"); v != "" {
		cfg.Server.InternalToken = v
	}

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("FIX_SETTINGS_FILE"); v != "" {
		cfg.FIX.SettingsFile = v
		cfg.FIX.Enabled = true
	}
	if v := os.Getenv("FIX_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FIX_ENABLED: %w", err)
		}
		cfg.FIX.Enabled = enabled
	}
	return nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.FIX.Enabled && c.FIX.SettingsFile == "" {
		return errors.New("fix is enabled but no settings file is configured")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Venue.SuccessRate < 0 || c.Venue.SuccessRate > 1 ||
		c.Venue.FillProbability < 0 || c.Venue.FillProbability > 1 ||
		c.Venue.LiquidityFactor < 0 || c.Venue.LiquidityFactor > 1 {
		return errors.New("venue rates must be between 0 and 1")
	}
	return nil
}

// Production reports whether the server runs with ENV=production
func (c *Config) Production() bool {
	return c.Server.Env == "production"
}
