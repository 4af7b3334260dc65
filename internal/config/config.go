// Package config loads the process configuration: compiled defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
// The resulting Config is immutable after Load and threaded explicitly
// into the components that need it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Store   StoreConfig   `yaml:"store"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Limiter LimiterConfig `yaml:"limiter"`
}

type GatewayConfig struct {
	Addr           string   `yaml:"addr"`
	DataDir        string   `yaml:"data_dir"`
	StaticDir      string   `yaml:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicKeyPath  string   `yaml:"public_key_path"`
}

type StoreConfig struct {
	Addr           string `yaml:"addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	PoolSize       int    `yaml:"pool_size"`
	DatabaseURL    string `yaml:"database_url"`
	Pepper         string `yaml:"pepper"` // base64; normally supplied via PEPPER env
	PrivateKeyPath string `yaml:"private_key_path"`
}

type SandboxConfig struct {
	Image              string `yaml:"image"`
	ExecTimeoutSeconds int    `yaml:"exec_timeout_seconds"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
}

type LimiterConfig struct {
	UpgradesPerMinute int `yaml:"upgrades_per_minute"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Addr:          ":8080",
			DataDir:       "data",
			StaticDir:     "static",
			PublicKeyPath: "public_key.pem",
		},
		Store: StoreConfig{
			Addr:           "127.0.0.1:9000",
			MetricsAddr:    ":9090",
			PoolSize:       3,
			PrivateKeyPath: "private_key.pem",
		},
		Sandbox: SandboxConfig{
			Image:              "python_runner",
			ExecTimeoutSeconds: 60,
			PollIntervalMs:     200,
		},
		Limiter: LimiterConfig{
			UpgradesPerMinute: 30,
		},
	}
}

// Load builds the effective configuration. An empty path skips the file
// and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("GATEWAY_ADDR", &cfg.Gateway.Addr)
	setString("GATEWAY_DATA_DIR", &cfg.Gateway.DataDir)
	setString("GATEWAY_STATIC_DIR", &cfg.Gateway.StaticDir)
	setString("PUBLIC_KEY_PATH", &cfg.Gateway.PublicKeyPath)
	setString("STORE_ADDR", &cfg.Store.Addr)
	setString("STORE_METRICS_ADDR", &cfg.Store.MetricsAddr)
	setString("DATABASE_URL", &cfg.Store.DatabaseURL)
	setString("PEPPER", &cfg.Store.Pepper)
	setString("PRIVATE_KEY_PATH", &cfg.Store.PrivateKeyPath)
	setString("RUNBOX_IMAGE", &cfg.Sandbox.Image)

	if v := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.Gateway.AllowedOrigins = origins
	}
	if v := os.Getenv("STORE_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STORE_POOL_SIZE: %w", err)
		}
		cfg.Store.PoolSize = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Store.PoolSize < 1 {
		return fmt.Errorf("store pool_size must be at least 1, got %d", c.Store.PoolSize)
	}
	if c.Sandbox.ExecTimeoutSeconds < 1 {
		return fmt.Errorf("sandbox exec_timeout_seconds must be positive, got %d", c.Sandbox.ExecTimeoutSeconds)
	}
	if c.Sandbox.PollIntervalMs < 1 {
		return fmt.Errorf("sandbox poll_interval_ms must be positive, got %d", c.Sandbox.PollIntervalMs)
	}
	if c.Limiter.UpgradesPerMinute < 1 {
		return fmt.Errorf("limiter upgrades_per_minute must be positive, got %d", c.Limiter.UpgradesPerMinute)
	}
	return nil
}
