// Package config loads acserver settings: defaults, then an optional YAML
// file, then ACSERVER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr          string `yaml:"addr"`
	RateBurst     int    `yaml:"rate_burst"`
	RatePerSecond int    `yaml:"rate_per_second"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Store struct {
	// Driver is "memory" or "postgres".
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// Migrate applies the embedded schema on start.
	Migrate bool `yaml:"migrate"`
	// Seed loads the reference workshop (tool 1, users 1-3).
	Seed bool `yaml:"seed"`
}

type CardDB struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	HTTP          HTTP   `yaml:"http"`
	GRPC          GRPC   `yaml:"grpc"`
	Store         Store  `yaml:"store"`
	CardDB        CardDB `yaml:"carddb"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	APIKeySecret  string `yaml:"api_key_secret"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:          ":1234",
			RateBurst:     20,
			RatePerSecond: 10,
			MaxBodyBytes:  1 << 16,
		},
		GRPC:     GRPC{Addr: ":9090"},
		Store:    Store{Driver: "memory"},
		CardDB:   CardDB{Interval: time.Minute},
		LogLevel: "info",
	}
}

// Load builds the configuration. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.HTTP.RateBurst <= 0 || c.HTTP.RatePerSecond <= 0 {
		return errors.New("http rate limit must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"ACSERVER_HTTP_ADDR":      &cfg.HTTP.Addr,
		"ACSERVER_GRPC_ADDR":      &cfg.GRPC.Addr,
		"ACSERVER_STORE_DRIVER":   &cfg.Store.Driver,
		"ACSERVER_PG_DSN":         &cfg.Store.PostgresDSN,
		"ACSERVER_CLICKHOUSE_DSN": &cfg.ClickHouseDSN,
		"ACSERVER_API_KEY_SECRET": &cfg.APIKeySecret,
		"ACSERVER_LOG_LEVEL":      &cfg.LogLevel,
		"ACSERVER_CARDDB":         &cfg.CardDB.Path,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"ACSERVER_RATE_BURST":   &cfg.HTTP.RateBurst,
		"ACSERVER_RATE_PER_SEC": &cfg.HTTP.RatePerSecond,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"ACSERVER_MIGRATE": &cfg.Store.Migrate,
		"ACSERVER_SEED":    &cfg.Store.Seed,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}
