package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/actuator/pkg/engine"
	"github.com/openfroyo/actuator/pkg/telemetry"
)

// DefaultConfigFile is read when no config path is given.
const DefaultConfigFile = "actuator.yaml"

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join("data", "actuator.db"),
		},
		Ledger: LedgerConfig{
			Backend:       LedgerBackendSQL,
			TTL:           engine.DefaultLedgerTTL,
			SweepInterval: time.Hour,
		},
		Breaker:         engine.DefaultBreakerConfig(),
		Retry:           engine.DefaultRetryPolicy(),
		DispatchTimeout: engine.DefaultDispatchTimeout,
		Credentials: CredentialsConfig{
			File: "credentials.yaml",
		},
		Concurrency: 4,
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file, applies defaults and validates it.
// Relative paths in the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values explicitly written in the file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = def.Ledger.Backend
	}
	if c.Ledger.TTL == 0 {
		c.Ledger.TTL = def.Ledger.TTL
	}
	if c.Ledger.SweepInterval == 0 {
		c.Ledger.SweepInterval = def.Ledger.SweepInterval
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = def.DispatchTimeout
	}
	if c.Concurrency == 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Telemetry == nil {
		c.Telemetry = def.Telemetry
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	c.Database.Path = resolve(c.Database.Path)
	c.Ledger.Dir = resolve(c.Ledger.Dir)
	c.Policy.RulesDir = resolve(c.Policy.RulesDir)
	c.Credentials.File = resolve(c.Credentials.File)
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = resolve(p)
	}
}
