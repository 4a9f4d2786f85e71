package config

import (
	"time"

	"github.com/openfroyo/actuator/pkg/engine"
	"github.com/openfroyo/actuator/pkg/registry"
	"github.com/openfroyo/actuator/pkg/telemetry"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Ledger backends.
const (
	LedgerBackendSQL    = "sql"
	LedgerBackendBadger = "badger"
)

// Config is the actuator configuration file.
type Config struct {
	// Database holds the audit journal, and the ledger unless Ledger.Backend
	// is badger.
	Database DatabaseConfig `yaml:"database"`

	Ledger LedgerConfig `yaml:"ledger"`

	Breaker engine.BreakerConfig `yaml:"breaker"`

	Retry engine.RetryPolicy `yaml:"retry"`

	// DispatchTimeout bounds one dispatch, retries included.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" validate:"gte=0"`

	Policy PolicyConfig `yaml:"policy"`

	Credentials CredentialsConfig `yaml:"credentials"`

	// Quotas limit calls per integration.
	Quotas map[string]registry.Quota `yaml:"quotas" validate:"dive"`

	// Concurrency is the number of plans applied at once.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// DatabaseConfig selects and configures the SQL store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`

	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// LedgerConfig configures the idempotency ledger.
type LedgerConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sql badger"`

	// Dir is the Badger directory. Empty runs Badger in memory.
	Dir string `yaml:"dir"`

	// TTL is how long results are replayed.
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`

	// SweepInterval is how often expired records are purged when running
	// the sweeper continuously.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	// RulesDir holds one rule file per tenant. Tenants without a file get
	// the default rule set.
	RulesDir string `yaml:"rules_dir"`

	// Watch reloads rule files when they change.
	Watch bool `yaml:"watch"`

	// Paths are extra .rego files or directories loaded next to the
	// built-in policies.
	Paths []string `yaml:"paths"`
}

// CredentialsConfig points at the tenant credentials file.
type CredentialsConfig struct {
	File string `yaml:"file" validate:"required"`
}
