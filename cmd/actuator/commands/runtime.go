package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/actuator/pkg/config"
	"github.com/openfroyo/actuator/pkg/credentials"
	"github.com/openfroyo/actuator/pkg/engine"
	"github.com/openfroyo/actuator/pkg/policy"
	"github.com/openfroyo/actuator/pkg/registry"
	"github.com/openfroyo/actuator/pkg/stores"
	"github.com/openfroyo/actuator/pkg/telemetry"
)

// runtime holds the engine components shared by one CLI invocation. They
// are constructed once and passed by reference.
type runtime struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store  stores.Store
	ledger engine.Ledger
	badger *stores.BadgerLedger

	rules     *policy.RuleLoader
	gate      *policy.Gate
	registry  *registry.Registry
	platform  *registry.AdPlatform
	breakers  *engine.BreakerSet
	connector *engine.Connector
	executor  *engine.PlanExecutor
}

// loadConfig reads the --config file, or ./actuator.yaml when present, or
// falls back to defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Debug().Msg("No config file found, using defaults")
				return config.Default(), nil
			}
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		path = config.DefaultConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", path).Msg("Configuration loaded")
	return cfg, nil
}

// openStorage opens the journal store and the ledger selected by cfg.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (stores.Store, *stores.BadgerLedger, error) {
	store, err := stores.Open(ctx, cfg.Database.Driver, stores.Config{
		Path:            cfg.Database.Path,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.Ledger.Backend != config.LedgerBackendBadger {
		return store, nil, nil
	}

	ledger, err := stores.NewBadgerLedger(stores.BadgerConfig{
		Dir:      cfg.Ledger.Dir,
		InMemory: cfg.Ledger.Dir == "",
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to open badger ledger: %w", err)
	}
	return store, ledger, nil
}

// newRuntime wires every engine component from the configuration.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	rt := &runtime{
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
	}

	rt.store, rt.badger, err = openStorage(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.ledger = rt.store
	if rt.badger != nil {
		rt.ledger = rt.badger
	}

	var source policy.RuleSource
	if cfg.Policy.RulesDir != "" {
		rt.rules, err = policy.NewRuleLoader(cfg.Policy.RulesDir, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to load tenant rules: %w", err)
		}
		if cfg.Policy.Watch {
			if err := rt.rules.Watch(ctx); err != nil {
				rt.Close()
				return nil, err
			}
		}
		source = rt.rules
	}

	rt.gate, err = policy.NewGate(source, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := rt.gate.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			rt.Close()
			return nil, err
		}
	}

	creds, err := credentials.NewFileProvider(cfg.Credentials.File, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.registry = registry.New(logger)
	rt.platform = registry.NewAdPlatform()
	if err := rt.platform.Register(rt.registry); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to register operations: %w", err)
	}
	for integration, quota := range cfg.Quotas {
		rt.registry.SetQuota(integration, quota)
	}

	metrics := tel.Metrics
	rt.breakers = engine.NewBreakerSet(cfg.Breaker, engine.WithStateChange(
		func(name string, from, to engine.BreakerState) {
			metrics.SetBreakerState(name, int(to))
			logger.Warn().
				Str("integration", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Breaker state changed")
		},
	))

	dispatcher := engine.NewDispatcher(rt.registry, rt.breakers, engine.DispatcherOptions{
		Retry:   cfg.Retry,
		Timeout: cfg.DispatchTimeout,
		Metrics: metrics,
	}, logger)

	rt.connector = engine.NewConnector(dispatcher, rt.gate, rt.ledger, rt.store, creds, engine.ConnectorOptions{
		LedgerTTL: cfg.Ledger.TTL,
		Metrics:   metrics,
	}, logger)
	rt.executor = engine.NewPlanExecutor(rt.connector, metrics, logger)

	return rt, nil
}

// Close releases storage and flushes telemetry.
func (rt *runtime) Close() {
	if rt.rules != nil {
		_ = rt.rules.StopWatching()
	}
	if rt.badger != nil {
		if err := rt.badger.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to close badger ledger")
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to close store")
		}
	}
	if rt.telemetry != nil {
		if err := rt.telemetry.Shutdown(context.Background()); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}
}
