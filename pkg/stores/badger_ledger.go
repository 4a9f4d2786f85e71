package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/openfroyo/actuator/pkg/engine"
)

const ledgerKeyPrefix = "idem/"

// BadgerConfig configures the embedded Badger ledger.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	InMemory   bool
	SyncWrites bool

	// GCDiscardRatio is passed to value log GC during PurgeExpired.
	GCDiscardRatio float64

	Logger zerolog.Logger
}

// BadgerLedger implements engine.Ledger on Badger. Records carry a Badger
// TTL, so expired keys disappear on their own; PurgeExpired removes the
// ones that outlived their recorded expiry and compacts the value log.
type BadgerLedger struct {
	db       *badger.DB
	inMemory bool
	ratio    float64
	logger   zerolog.Logger
	now      func() time.Time
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// NewBadgerLedger opens a Badger ledger.
func NewBadgerLedger(cfg BadgerConfig) (*BadgerLedger, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("ledger directory is required for persistent database")
	}
	if cfg.GCDiscardRatio == 0 {
		cfg.GCDiscardRatio = 0.5
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio >= 1 {
		return nil, fmt.Errorf("gc discard ratio must be in (0, 1), got %v", cfg.GCDiscardRatio)
	}

	logger := cfg.Logger.With().Str("component", "badger-ledger").Logger()

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerLedger{
		db:       db,
		inMemory: cfg.InMemory,
		ratio:    cfg.GCDiscardRatio,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Close closes the database.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

func ledgerKey(key string) []byte {
	return []byte(ledgerKeyPrefix + key)
}

func (l *BadgerLedger) get(txn *badger.Txn, key string) (*engine.IdempotencyRecord, error) {
	item, err := txn.Get(ledgerKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec engine.IdempotencyRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ledger record: %w", err)
	}
	return &rec, nil
}

// Check returns the tenant's live cached result for key, or nil.
func (l *BadgerLedger) Check(ctx context.Context, key, tenantID string) (*engine.OperationResult, error) {
	var result *engine.OperationResult

	err := l.db.View(func(txn *badger.Txn) error {
		rec, err := l.get(txn, key)
		if err != nil {
			return err
		}
		if rec == nil || rec.TenantID != tenantID || rec.Expired(l.now()) {
			return nil
		}
		result = rec.Result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return result, nil
}

// Store writes a result with a TTL. A live record owned by another tenant
// is left untouched.
func (l *BadgerLedger) Store(ctx context.Context, key, tenantID, operationName string, result *engine.OperationResult, ttl time.Duration) error {
	now := l.now()
	rec := engine.IdempotencyRecord{
		Key:           key,
		TenantID:      tenantID,
		OperationName: operationName,
		Result:        result,
		CreatedAt:     now.UTC(),
		ExpiresAt:     now.Add(ttl).UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode ledger record: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		existing, err := l.get(txn, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.TenantID != tenantID && !existing.Expired(now) {
			l.logger.Warn().
				Str("key", key).
				Str("tenant_id", tenantID).
				Msg("idempotency key held by another tenant, not overwritten")
			return nil
		}
		return txn.SetEntry(badger.NewEntry(ledgerKey(key), data).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

// Invalidate deletes the tenant's cached result for key.
func (l *BadgerLedger) Invalidate(ctx context.Context, key, tenantID string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		rec, err := l.get(txn, key)
		if err != nil || rec == nil || rec.TenantID != tenantID {
			return err
		}
		return txn.Delete(ledgerKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate idempotency key: %w", err)
	}
	return nil
}

// purgeBatchSize bounds the deletes in one purge transaction.
const purgeBatchSize = 256

// PurgeExpired deletes records past their recorded expiry and runs value
// log GC. Keys already dropped by their Badger TTL are not counted.
func (l *BadgerLedger) PurgeExpired(ctx context.Context) (int64, error) {
	now := l.now()

	expired, err := l.scanExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	purged, err := l.deleteExpired(ctx, expired, now)
	if err != nil {
		return purged, err
	}

	l.runGC()
	return purged, nil
}

// scanExpired lists the keys whose records had expired at now.
func (l *BadgerLedger) scanExpired(ctx context.Context, now time.Time) ([][]byte, error) {
	var expired [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ledgerKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec engine.IdempotencyRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				l.logger.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping undecodable ledger record")
				continue
			}
			if rec.Expired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return expired, nil
}

// deleteExpired deletes keys in batches. Each key is re-read inside the
// deleting transaction, so a record stored after the scan survives.
func (l *BadgerLedger) deleteExpired(ctx context.Context, keys [][]byte, now time.Time) (int64, error) {
	var purged int64
	for len(keys) > 0 {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		batch := keys
		if len(batch) > purgeBatchSize {
			batch = batch[:purgeBatchSize]
		}
		keys = keys[len(batch):]

		var n int64
		err := retryOnConflict(func() error {
			n = 0
			return l.db.Update(func(txn *badger.Txn) error {
				for _, k := range batch {
					rec, err := l.get(txn, string(k[len(ledgerKeyPrefix):]))
					if err != nil {
						return err
					}
					if rec == nil || !rec.Expired(now) {
						continue
					}
					if err := txn.Delete(k); err != nil {
						return err
					}
					n++
				}
				return nil
			})
		})
		if err != nil {
			return purged, fmt.Errorf("failed to delete expired records: %w", err)
		}
		purged += n
	}
	return purged, nil
}

// retryOnConflict reruns fn while Badger reports a transaction conflict.
func retryOnConflict(fn func() error) error {
	const maxAttempts = 5
	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = fn(); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (l *BadgerLedger) runGC() {
	if l.inMemory {
		return
	}
	err := l.db.RunValueLogGC(l.ratio)
	if err == nil {
		l.logger.Debug().Msg("badger value log GC completed")
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		l.logger.Warn().Err(err).Msg("badger value log GC error")
	}
}
