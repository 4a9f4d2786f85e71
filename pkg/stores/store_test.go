package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/actuator/pkg/engine"
)

var testLogger = zerolog.New(nil).Level(zerolog.Disabled)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:   ":memory:",
		Logger: testLogger,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// setupPostgresStore connects to ACTUATOR_TEST_POSTGRES_DSN, skipping the
// test when it is not set. Tables are emptied before use.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("ACTUATOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ACTUATOR_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(Config{DSN: dsn, Logger: testLogger})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "TRUNCATE saga_steps, sagas, idempotency_keys"); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupBadgerLedger(t *testing.T) *BadgerLedger {
	t.Helper()

	ledger, err := NewBadgerLedger(BadgerConfig{InMemory: true, Logger: testLogger})
	if err != nil {
		t.Fatalf("failed to open badger ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

// testClock is a settable clock shared by a backend under test.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Microsecond)}
}

type ledgerBackend struct {
	name  string
	setup func(t *testing.T, clock *testClock) engine.Ledger
}

type journalBackend struct {
	name  string
	setup func(t *testing.T, clock *testClock) engine.Journal
}

var ledgerBackends = []ledgerBackend{
	{"sqlite", func(t *testing.T, clock *testClock) engine.Ledger {
		s := setupTestStore(t)
		s.now = clock.Now
		return s
	}},
	{"postgres", func(t *testing.T, clock *testClock) engine.Ledger {
		s := setupPostgresStore(t)
		s.now = clock.Now
		return s
	}},
	{"badger", func(t *testing.T, clock *testClock) engine.Ledger {
		l := setupBadgerLedger(t)
		l.now = clock.Now
		return l
	}},
}

var journalBackends = []journalBackend{
	{"sqlite", func(t *testing.T, clock *testClock) engine.Journal {
		s := setupTestStore(t)
		s.now = clock.Now
		return s
	}},
	{"postgres", func(t *testing.T, clock *testClock) engine.Journal {
		s := setupPostgresStore(t)
		s.now = clock.Now
		return s
	}},
}

func forEachLedger(t *testing.T, fn func(t *testing.T, ledger engine.Ledger, clock *testClock)) {
	for _, b := range ledgerBackends {
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			fn(t, b.setup(t, clock), clock)
		})
	}
}

func forEachJournal(t *testing.T, fn func(t *testing.T, journal engine.Journal, clock *testClock)) {
	for _, b := range journalBackends {
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			fn(t, b.setup(t, clock), clock)
		})
	}
}
