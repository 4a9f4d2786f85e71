package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"idempotency_keys", "sagas", "saga_steps"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestStoreMigrate_NotInitialized(t *testing.T) {
	store, _ := NewSQLiteStore(Config{Path: ":memory:"})
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("expected error migrating an uninitialized store")
	}
}

func TestSQLiteStore_ForeignKeys(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.RecordOperation(context.Background(),
		testRequest("tenant-a", "op-1", "publish_creative@v1", nil),
		budgetResult("op-1", 1), "no-such-saga")
	if err == nil {
		t.Error("expected foreign key violation for unknown saga")
	}
}

func TestSQLiteStore_TimestampFormat(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Store(ctx, "k", "tenant-a", "op@v1", budgetResult("op-1", 1), time.Hour); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	var raw string
	if err := store.db.QueryRowContext(ctx, "SELECT CAST(expires_at AS TEXT) FROM idempotency_keys WHERE key = 'k'").Scan(&raw); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(raw) != len(sqliteTimeLayout) {
		t.Errorf("expected fixed-width timestamp, got %q", raw)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actuator.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path, Logger: testLogger})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	store := open()
	sagaID, err := store.CreateSaga(ctx, "tenant-a", "action_plan", map[string]interface{}{"plan_id": "p1"})
	if err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}
	if err := store.Store(ctx, "k", "tenant-a", "op@v1", budgetResult("op-1", 1), time.Hour); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	store = open()
	defer store.Close()

	if _, err := store.GetSaga(ctx, "tenant-a", sagaID); err != nil {
		t.Errorf("expected saga to survive reopen: %v", err)
	}
	if got, _ := store.Check(ctx, "k", "tenant-a"); got == nil {
		t.Error("expected ledger record to survive reopen")
	}
}

func TestDBTime_Scan(t *testing.T) {
	want := time.Date(2025, 3, 1, 9, 30, 0, 123456000, time.UTC)

	tests := []struct {
		name  string
		value interface{}
		valid bool
	}{
		{"nil", nil, false},
		{"time", want.In(time.FixedZone("CET", 3600)), true},
		{"fixed width text", "2025-03-01 09:30:00.123456", true},
		{"bytes", []byte("2025-03-01 09:30:00.123456"), true},
		{"rfc3339", "2025-03-01T09:30:00.123456Z", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got dbTime
			if err := got.Scan(tt.value); err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			if got.Valid != tt.valid {
				t.Fatalf("expected valid=%v, got %v", tt.valid, got.Valid)
			}
			if tt.valid && !got.Time.Equal(want) {
				t.Errorf("expected %v, got %v", want, got.Time)
			}
		})
	}

	var bad dbTime
	if err := bad.Scan("yesterday"); err == nil {
		t.Error("expected error for unparseable time")
	}
	if err := bad.Scan(42); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT a FROM t WHERE b = ? AND c = ?"

	if got := sqliteDialect.rebind(query); got != query {
		t.Errorf("sqlite should keep ? placeholders, got %q", got)
	}
	if got := postgresDialect.rebind(query); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("unexpected postgres query %q", got)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, DriverSQLite, Config{Path: ":memory:", Logger: testLogger})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	if _, err := Open(ctx, "mysql", Config{}); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := Open(ctx, DriverPostgres, Config{}); err == nil {
		t.Error("expected error for missing DSN")
	}
}
