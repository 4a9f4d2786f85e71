package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/actuator/pkg/engine"
	"github.com/openfroyo/actuator/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Check demonstrates caching an operation result.
func ExampleSQLiteStore_Check() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	payload := map[string]interface{}{"budget_id": "c1", "new_budget": 130}
	key, _ := engine.Fingerprint("tenant-a", "update_campaign_budget@v1", payload)

	result := &engine.OperationResult{
		Success:       true,
		OperationID:   "op-1",
		OperationName: "update_campaign_budget@v1",
	}
	if err := store.Store(ctx, key, "tenant-a", result.OperationName, result, engine.DefaultLedgerTTL); err != nil {
		log.Fatal(err)
	}

	cached, _ := store.Check(ctx, key, "tenant-a")
	other, _ := store.Check(ctx, key, "tenant-b")

	fmt.Printf("tenant-a: %s success=%v\n", cached.OperationID, cached.Success)
	fmt.Printf("tenant-b: %v\n", other)
	// Output:
	// tenant-a: op-1 success=true
	// tenant-b: <nil>
}

// ExampleSQLiteStore_Approve demonstrates the approval guard on a parked step.
func ExampleSQLiteStore_Approve() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	req := &engine.OperationRequest{
		OperationID:   "op-1",
		OperationName: "update_campaign_budget@v1",
		TenantID:      "tenant-a",
		Payload:       map[string]interface{}{"budget_id": "c1", "new_budget": 200},
	}
	stepID, err := store.RecordPendingApproval(ctx, req, "budget change of 100% exceeds 50%", "")
	if err != nil {
		log.Fatal(err)
	}

	first, _ := store.Approve(ctx, "tenant-a", stepID)
	second, _ := store.Approve(ctx, "tenant-a", stepID)
	step, _ := store.GetStep(ctx, "tenant-a", stepID)

	fmt.Printf("first=%v second=%v status=%s\n", first, second, step.Status)
	// Output: first=true second=false status=COMPLETED
}

// ExampleNewBadgerLedger demonstrates the embedded ledger backend.
func ExampleNewBadgerLedger() {
	ledger, err := stores.NewBadgerLedger(stores.BadgerConfig{InMemory: true})
	if err != nil {
		log.Fatal(err)
	}
	defer ledger.Close()

	ctx := context.Background()
	result := &engine.OperationResult{Success: true, OperationID: "op-1"}
	_ = ledger.Store(ctx, "key-1", "tenant-a", "publish_creative@v1", result, time.Hour)

	cached, _ := ledger.Check(ctx, "key-1", "tenant-a")
	fmt.Println(cached.OperationID)
	// Output: op-1
}
