package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/asynctest/pkg/lifecycle"
	"github.com/openfroyo/asynctest/pkg/stores"
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

// ExampleSQLiteStore_RecordTest demonstrates recording a run and its results.
func ExampleSQLiteStore_RecordTest() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	_ = store.StartRun(ctx, lifecycle.RunRecord{ID: "run-001", Name: "nightly", StartedAt: now})

	err := store.RecordTest(ctx, lifecycle.TestRecord{
		ID:          "test-001",
		RunID:       "run-001",
		Description: "queue drains",
		Outcome:     lifecycle.OutcomePassed,
		StartedAt:   now,
		Duration:    15 * time.Millisecond,
	})
	if err != nil {
		log.Fatal(err)
	}

	_ = store.FinishRun(ctx, lifecycle.RunRecord{
		ID:      "run-001",
		Summary: lifecycle.Summary{Total: 1, Passed: 1},
	})

	run, _ := store.GetRun(ctx, "run-001")
	fmt.Printf("%s %s passed=%d\n", run.Name, run.Status, run.Passed)
	// Output: nightly completed passed=1
}
