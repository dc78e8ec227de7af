package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/stores"
)

// ExampleOpen demonstrates creating and migrating a store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordRun demonstrates recording a finished run.
func ExampleSQLiteStore_RecordRun() {
	ctx := context.Background()
	store, _ := stores.Open(ctx, stores.Config{Path: ":memory:"})
	defer store.Close()

	started := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	report := &engine.ExecutionReport{
		RunID:       "run-001",
		PushID:      "push-001",
		Repo:        "team-a/svc",
		Branch:      "main",
		SHA:         "0c1d2e3f",
		Status:      engine.RunStatusSucceeded,
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
		Summary:     engine.RunSummary{Total: 1, Succeeded: 1},
		Results:     []engine.GoalResult{{Goal: "Build", Status: engine.GoalStatusSucceeded, Attempts: 1}},
	}
	if err := store.RecordRun(ctx, report); err != nil {
		log.Fatal(err)
	}

	run, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Run ID: %s, Status: %s\n", run.ID, run.Status)
	// Output: Run ID: run-001, Status: succeeded
}

// ExampleSQLiteStore_SetFrozen demonstrates a deployment freeze.
func ExampleSQLiteStore_SetFrozen() {
	ctx := context.Background()
	store, _ := stores.Open(ctx, stores.Config{Path: ":memory:"})
	defer store.Close()

	_ = store.SetFrozen(ctx, "team-a", true)

	frozen, _ := store.IsFrozen(ctx, "team-a")
	other, _ := store.IsFrozen(ctx, "team-b")
	fmt.Printf("team-a frozen: %v, team-b frozen: %v\n", frozen, other)
	// Output: team-a frozen: true, team-b frozen: false
}
