package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestMemoryFreezeStore_DefaultsToUnfrozen(t *testing.T) {
	store := NewMemoryFreezeStore()
	frozen, err := store.IsFrozen(context.Background(), "team-a")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if frozen {
		t.Error("Expected unknown scope to be unfrozen")
	}
}

func TestFreezeCommands_Toggle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFreezeStore()
	cmds := NewFreezeCommands(store, nil, zerolog.Nop())

	if err := cmds.DisableDeploy(ctx, "team-a"); err != nil {
		t.Fatalf("DisableDeploy failed: %v", err)
	}
	enabled, err := cmds.IsDeployEnabled(ctx, "team-a")
	if err != nil || enabled {
		t.Errorf("Expected deploy disabled, got enabled=%v err=%v", enabled, err)
	}

	other, _ := cmds.IsDeployEnabled(ctx, "team-b")
	if !other {
		t.Error("Expected freeze to be scoped to team-a")
	}

	if err := cmds.EnableDeploy(ctx, "team-a"); err != nil {
		t.Fatalf("EnableDeploy failed: %v", err)
	}
	enabled, _ = cmds.IsDeployEnabled(ctx, "team-a")
	if !enabled {
		t.Error("Expected deploy enabled again")
	}
}

func TestFreezeCommands_RequireScope(t *testing.T) {
	cmds := NewFreezeCommands(NewMemoryFreezeStore(), nil, zerolog.Nop())
	if err := cmds.DisableDeploy(context.Background(), ""); err == nil {
		t.Error("Expected error for empty scope")
	}
}

type failingFreezeStore struct{}

func (failingFreezeStore) IsFrozen(context.Context, string) (bool, error) {
	return true, errors.New("database locked")
}

func (failingFreezeStore) SetFrozen(context.Context, string, bool) error {
	return errors.New("database locked")
}

func TestIsDeploymentFrozenPredicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFreezeStore()
	eval := testEvaluator(map[string]Predicate{PredicateIsDeploymentFrozen: IsDeploymentFrozenPredicate(store)})

	if eval.Evaluate(ctx, Leaf(PredicateIsDeploymentFrozen), testPush()) {
		t.Error("Expected unfrozen by default")
	}
	_ = store.SetFrozen(ctx, "team-a", true)
	if !eval.Evaluate(ctx, Leaf(PredicateIsDeploymentFrozen), testPush()) {
		t.Error("Expected frozen after SetFrozen")
	}

	broken := testEvaluator(map[string]Predicate{PredicateIsDeploymentFrozen: IsDeploymentFrozenPredicate(failingFreezeStore{})})
	if broken.Evaluate(ctx, Leaf(PredicateIsDeploymentFrozen), testPush()) {
		t.Error("Expected store errors to evaluate as false")
	}
}
