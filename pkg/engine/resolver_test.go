package engine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func resolverFixture() []Contributor {
	build := Goal{Name: "Build", Kind: GoalKindBuild}
	artifact := Goal{Name: "Artifact", Kind: GoalKindArtifact, DependsOn: []string{"Build"}}
	deploy := Goal{Name: "Deploy", Kind: GoalKindDeploy, DependsOn: []string{"Artifact"}}

	return []Contributor{
		WhenPushSatisfies("always", Leaf(PredicateAnyPush)).SetGoals(Goal{Name: "Checks"}),
		WhenPushSatisfies("maven", Leaf(PredicateIsMaven)).SetGoals(build),
		WhenPushSatisfies("deploy", Leaf(PredicateIsMaven), Leaf(PredicateToDefaultBranch)).
			SetGoals(artifact, deploy),
		WhenPushSatisfies("never", Leaf("Nope")).SetGoals(Goal{Name: "Unused"}),
	}
}

func mavenPush() *PushDescription {
	p := testPush()
	p.BuildTools.Maven = true
	return p
}

func TestResolver_UnionInRegistrationOrder(t *testing.T) {
	r := NewResolver(resolverFixture(), testEvaluator(nil))

	set, err := r.Resolve(context.Background(), mavenPush())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"Checks", "Build", "Artifact", "Deploy"}
	if !reflect.DeepEqual(set.Names(), want) {
		t.Errorf("Expected goals %v, got %v", want, set.Names())
	}
	if !reflect.DeepEqual(set.Contributors, []string{"always", "maven", "deploy"}) {
		t.Errorf("Unexpected matched contributors: %v", set.Contributors)
	}
	if set.Graph.Nodes["Deploy"].Level != 2 {
		t.Errorf("Expected Deploy at level 2, got %d", set.Graph.Nodes["Deploy"].Level)
	}
}

func TestResolver_Deterministic(t *testing.T) {
	r := NewResolver(resolverFixture(), testEvaluator(nil))

	first, err := r.Resolve(context.Background(), mavenPush())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Resolve(context.Background(), mavenPush())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !reflect.DeepEqual(first.Goals, again.Goals) || !reflect.DeepEqual(first.Graph.Edges, again.Graph.Edges) {
			t.Fatalf("Resolution %d differs: %v vs %v", i, first.Names(), again.Names())
		}
	}
}

func TestResolver_IdempotentMerge(t *testing.T) {
	contributors := resolverFixture()
	doubled := append(append([]Contributor(nil), contributors...), contributors...)

	once, err := NewResolver(contributors, testEvaluator(nil)).Resolve(context.Background(), mavenPush())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	twice, err := NewResolver(doubled, testEvaluator(nil)).Resolve(context.Background(), mavenPush())
	if err != nil {
		t.Fatalf("Expected no error registering contributors twice, got: %v", err)
	}

	if !reflect.DeepEqual(once.Goals, twice.Goals) {
		t.Errorf("Expected identical goal sets, got %v and %v", once.Names(), twice.Names())
	}
}

func TestResolver_DropsDanglingDependencies(t *testing.T) {
	push := mavenPush()
	push.Branch = "feature"

	set, err := NewResolver(resolverFixture(), testEvaluator(nil)).Resolve(context.Background(), push)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if set.Has("Artifact") {
		t.Fatal("Expected Artifact to be absent off the default branch")
	}

	only := []Contributor{
		WhenPushSatisfies("deploy-only").SetGoals(Goal{Name: "Deploy", DependsOn: []string{"Artifact"}}),
	}
	set, err = NewResolver(only, testEvaluator(nil)).Resolve(context.Background(), push)
	if err != nil {
		t.Fatalf("Expected dangling dependency to be dropped, got: %v", err)
	}
	goal, _ := set.Get("Deploy")
	if len(goal.DependsOn) != 0 {
		t.Errorf("Expected no dependencies, got %v", goal.DependsOn)
	}
}

func TestResolver_EmptyWhenNothingMatches(t *testing.T) {
	contributors := []Contributor{WhenPushSatisfies("never", Leaf("Nope")).SetGoals(Goal{Name: "X"})}
	set, err := NewResolver(contributors, testEvaluator(nil)).Resolve(context.Background(), testPush())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !set.IsEmpty() {
		t.Errorf("Expected empty goal set, got %v", set.Names())
	}
}

func TestResolver_CycleIsConfigurationError(t *testing.T) {
	contributors := []Contributor{
		WhenPushSatisfies("a").SetGoals(Goal{Name: "A", DependsOn: []string{"B"}}),
		WhenPushSatisfies("b").SetGoals(Goal{Name: "B", DependsOn: []string{"A"}}),
	}
	_, err := NewResolver(contributors, testEvaluator(nil)).Resolve(context.Background(), testPush())
	if !IsConfigurationError(err) {
		t.Errorf("Expected configuration error, got: %v", err)
	}
}

func conflictingContributors() []Contributor {
	return []Contributor{
		WhenPushSatisfies("first").SetGoals(Goal{Name: "Build"}, Goal{Name: "Test", Timeout: time.Minute}),
		WhenPushSatisfies("second").SetGoals(Goal{Name: "Test", DependsOn: []string{"Build"}}),
	}
}

func TestResolver_StrictMergeRejectsConflicts(t *testing.T) {
	_, err := NewResolver(conflictingContributors(), testEvaluator(nil)).Resolve(context.Background(), testPush())
	if !IsConfigurationError(err) {
		t.Fatalf("Expected configuration error under strict merge, got: %v", err)
	}
}

func TestResolver_FirstWinsMergeKeepsFirstProposal(t *testing.T) {
	r := NewResolver(conflictingContributors(), testEvaluator(nil),
		WithMergePolicy(MergePolicyFirstWins),
		WithResolverLogger(zerolog.Nop()))

	set, err := r.Resolve(context.Background(), testPush())
	if err != nil {
		t.Fatalf("Expected no error under first-wins, got: %v", err)
	}
	goal, _ := set.Get("Test")
	if goal.Timeout != time.Minute || len(goal.DependsOn) != 0 {
		t.Errorf("Expected first proposal to win, got %+v", goal)
	}
}

func TestResolver_DescriptionDifferencesAreNotConflicts(t *testing.T) {
	contributors := []Contributor{
		WhenPushSatisfies("a").SetGoals(Goal{Name: "Build", Description: "Build it"}),
		WhenPushSatisfies("b").SetGoals(Goal{Name: "Build", Description: "Building"}),
	}
	if _, err := NewResolver(contributors, testEvaluator(nil)).Resolve(context.Background(), testPush()); err != nil {
		t.Errorf("Expected no conflict, got: %v", err)
	}
}

func TestResolver_NilPush(t *testing.T) {
	if _, err := NewResolver(nil, testEvaluator(nil)).Resolve(context.Background(), nil); err == nil {
		t.Error("Expected error for nil push")
	}
}
