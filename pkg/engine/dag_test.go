package engine

import (
	"reflect"
	"strings"
	"testing"
)

func TestDAGBuilder_BuildGraph_EmptyGoals(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty goals, got: %v", err)
	}
	if len(graph.Nodes) != 0 || len(graph.Edges) != 0 || graph.Depth != 0 {
		t.Errorf("Expected empty graph, got %d nodes, %d edges, depth %d",
			len(graph.Nodes), len(graph.Edges), graph.Depth)
	}
}

func TestDAGBuilder_BuildGraph_LinearDependencies(t *testing.T) {
	goals := []Goal{
		{Name: "Build"},
		{Name: "Artifact", DependsOn: []string{"Build"}},
		{Name: "Deploy", DependsOn: []string{"Artifact"}},
	}

	graph, err := NewDAGBuilder().BuildGraph(goals)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}
	if !reflect.DeepEqual(graph.Roots, []string{"Build"}) {
		t.Errorf("Expected roots [Build], got %v", graph.Roots)
	}
	if graph.Nodes["Deploy"].Level != 2 {
		t.Errorf("Expected Deploy at level 2, got %d", graph.Nodes["Deploy"].Level)
	}
	if len(graph.Edges) != 2 {
		t.Errorf("Expected 2 edges, got %d", len(graph.Edges))
	}
}

func TestDAGBuilder_BuildGraph_DiamondLevelsFollowInputOrder(t *testing.T) {
	goals := []Goal{
		{Name: "A"},
		{Name: "C", DependsOn: []string{"A"}},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "D", DependsOn: []string{"B", "C"}},
	}

	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(goals); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"A"}, {"C", "B"}, {"D"}}
	if got := builder.GetLevels(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected levels %v, got %v", want, got)
	}
}

func TestDAGBuilder_BuildGraph_Cycle(t *testing.T) {
	goals := []Goal{
		{Name: "A", DependsOn: []string{"C"}},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C", DependsOn: []string{"B"}},
	}

	_, err := NewDAGBuilder().BuildGraph(goals)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !IsConfigurationError(err) {
		t.Errorf("Expected configuration error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Errorf("Expected error to mention circular dependency, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_SelfDependency(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Goal{{Name: "A", DependsOn: []string{"A"}}})
	if !IsConfigurationError(err) {
		t.Errorf("Expected configuration error for self dependency, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_UnknownDependency(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Goal{{Name: "A", DependsOn: []string{"Missing"}}})
	if err == nil {
		t.Fatal("Expected error for unknown dependency")
	}
	if ErrorCode(err) != ErrCodeValidation {
		t.Errorf("Expected validation code, got %q", ErrorCode(err))
	}
}

func TestDAGBuilder_BuildGraph_DuplicateGoal(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Goal{{Name: "A"}, {Name: "A"}})
	if err == nil {
		t.Fatal("Expected error for duplicate goal")
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder()
	_, err := builder.BuildGraph([]Goal{
		{Name: "Build", Kind: GoalKindBuild},
		{Name: "Artifact", Kind: GoalKindArtifact, DependsOn: []string{"Build"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph GoalSet", `"Build" -> "Artifact"`, "cluster_level_1"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}

func TestDAGBuilder_ValidateGraph(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]Goal{{Name: "A"}, {Name: "B", DependsOn: []string{"A"}}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := builder.ValidateGraph(graph); err != nil {
		t.Errorf("Expected valid graph, got: %v", err)
	}
}
