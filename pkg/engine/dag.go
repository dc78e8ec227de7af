package engine

import (
	"fmt"
	"strings"
)

// ExecutionGraph is the dependency graph of a goal set.
type ExecutionGraph struct {
	// Nodes maps goal names to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists dependency edges; From must finish before To starts.
	Edges []GraphEdge `json:"edges"`

	// Roots are goals without dependencies, in goal set order.
	Roots []string `json:"roots"`

	// Levels groups goal names by depth; goals in one level are independent.
	Levels [][]string `json:"levels"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode is one goal in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is a dependency edge between two goals.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAGBuilder builds a directed acyclic graph from goals.
// It detects cycles and assigns execution levels. Output order follows the
// input order of goals, so identical input always yields an identical graph.
type DAGBuilder struct {
	// goals maps goal names to goals
	goals map[string]Goal

	// order keeps input order for deterministic output
	order []string

	// index maps goal names to their input position
	index map[string]int

	// adjacencyList maps a goal to the goals depending on it
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a goal to its dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to goal names at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		goals:                make(map[string]Goal),
		index:                make(map[string]int),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from goals.
// Every dependency must name a goal in the input; a cycle is a configuration error.
func (b *DAGBuilder) BuildGraph(goals []Goal) (*ExecutionGraph, error) {
	if len(goals) == 0 {
		return &ExecutionGraph{
			Nodes:  make(map[string]*GraphNode),
			Edges:  make([]GraphEdge, 0),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(goals); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

func (b *DAGBuilder) initialize(goals []Goal) error {
	for i, goal := range goals {
		if goal.Name == "" {
			return NewPermanentError("goal has empty name", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.goals[goal.Name]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate goal: %s", goal.Name), nil).
				WithCode(ErrCodeValidation)
		}

		b.goals[goal.Name] = goal
		b.order = append(b.order, goal.Name)
		b.index[goal.Name] = i
		b.adjacencyList[goal.Name] = make([]string, 0)
		b.reverseAdjacencyList[goal.Name] = make([]string, 0)
		b.inDegree[goal.Name] = 0
	}

	for _, name := range b.order {
		goal := b.goals[name]
		seen := make(map[string]bool, len(goal.DependsOn))
		for _, dep := range goal.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			if _, exists := b.goals[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("goal %s depends on unknown goal %s", name, dep),
					nil,
				).WithCode(ErrCodeValidation).WithGoal(name)
			}

			b.adjacencyList[dep] = append(b.adjacencyList[dep], name)
			b.reverseAdjacencyList[name] = append(b.reverseAdjacencyList[name], dep)
			b.inDegree[name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range b.order {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular goal dependency: %s", formatCycle(cycle)),
				nil,
			).WithDetail("cycle", cycle)
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns execution levels with Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for _, name := range b.order {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range b.adjacencyList[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		b.sortByOrder(next)
		current = next
	}

	if processed != len(b.goals) {
		return NewPermanentError("failed to order all goals", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) sortByOrder(names []string) {
	// insertion sort; levels are small
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && b.index[names[j-1]] > b.index[names[j]]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Edges:  make([]GraphEdge, 0),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, names := range b.levels {
		for _, name := range names {
			graph.Nodes[name] = &GraphNode{
				ID:           name,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[name],
				Dependents:   b.adjacencyList[name],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, name)
			}
		}
	}

	for _, name := range b.order {
		for _, dep := range b.reverseAdjacencyList[name] {
			graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: name})
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a Graphviz representation of the goal graph.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph GoalSet {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			goal := b.goals[name]
			label := fmt.Sprintf("%s\\n%s", goal.Name, goal.Kind)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, kindColor(goal.Kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, name := range b.order {
		for _, dep := range b.reverseAdjacencyList[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func kindColor(kind GoalKind) string {
	switch kind {
	case GoalKindBuild, GoalKindArtifact:
		return "lightblue"
	case GoalKindDeploy, GoalKindEndpoint, GoalKindVerify:
		return "lightgreen"
	case GoalKindUndeploy:
		return "lightcoral"
	case GoalKindExplain:
		return "lightyellow"
	default:
		return "lightgray"
	}
}

// ValidateGraph checks the internal consistency of a built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.goals) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, root := range graph.Roots {
		if len(graph.Nodes[root].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", root), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
