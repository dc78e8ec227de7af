package engine

import "slices"

// GoalSet is the ordered, duplicate-free set of goals resolved for one push,
// together with its dependency graph.
type GoalSet struct {
	// PushID is the push the set was resolved for.
	PushID string `json:"push_id"`

	// Goals in resolution order. Dependencies only name goals in the set.
	Goals []Goal `json:"goals"`

	// Contributors lists the contributors whose tests matched, in order.
	Contributors []string `json:"contributors"`

	// Graph is the execution graph of Goals.
	Graph *ExecutionGraph `json:"graph"`

	dot string
}

// Len returns the number of goals.
func (s *GoalSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Goals)
}

// IsEmpty reports whether the set has no goals.
func (s *GoalSet) IsEmpty() bool {
	return s.Len() == 0
}

// Names returns goal names in order.
func (s *GoalSet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Goals))
	for i, g := range s.Goals {
		names[i] = g.Name
	}
	return names
}

// Has reports whether the set contains a goal named name.
func (s *GoalSet) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Get returns the named goal.
func (s *GoalSet) Get(name string) (Goal, bool) {
	if s == nil {
		return Goal{}, false
	}
	idx := slices.IndexFunc(s.Goals, func(g Goal) bool { return g.Name == name })
	if idx < 0 {
		return Goal{}, false
	}
	return s.Goals[idx], true
}

// Dependents returns the goals that directly depend on name.
func (s *GoalSet) Dependents(name string) []string {
	if s == nil || s.Graph == nil {
		return nil
	}
	if node, ok := s.Graph.Nodes[name]; ok {
		return node.Dependents
	}
	return nil
}

// ToDOT renders the goal graph in Graphviz format.
func (s *GoalSet) ToDOT() string {
	if s == nil {
		return "digraph GoalSet {\n}\n"
	}
	return s.dot
}
