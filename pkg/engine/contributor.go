package engine

// Contributor proposes goals for every push that satisfies all of its tests.
// Contributors are immutable once the registry is frozen.
type Contributor struct {
	// Name identifies the contributor in logs and reports.
	Name string `json:"name"`

	// Tests must all hold for the contributor to apply. No tests means any push.
	Tests []PushTest `json:"tests,omitempty"`

	// Goals are proposed in order.
	Goals []Goal `json:"goals"`
}

// WhenPushSatisfies starts a contributor guarded by tests.
//
//	engine.WhenPushSatisfies("maven-build", engine.Leaf(engine.PredicateIsMaven)).
//		SetGoals(packs.Build)
func WhenPushSatisfies(name string, tests ...PushTest) Contributor {
	return Contributor{Name: name, Tests: append([]PushTest(nil), tests...)}
}

// SetGoals returns a copy of the contributor proposing goals.
func (c Contributor) SetGoals(goals ...Goal) Contributor {
	c.Goals = make([]Goal, len(goals))
	for i, g := range goals {
		c.Goals[i] = g.clone()
	}
	return c
}

// Test returns the conjunction of the contributor's tests.
func (c Contributor) Test() PushTest {
	if len(c.Tests) == 0 {
		return All()
	}
	return All(c.Tests...)
}

// GoalNames returns the names of the proposed goals.
func (c Contributor) GoalNames() []string {
	names := make([]string, len(c.Goals))
	for i, g := range c.Goals {
		names[i] = g.Name
	}
	return names
}
