package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Command is an operator command contributed by a pack, e.g. "deploy.enable".
type Command struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, params map[string]string) (string, error)
}

// ExtensionPack bundles everything one capability adds to a machine.
// The registry copies what it needs at registration; the pack owns nothing afterwards.
type ExtensionPack struct {
	Name        string
	Version     string
	Description string

	Contributors         []Contributor
	DisposalContributors []Contributor
	DeployRules          []DeployRule
	Predicates           map[string]Predicate
	Goals                map[string]GoalImplementation
	ArtifactListeners    []ArtifactListener
	PushReactions        []PushReaction
	Commands             []Command
}

// PackInfo describes a registered pack.
type PackInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Registry collects extension packs until it is frozen.
type Registry struct {
	mu       sync.RWMutex
	frozen   *Snapshot
	packs    []PackInfo
	names    map[string]bool
	snapshot Snapshot
}

// NewRegistry creates a registry preloaded with the built-in predicates.
func NewRegistry() *Registry {
	r := &Registry{
		names: make(map[string]bool),
		snapshot: Snapshot{
			predicates:      BuiltinPredicates(),
			implementations: make(map[string]GoalImplementation),
			commands:        make(map[string]Command),
		},
	}
	return r
}

// Register adds pack. Registering a pack name twice, clashing with an existing
// predicate, goal implementation or command, or registering after Freeze is a
// configuration error; on error nothing from the pack is kept.
func (r *Registry) Register(pack ExtensionPack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen != nil {
		return NewConfigurationError(fmt.Sprintf("cannot register pack %s: registry is frozen", pack.Name), nil)
	}
	if pack.Name == "" {
		return NewConfigurationError("extension pack has no name", nil)
	}
	if r.names[pack.Name] {
		return NewConfigurationError(fmt.Sprintf("extension pack %s already registered", pack.Name), nil)
	}

	for name := range pack.Predicates {
		if _, exists := r.snapshot.predicates[name]; exists {
			return NewConfigurationError(fmt.Sprintf("pack %s redefines predicate %s", pack.Name, name), nil)
		}
	}
	for name := range pack.Goals {
		if _, exists := r.snapshot.implementations[name]; exists {
			return NewConfigurationError(fmt.Sprintf("pack %s redefines goal implementation %s", pack.Name, name), nil)
		}
	}
	for _, cmd := range pack.Commands {
		if _, exists := r.snapshot.commands[cmd.Name]; exists {
			return NewConfigurationError(fmt.Sprintf("pack %s redefines command %s", pack.Name, cmd.Name), nil)
		}
	}
	for _, c := range append(append([]Contributor(nil), pack.Contributors...), pack.DisposalContributors...) {
		if c.Name == "" {
			return NewConfigurationError(fmt.Sprintf("pack %s has an unnamed contributor", pack.Name), nil)
		}
	}

	s := &r.snapshot
	for _, c := range pack.Contributors {
		s.contributors = append(s.contributors, c.SetGoals(c.Goals...))
	}
	for _, c := range pack.DisposalContributors {
		s.disposal = append(s.disposal, c.SetGoals(c.Goals...))
	}
	s.deployRules = append(s.deployRules, pack.DeployRules...)
	for name, p := range pack.Predicates {
		s.predicates[name] = p
	}
	for name, impl := range pack.Goals {
		s.implementations[name] = impl
	}
	s.listeners = append(s.listeners, pack.ArtifactListeners...)
	s.reactions = append(s.reactions, pack.PushReactions...)
	for _, cmd := range pack.Commands {
		s.commands[cmd.Name] = cmd
	}

	r.names[pack.Name] = true
	r.packs = append(r.packs, PackInfo{Name: pack.Name, Version: pack.Version, Description: pack.Description})
	return nil
}

// Freeze validates the registered packs and returns an immutable snapshot.
// Further registrations fail. Freezing twice returns the same snapshot.
func (r *Registry) Freeze() (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen != nil {
		return r.frozen, nil
	}

	for _, contributors := range [][]Contributor{r.snapshot.contributors, r.snapshot.disposal} {
		if err := validateGoalGraph(contributors); err != nil {
			return nil, err
		}
	}

	snap := r.snapshot
	snap.packs = append([]PackInfo(nil), r.packs...)
	r.frozen = &snap
	return r.frozen, nil
}

// IsFrozen reports whether Freeze has succeeded.
func (r *Registry) IsFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen != nil
}

// validateGoalGraph checks that the union of all contributed goals is acyclic.
func validateGoalGraph(contributors []Contributor) error {
	var goals []Goal
	seen := make(map[string]int)
	for _, c := range contributors {
		for _, g := range c.Goals {
			if i, ok := seen[g.Name]; ok {
				goals[i] = goals[i].WithDependencies(g.DependsOn...)
				continue
			}
			seen[g.Name] = len(goals)
			goals = append(goals, g.clone())
		}
	}
	_, err := NewGoalSet("", goals)
	return err
}

// Snapshot is the frozen content of a registry.
type Snapshot struct {
	packs           []PackInfo
	contributors    []Contributor
	disposal        []Contributor
	deployRules     []DeployRule
	predicates      map[string]Predicate
	implementations map[string]GoalImplementation
	listeners       []ArtifactListener
	reactions       []PushReaction
	commands        map[string]Command
}

// Packs returns the registered packs in order.
func (s *Snapshot) Packs() []PackInfo { return append([]PackInfo(nil), s.packs...) }

// Contributors returns goal contributors in registration order.
func (s *Snapshot) Contributors() []Contributor {
	return append([]Contributor(nil), s.contributors...)
}

// DisposalContributors returns disposal contributors in registration order.
func (s *Snapshot) DisposalContributors() []Contributor {
	return append([]Contributor(nil), s.disposal...)
}

// DeployRules returns deploy rules in registration order.
func (s *Snapshot) DeployRules() []DeployRule {
	return append([]DeployRule(nil), s.deployRules...)
}

// Predicates returns a copy of the predicate table.
func (s *Snapshot) Predicates() map[string]Predicate {
	out := make(map[string]Predicate, len(s.predicates))
	for k, v := range s.predicates {
		out[k] = v
	}
	return out
}

// Implementations returns a copy of the goal implementation table.
func (s *Snapshot) Implementations() map[string]GoalImplementation {
	out := make(map[string]GoalImplementation, len(s.implementations))
	for k, v := range s.implementations {
		out[k] = v
	}
	return out
}

// ArtifactListeners returns listeners in registration order.
func (s *Snapshot) ArtifactListeners() []ArtifactListener {
	return append([]ArtifactListener(nil), s.listeners...)
}

// PushReactions returns push reactions in registration order.
func (s *Snapshot) PushReactions() []PushReaction {
	return append([]PushReaction(nil), s.reactions...)
}

// Command returns the named command.
func (s *Snapshot) Command(name string) (Command, bool) {
	c, ok := s.commands[name]
	return c, ok
}

// CommandNames returns the sorted command names.
func (s *Snapshot) CommandNames() []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
