package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// MergePolicy decides what happens when two contributors propose the same
// goal name with different metadata.
type MergePolicy string

const (
	// MergePolicyStrict rejects conflicting metadata with a configuration error.
	MergePolicyStrict MergePolicy = "strict"

	// MergePolicyFirstWins keeps the first proposal and logs the conflict.
	MergePolicyFirstWins MergePolicy = "first-wins"
)

// Validate checks if the merge policy is valid.
func (p MergePolicy) Validate() error {
	switch p {
	case MergePolicyStrict, MergePolicyFirstWins:
		return nil
	default:
		return fmt.Errorf("invalid merge policy: %s", p)
	}
}

// Resolver unions the goals of every matching contributor into a goal set.
type Resolver struct {
	contributors []Contributor
	evaluator    *Evaluator
	policy       MergePolicy
	logger       zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMergePolicy sets the merge policy. The default is MergePolicyStrict.
func WithMergePolicy(p MergePolicy) ResolverOption {
	return func(r *Resolver) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over contributors in registration order.
func NewResolver(contributors []Contributor, evaluator *Evaluator, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		contributors: slices.Clone(contributors),
		evaluator:    evaluator,
		policy:       MergePolicyStrict,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "resolver").Logger()
	return r
}

// Resolve computes the goal set for push. The first contributor to propose a
// goal name fixes its position. Dependencies on goals outside the set are
// dropped; a dependency cycle is a configuration error.
func (r *Resolver) Resolve(ctx context.Context, push *PushDescription) (*GoalSet, error) {
	if push == nil {
		return nil, NewPermanentError("push is nil", nil).WithCode(ErrCodeValidation)
	}

	pass := r.evaluator.NewPass(push)

	var (
		goals   []Goal
		index   = make(map[string]int)
		matched []string
	)

	for _, c := range r.contributors {
		if !pass.Evaluate(ctx, c.Test()) {
			continue
		}
		matched = append(matched, c.Name)

		for _, g := range c.Goals {
			i, exists := index[g.Name]
			if !exists {
				index[g.Name] = len(goals)
				goals = append(goals, g.clone())
				continue
			}
			if goals[i].SameMetadata(g) {
				continue
			}
			if r.policy == MergePolicyStrict {
				return nil, NewConfigurationError(
					fmt.Sprintf("contributor %s proposes goal %s with conflicting metadata", c.Name, g.Name),
					nil,
				).WithGoal(g.Name)
			}
			r.logger.Warn().
				Str("contributor", c.Name).
				Str("goal", g.Name).
				Str("push_id", push.ID).
				Msg("Ignoring conflicting goal metadata, first proposal wins")
		}
	}

	set, err := NewGoalSet(push.ID, goals)
	if err != nil {
		return nil, err
	}
	set.Contributors = matched

	r.logger.Debug().
		Str("push_id", push.ID).
		Strs("contributors", matched).
		Strs("goals", set.Names()).
		Msg("Resolved goal set")

	return set, nil
}

// NewGoalSet builds a goal set from goals in order. Dependencies on goals not
// in the list are dropped.
func NewGoalSet(pushID string, goals []Goal) (*GoalSet, error) {
	present := make(map[string]bool, len(goals))
	for _, g := range goals {
		present[g.Name] = true
	}

	pruned := make([]Goal, len(goals))
	for i, g := range goals {
		g = g.clone()
		deps := make([]string, 0, len(g.DependsOn))
		for _, dep := range g.DependsOn {
			if present[dep] && !slices.Contains(deps, dep) {
				deps = append(deps, dep)
			}
		}
		g.DependsOn = deps
		pruned[i] = g
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(pruned)
	if err != nil {
		return nil, err
	}

	return &GoalSet{
		PushID: pushID,
		Goals:  pruned,
		Graph:  graph,
		dot:    builder.ToDOT(),
	}, nil
}
