package engine

import (
	"context"
	"slices"
	"sort"
	"time"
)

// GoalKind classifies what a goal does. Deploy-class kinds are routed through
// the deploy rule engine instead of a goal implementation.
type GoalKind string

const (
	GoalKindGeneric  GoalKind = "generic"
	GoalKindBuild    GoalKind = "build"
	GoalKindArtifact GoalKind = "artifact"
	GoalKindDeploy   GoalKind = "deploy"
	GoalKindEndpoint GoalKind = "endpoint"
	GoalKindVerify   GoalKind = "verify"
	GoalKindUndeploy GoalKind = "undeploy"
	GoalKindExplain  GoalKind = "explain"

	// GoalKindPushReaction runs the registered push reactions.
	GoalKindPushReaction GoalKind = "push_reaction"
)

// IsDeployClass reports whether goals of this kind are served by a deploy rule.
func (k GoalKind) IsDeployClass() bool {
	return k == GoalKindDeploy || k == GoalKindEndpoint || k == GoalKindUndeploy
}

// Goal is a named unit of delivery work. Name is its identity within a goal set.
type Goal struct {
	// Name identifies the goal.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description is a display string for reports and chat.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Kind classifies the goal.
	Kind GoalKind `json:"kind" yaml:"kind"`

	// Environment names the deploy target ("staging", "production", "local")
	// for deploy-class goals.
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// DependsOn lists goal names that must succeed first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Timeout bounds one attempt. Zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries is the number of retries after a retryable failure.
	// Zero uses the executor default; negative disables retries.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// DisplayName returns the description, falling back to the name.
func (g Goal) DisplayName() string {
	if g.Description != "" {
		return g.Description
	}
	return g.Name
}

// SameMetadata reports whether two goals with the same name carry the same
// scheduling metadata. Descriptions are not compared; dependency order is ignored.
func (g Goal) SameMetadata(other Goal) bool {
	if g.Name != other.Name || g.Kind != other.Kind || g.Environment != other.Environment {
		return false
	}
	if g.Timeout != other.Timeout || g.MaxRetries != other.MaxRetries {
		return false
	}
	a := slices.Clone(g.DependsOn)
	b := slices.Clone(other.DependsOn)
	sort.Strings(a)
	sort.Strings(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

// WithDependencies returns a copy of the goal depending on names.
func (g Goal) WithDependencies(names ...string) Goal {
	g.DependsOn = append(slices.Clone(g.DependsOn), names...)
	return g
}

// clone returns a deep copy so goal sets never alias registry state.
func (g Goal) clone() Goal {
	g.DependsOn = slices.Clone(g.DependsOn)
	return g
}

// GoalContext is handed to a goal implementation for one execution attempt.
type GoalContext struct {
	// RunID identifies the execution run.
	RunID string

	// Goal is the goal being executed.
	Goal Goal

	// Push is the push that produced the goal set.
	Push *PushDescription

	// State is shared by all goals of the same run.
	State *RunState

	// Notifier addresses the push's chat channels.
	Notifier Notifier

	// Attempt is the zero-based attempt number.
	Attempt int
}

// GoalImplementation executes one goal. Returning a retryable EngineError
// asks the executor to try again.
type GoalImplementation interface {
	Execute(ctx context.Context, gc *GoalContext) error
}

// GoalFunc adapts a function to GoalImplementation.
type GoalFunc func(ctx context.Context, gc *GoalContext) error

// Execute calls f.
func (f GoalFunc) Execute(ctx context.Context, gc *GoalContext) error {
	return f(ctx, gc)
}
