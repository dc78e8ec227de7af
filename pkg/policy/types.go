package policy

import (
	"time"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"

	// SeverityError vetoes the goal set.
	SeverityError Severity = "error"

	// SeverityCritical vetoes the goal set.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity veto execution.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a Rego module with a deny rule.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the Rego policy code. Its package must define `deny`.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Builtin policies survive reloads.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Goal     string   `json:"goal,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of checking one goal set.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Push    *engine.PushDescription `json:"push"`
	Goals   []engine.Goal           `json:"goals"`
	Context Context                 `json:"context"`
}

// Context carries values derived from the push so policies need not
// recompute them.
type Context struct {
	DefaultBranch bool      `json:"default_branch"`
	Scope         string    `json:"scope"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewInput builds the policy input for a resolved goal set.
func NewInput(push *engine.PushDescription, goals *engine.GoalSet) *Input {
	in := &Input{
		Push:  push,
		Goals: []engine.Goal{},
		Context: Context{
			DefaultBranch: push.IsDefaultBranch(),
			Scope:         push.Scope(),
			Timestamp:     time.Now(),
		},
	}
	if goals != nil {
		in.Goals = append(in.Goals, goals.Goals...)
	}
	return in
}
