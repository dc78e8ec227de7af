package engine

import (
	"fmt"
	"strings"
	"time"
)

// GoalResult is the terminal state of one goal in a run.
type GoalResult struct {
	// Goal is the goal name.
	Goal string `json:"goal"`

	// Status is the terminal status.
	Status GoalStatus `json:"status"`

	// Reason explains a failed or skipped goal.
	Reason string `json:"reason,omitempty"`

	// ErrorCode classifies a failure, e.g. VERIFICATION_TIMEOUT.
	ErrorCode string `json:"error_code,omitempty"`

	// Attempts is the number of times the goal ran.
	Attempts int `json:"attempts"`

	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`

	// Err is the final error, if any.
	Err error `json:"-"`
}

// RunSummary counts goals by terminal status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ExecutionReport lists the terminal state of every goal in a run.
type ExecutionReport struct {
	RunID       string        `json:"run_id"`
	PushID      string        `json:"push_id"`
	Repo        string        `json:"repo"`
	Branch      string        `json:"branch"`
	SHA         string        `json:"sha"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Summary     RunSummary    `json:"summary"`

	// Results are in goal set order.
	Results []GoalResult `json:"results"`
}

// Result returns the result of the named goal.
func (r *ExecutionReport) Result(goal string) (GoalResult, bool) {
	for _, res := range r.Results {
		if res.Goal == goal {
			return res, true
		}
	}
	return GoalResult{}, false
}

// StatusOf returns the terminal status of the named goal, or "" if absent.
func (r *ExecutionReport) StatusOf(goal string) GoalStatus {
	res, ok := r.Result(goal)
	if !ok {
		return ""
	}
	return res.Status
}

// Succeeded reports whether every goal succeeded.
func (r *ExecutionReport) Succeeded() bool {
	return r.Status == RunStatusSucceeded
}

// WithStatus returns the results with the given status.
func (r *ExecutionReport) WithStatus(status GoalStatus) []GoalResult {
	var out []GoalResult
	for _, res := range r.Results {
		if res.Status == status {
			out = append(out, res)
		}
	}
	return out
}

// String renders a short multi-line summary suitable for chat.
func (r *ExecutionReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s for %s@%s: %s (%d succeeded, %d failed, %d skipped)\n",
		r.RunID, r.Repo, r.Branch, r.Status, r.Summary.Succeeded, r.Summary.Failed, r.Summary.Skipped)
	for _, res := range r.Results {
		if res.Reason != "" {
			fmt.Fprintf(&sb, "  %-28s %-9s %s\n", res.Goal, res.Status, res.Reason)
		} else {
			fmt.Fprintf(&sb, "  %-28s %s\n", res.Goal, res.Status)
		}
	}
	return sb.String()
}

func summarize(results []GoalResult) RunSummary {
	s := RunSummary{Total: len(results)}
	for _, res := range results {
		switch res.Status {
		case GoalStatusSucceeded:
			s.Succeeded++
		case GoalStatusFailed:
			s.Failed++
		case GoalStatusSkipped:
			s.Skipped++
		}
	}
	return s
}

func runStatusFor(s RunSummary, cancelled bool) RunStatus {
	switch {
	case cancelled && s.Failed+s.Skipped > 0:
		return RunStatusCancelled
	case s.Failed == 0 && s.Skipped == 0:
		return RunStatusSucceeded
	case s.Succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
