package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of one goal set execution.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every goal succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no goal succeeded and at least one failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some goals succeeded and others failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// GoalStatus is the state of one goal within a run.
// Transitions: pending -> running -> succeeded | failed, or pending -> skipped.
type GoalStatus string

const (
	GoalStatusPending   GoalStatus = "pending"
	GoalStatusRunning   GoalStatus = "running"
	GoalStatusSucceeded GoalStatus = "succeeded"
	GoalStatusFailed    GoalStatus = "failed"
	GoalStatusSkipped   GoalStatus = "skipped"
)

// IsTerminal returns true once the goal will not change state again.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalStatusSucceeded || s == GoalStatusFailed || s == GoalStatusSkipped
}

// Validate checks if the goal status is valid.
func (s GoalStatus) Validate() error {
	switch s {
	case GoalStatusPending, GoalStatusRunning, GoalStatusSucceeded,
		GoalStatusFailed, GoalStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid goal status: %s", s)
	}
}

// canTransition reports whether from -> to is a legal goal transition.
func canTransition(from, to GoalStatus) bool {
	switch from {
	case GoalStatusPending:
		return to == GoalStatusRunning || to == GoalStatusSkipped
	case GoalStatusRunning:
		return to == GoalStatusSucceeded || to == GoalStatusFailed
	default:
		return false
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
	EventTypeGoalStarted   EventType = "goal_started"
	EventTypeGoalSucceeded EventType = "goal_succeeded"
	EventTypeGoalFailed    EventType = "goal_failed"
	EventTypeGoalSkipped   EventType = "goal_skipped"
	EventTypeGoalRetrying  EventType = "goal_retrying"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeGoalFailed:
		return "error"
	case EventTypeGoalRetrying, EventTypeGoalSkipped:
		return "warning"
	default:
		return "info"
	}
}
