package engine

import (
	"context"
	"time"
)

// Event is one entry in a run's execution timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// PushID is the push the run serves.
	PushID string `json:"push_id,omitempty"`

	// Goal is the goal name, if applicable.
	Goal string `json:"goal,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// EventPublisher receives execution events. Publishing must not block the
// executor for long; failures are logged and ignored.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists finished execution reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *ExecutionReport) error
}

// Notifier addresses the chat channels associated with a push's repository.
// Delivery is fire-and-forget: callers log errors and carry on.
type Notifier interface {
	AddressChannels(ctx context.Context, push *PushDescription, message string) error
}

// MetricsRecorder receives engine measurements. All methods must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordPush(outcome string, duration time.Duration)
	RecordGoalSet(goals int)
	RecordGoal(goal string, status GoalStatus, duration time.Duration)
	RecordVerification(environment string, healthy bool, duration time.Duration)
	RecordFreezeToggle(scope string, frozen bool)
}

// ArtifactListener is invoked after an artifact goal records an artifact.
// Listener failures are reported but never fail the goal.
type ArtifactListener interface {
	Name() string
	OnArtifact(ctx context.Context, push *PushDescription, artifact *Artifact, notifier Notifier) error
}

// PushReaction runs for every push after resolution, before execution.
type PushReaction interface {
	Name() string
	Test() PushTest
	React(ctx context.Context, push *PushDescription, notifier Notifier) error
}

// GoalSetPolicy vets a resolved goal set before execution. A non-nil error
// vetoes the run.
type GoalSetPolicy interface {
	Check(ctx context.Context, push *PushDescription, goals *GoalSet) error
}
