package stores

import (
	"context"
	"time"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Audit actions written by the store itself.
const (
	AuditRunRecorded  = "run.recorded"
	AuditDeployFrozen = "deploy.disabled"
	AuditDeployThawed = "deploy.enabled"
	AuditRunsPruned   = "runs.pruned"
)

// Run is a recorded goal set execution.
type Run struct {
	ID          string           `json:"id"`
	PushID      string           `json:"push_id"`
	Repo        string           `json:"repo"`
	Branch      string           `json:"branch"`
	SHA         string           `json:"sha"`
	Status      engine.RunStatus `json:"status"`
	Total       int              `json:"total"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration"`
	CreatedAt   time.Time        `json:"created_at"`
}

// GoalRecord is the terminal state of one goal in a recorded run.
type GoalRecord struct {
	ID          int64             `json:"id"`
	RunID       string            `json:"run_id"`
	Goal        string            `json:"goal"`
	Status      engine.GoalStatus `json:"status"`
	Reason      *string           `json:"reason,omitempty"`
	ErrorCode   *string           `json:"error_code,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// Event is a stored lifecycle event. Events are append-only.
type Event struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"event_id"`
	RunID     string           `json:"run_id"`
	PushID    *string          `json:"push_id,omitempty"`
	Goal      *string          `json:"goal,omitempty"`
	Type      engine.EventType `json:"type"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

// Freeze is the deployment freeze state of one scope.
type Freeze struct {
	Scope     string    `json:"scope"`
	Frozen    bool      `json:"frozen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "deploy.disabled", "run.recorded"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"` // run id or freeze scope
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.FreezeStore
	engine.RunRecorder
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run history
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, repo *string, limit, offset int) ([]*Run, error)
	ListGoalResults(ctx context.Context, runID string) ([]*GoalRecord, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Events
	GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error)

	// Freezes
	ListFreezes(ctx context.Context) ([]*Freeze, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}
