package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sdmkit/sdm/pkg/engine"

// ExecutorConfig tunes goal execution.
type ExecutorConfig struct {
	// MaxParallel bounds the number of goals running at once.
	MaxParallel int

	// DefaultTimeout bounds one attempt of a goal without its own timeout.
	DefaultTimeout time.Duration

	// DefaultMaxRetries applies to goals that leave MaxRetries at zero.
	DefaultMaxRetries int

	// BaseBackoff is the first retry delay; later retries double it.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel:       4,
		DefaultTimeout:    30 * time.Minute,
		DefaultMaxRetries: 0,
		BaseBackoff:       time.Second,
		MaxBackoff:        time.Minute,
	}
}

// Executor runs goal sets as dependency-ordered pipelines. Independent goals
// run concurrently up to MaxParallel; a goal starts only after all of its
// dependencies succeeded.
type Executor struct {
	config          ExecutorConfig
	implementations map[string]GoalImplementation
	deploy          *DeployRules
	listeners       []ArtifactListener
	reactions       []PushReaction
	evaluator       *Evaluator
	notifier        Notifier
	publisher       EventPublisher
	recorder        RunRecorder
	metrics         MetricsRecorder
	tracer          trace.Tracer
	logger          zerolog.Logger

	// mu guards runs
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDeployRules routes deploy-class goals through rules.
func WithDeployRules(rules *DeployRules) ExecutorOption {
	return func(e *Executor) { e.deploy = rules }
}

// WithArtifactListeners sets listeners invoked after artifact goals succeed.
func WithArtifactListeners(listeners ...ArtifactListener) ExecutorOption {
	return func(e *Executor) { e.listeners = append(e.listeners, listeners...) }
}

// WithPushReactions sets the reactions run by push reaction goals.
func WithPushReactions(evaluator *Evaluator, reactions ...PushReaction) ExecutorOption {
	return func(e *Executor) {
		e.evaluator = evaluator
		e.reactions = append(e.reactions, reactions...)
	}
}

// WithNotifier sets the notifier handed to goals and listeners.
func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// WithRunRecorder persists reports after every run.
func WithRunRecorder(r RunRecorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor. implementations maps goal names to code.
func NewExecutor(config ExecutorConfig, implementations map[string]GoalImplementation, opts ...ExecutorOption) *Executor {
	defaults := DefaultExecutorConfig()
	if config.MaxParallel <= 0 {
		config.MaxParallel = defaults.MaxParallel
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = defaults.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}

	impls := make(map[string]GoalImplementation, len(implementations))
	for name, impl := range implementations {
		impls[name] = impl
	}

	e := &Executor{
		config:          config,
		implementations: impls,
		logger:          zerolog.Nop(),
		tracer:          otel.Tracer(tracerName),
		runs:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(e.logger)
	}
	e.logger = e.logger.With().Str("component", "executor").Logger()
	return e
}

// Execute runs set for push under a fresh run ID.
func (e *Executor) Execute(ctx context.Context, set *GoalSet, push *PushDescription) (*ExecutionReport, error) {
	return e.ExecuteRun(ctx, uuid.New().String(), set, push)
}

// Cancel cancels a running execution. It reports whether the run was active;
// cancelling twice or cancelling a finished run is harmless.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns returns the IDs of runs in progress.
func (e *Executor) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// goalOutcome is sent by a worker when a goal reaches a terminal state.
type goalOutcome struct {
	name   string
	result GoalResult
}

// ExecuteRun runs set for push under runID. It returns once no goal is
// pending or running. Goal failures are reported, not returned.
func (e *Executor) ExecuteRun(ctx context.Context, runID string, set *GoalSet, push *PushDescription) (*ExecutionReport, error) {
	if set == nil {
		return nil, NewPermanentError("goal set is nil", nil).WithCode(ErrCodeValidation)
	}
	if push == nil {
		return nil, NewPermanentError("push is nil", nil).WithCode(ErrCodeValidation)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		return nil, NewPermanentError(fmt.Sprintf("run %s already active", runID), nil).
			WithCode(ErrCodeValidation)
	}
	e.runs[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
	}()

	runCtx, span := e.tracer.Start(runCtx, "goalset.execute",
		trace.WithAttributes(
			attribute.String("sdm.run_id", runID),
			attribute.String("sdm.push_id", push.ID),
			attribute.Int("sdm.goals", set.Len()),
		))
	defer span.End()

	logger := e.logger.With().Str("run_id", runID).Str("push_id", push.ID).Logger()
	logger.Info().Int("goals", set.Len()).Msg("Executing goal set")

	report := &ExecutionReport{
		RunID:     runID,
		PushID:    push.ID,
		Repo:      push.Repo.String(),
		Branch:    push.Branch,
		SHA:       push.SHA,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	e.publishEvent(runCtx, runID, push.ID, "", EventTypeRunStarted, "Run started")

	state := NewRunState()
	status := make(map[string]GoalStatus, set.Len())
	results := make(map[string]GoalResult, set.Len())
	for _, g := range set.Goals {
		status[g.Name] = GoalStatusPending
	}

	done := make(chan goalOutcome, set.Len())
	running := 0

	transition := func(name string, to GoalStatus) {
		if !canTransition(status[name], to) {
			logger.Error().Str("goal", name).
				Str("from", string(status[name])).
				Str("to", string(to)).
				Msg("Illegal goal transition ignored")
			return
		}
		status[name] = to
	}

	skip := func(name, reason, code string) {
		transition(name, GoalStatusSkipped)
		results[name] = GoalResult{
			Goal:      name,
			Status:    GoalStatusSkipped,
			Reason:    reason,
			ErrorCode: code,
		}
		e.publishEvent(runCtx, runID, push.ID, name, EventTypeGoalSkipped, reason)
		if e.metrics != nil {
			e.metrics.RecordGoal(name, GoalStatusSkipped, 0)
		}
		logger.Info().Str("goal", name).Str("reason", reason).Msg("Goal skipped")
	}

	for {
		// Settle skips and launch eligible goals until nothing changes.
		for progress := true; progress; {
			progress = false
			for _, g := range set.Goals {
				if status[g.Name] != GoalStatusPending {
					continue
				}

				blocked, reason := false, ""
				ready := true
				for _, dep := range g.DependsOn {
					switch status[dep] {
					case GoalStatusFailed, GoalStatusSkipped:
						blocked = true
						reason = fmt.Sprintf("dependency %s %s", dep, status[dep])
					case GoalStatusSucceeded:
					default:
						ready = false
					}
					if blocked {
						break
					}
				}

				switch {
				case blocked:
					skip(g.Name, reason, ErrCodeDependencyFailed)
					progress = true
				case ready && runCtx.Err() != nil:
					skip(g.Name, "run cancelled before goal started", ErrCodeCancelled)
					progress = true
				case ready && running < e.config.MaxParallel:
					transition(g.Name, GoalStatusRunning)
					running++
					go func(goal Goal) {
						done <- goalOutcome{name: goal.Name, result: e.runGoal(runCtx, runID, goal, push, state)}
					}(g)
					progress = true
				}
			}
		}

		if running == 0 {
			break
		}

		outcome := <-done
		running--
		transition(outcome.name, outcome.result.Status)
		results[outcome.name] = outcome.result
	}

	report.Results = make([]GoalResult, 0, set.Len())
	for _, g := range set.Goals {
		res, ok := results[g.Name]
		if !ok {
			// Unreachable for a valid graph; keep the report total.
			res = GoalResult{Goal: g.Name, Status: GoalStatusSkipped, Reason: "goal never became eligible"}
		}
		report.Results = append(report.Results, res)
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Summary = summarize(report.Results)
	report.Status = runStatusFor(report.Summary, runCtx.Err() != nil)

	if report.Status == RunStatusSucceeded {
		span.SetStatus(codes.Ok, "")
		e.publishEvent(runCtx, runID, push.ID, "", EventTypeRunCompleted, "Run completed successfully")
	} else {
		span.SetStatus(codes.Error, string(report.Status))
		e.publishEvent(runCtx, runID, push.ID, "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", report.Status))
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", report.Summary.Succeeded).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", report.Duration).
		Msg("Goal set finished")

	if e.recorder != nil {
		if err := e.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			logger.Error().Err(err).Msg("Failed to record run")
		}
	}

	return report, nil
}

// runGoal executes one goal with retries and returns its terminal result.
func (e *Executor) runGoal(ctx context.Context, runID string, goal Goal, push *PushDescription, state *RunState) GoalResult {
	ctx, span := e.tracer.Start(ctx, "goal.execute",
		trace.WithAttributes(
			attribute.String("sdm.goal", goal.Name),
			attribute.String("sdm.goal_kind", string(goal.Kind)),
		))
	defer span.End()

	logger := e.logger.With().Str("run_id", runID).Str("goal", goal.Name).Logger()
	e.publishEvent(ctx, runID, push.ID, goal.Name, EventTypeGoalStarted,
		fmt.Sprintf("Started %s", goal.DisplayName()))

	result := GoalResult{Goal: goal.Name, StartedAt: time.Now()}
	impl, err := e.implementationFor(goal)

	maxRetries := goal.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.config.DefaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := goal.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	if err == nil {
		for attempt := 0; attempt <= maxRetries; attempt++ {
			result.Attempts++
			err = e.attempt(ctx, impl, timeout, &GoalContext{
				RunID:    runID,
				Goal:     goal,
				Push:     push,
				State:    state,
				Notifier: e.notifier,
				Attempt:  attempt,
			})

			if err == nil || ctx.Err() != nil || !IsRetryable(err) || attempt >= maxRetries {
				break
			}

			delay := e.calculateBackoff(attempt, err)
			logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("Goal failed, retrying")
			e.publishEvent(ctx, runID, push.ID, goal.Name, EventTypeGoalRetrying,
				fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt+1, maxRetries+1))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}

	if err != nil && ctx.Err() != nil && !IsCancelled(err) {
		err = NewPermanentError("goal cancelled", err).WithCode(ErrCodeCancelled).WithGoal(goal.Name)
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if err != nil {
		result.Status = GoalStatusFailed
		result.Err = err
		result.Reason = err.Error()
		result.ErrorCode = ErrorCode(err)
		if result.ErrorCode == "" {
			result.ErrorCode = ErrCodeGoalFailed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result.ErrorCode)
		logger.Error().Err(err).Str("code", result.ErrorCode).Int("attempts", result.Attempts).Msg("Goal failed")
		e.publishEvent(ctx, runID, push.ID, goal.Name, EventTypeGoalFailed,
			fmt.Sprintf("Failed %s: %v", goal.DisplayName(), err))
	} else {
		result.Status = GoalStatusSucceeded
		span.SetStatus(codes.Ok, "")
		logger.Info().Dur("duration", result.Duration).Msg("Goal succeeded")
		e.publishEvent(ctx, runID, push.ID, goal.Name, EventTypeGoalSucceeded,
			fmt.Sprintf("Completed %s", goal.DisplayName()))
		if goal.Kind == GoalKindArtifact {
			e.notifyArtifactListeners(ctx, push, state, logger)
		}
	}

	if e.metrics != nil {
		e.metrics.RecordGoal(goal.Name, result.Status, result.Duration)
	}
	return result
}

func (e *Executor) implementationFor(goal Goal) (GoalImplementation, error) {
	if impl, ok := e.implementations[goal.Name]; ok {
		return impl, nil
	}
	if goal.Kind.IsDeployClass() && e.deploy != nil {
		return GoalFunc(e.deploy.Execute), nil
	}
	if goal.Kind == GoalKindPushReaction {
		return GoalFunc(e.react), nil
	}
	return nil, NewConfigurationError(fmt.Sprintf("no implementation for goal %s", goal.Name), nil).
		WithGoal(goal.Name)
}

// attempt runs one attempt under its own timeout. Panics become permanent failures.
func (e *Executor) attempt(ctx context.Context, impl GoalImplementation, timeout time.Duration, gc *GoalContext) (err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("goal panicked: %v", r), nil).
				WithCode(ErrCodeGoalFailed).WithGoal(gc.Goal.Name)
		}
	}()

	err = impl.Execute(attemptCtx, gc)
	if ErrorCode(err) != "" {
		return err
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return NewTransientError(fmt.Sprintf("goal timed out after %s", timeout), err).
			WithCode(ErrCodeGoalFailed).WithGoal(gc.Goal.Name)
	}
	return err
}

// react runs every push reaction whose test matches. Reaction failures are
// logged; the goal itself only fails on cancellation.
func (e *Executor) react(ctx context.Context, gc *GoalContext) error {
	if e.evaluator == nil {
		return nil
	}
	pass := e.evaluator.NewPass(gc.Push)
	for _, r := range e.reactions {
		if !pass.Evaluate(ctx, r.Test()) {
			continue
		}
		if err := r.React(ctx, gc.Push, gc.Notifier); err != nil {
			e.logger.Warn().Err(err).Str("reaction", r.Name()).Str("run_id", gc.RunID).Msg("Push reaction failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (e *Executor) notifyArtifactListeners(ctx context.Context, push *PushDescription, state *RunState, logger zerolog.Logger) {
	artifact, ok := state.Artifact()
	if !ok {
		return
	}
	for _, l := range e.listeners {
		if err := l.OnArtifact(ctx, push, artifact, e.notifier); err != nil {
			logger.Warn().Err(err).Str("listener", l.Name()).Msg("Artifact listener failed")
		}
	}
}

// calculateBackoff calculates exponential backoff, longer for throttling.
func (e *Executor) calculateBackoff(attempt int, err error) time.Duration {
	base := e.config.BaseBackoff
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > e.config.MaxBackoff {
		delay = e.config.MaxBackoff
	}
	return delay
}

func (e *Executor) publishEvent(ctx context.Context, runID, pushID, goal string, eventType EventType, message string) {
	if e.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		PushID:    pushID,
		Goal:      goal,
		Message:   message,
		Level:     eventType.Severity(),
	}

	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
