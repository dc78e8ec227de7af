package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MachineOptions configures a Machine.
type MachineOptions struct {
	// Name identifies the machine in logs.
	Name string

	Executor     ExecutorConfig
	Verification VerificationPolicy
	MergePolicy  MergePolicy

	// Notifier addresses chat channels. Defaults to a LogNotifier.
	Notifier Notifier

	Publisher EventPublisher
	Recorder  RunRecorder
	Metrics   MetricsRecorder

	// Policy vets goal sets before execution. Optional.
	Policy GoalSetPolicy

	Logger zerolog.Logger
}

// Machine wires a frozen registry into a push handler that resolves, vets and
// executes goals.
type Machine struct {
	name      string
	snapshot  *Snapshot
	evaluator *Evaluator
	goals     *Resolver
	disposal  *Resolver
	deploy    *DeployRules
	executor  *Executor
	notifier  Notifier
	policy    GoalSetPolicy
	metrics   MetricsRecorder
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewMachine builds a machine from a frozen snapshot.
func NewMachine(snapshot *Snapshot, opts MachineOptions) *Machine {
	logger := opts.Logger
	if opts.Name != "" {
		logger = logger.With().Str("machine", opts.Name).Logger()
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	evaluator := NewEvaluator(snapshot.Predicates(), logger)
	deploy := NewDeployRules(snapshot.DeployRules(), evaluator, opts.Verification, logger)
	if opts.Metrics != nil {
		deploy.SetMetrics(opts.Metrics)
	}

	executorOpts := []ExecutorOption{
		WithDeployRules(deploy),
		WithArtifactListeners(snapshot.ArtifactListeners()...),
		WithPushReactions(evaluator, snapshot.PushReactions()...),
		WithNotifier(notifier),
		WithExecutorLogger(logger),
	}
	if opts.Publisher != nil {
		executorOpts = append(executorOpts, WithEventPublisher(opts.Publisher))
	}
	if opts.Recorder != nil {
		executorOpts = append(executorOpts, WithRunRecorder(opts.Recorder))
	}
	if opts.Metrics != nil {
		executorOpts = append(executorOpts, WithMetrics(opts.Metrics))
	}

	resolverOpts := []ResolverOption{WithMergePolicy(opts.MergePolicy), WithResolverLogger(logger)}

	return &Machine{
		name:      opts.Name,
		snapshot:  snapshot,
		evaluator: evaluator,
		goals:     NewResolver(snapshot.Contributors(), evaluator, resolverOpts...),
		disposal:  NewResolver(snapshot.DisposalContributors(), evaluator, resolverOpts...),
		deploy:    deploy,
		executor:  NewExecutor(opts.Executor, snapshot.Implementations(), executorOpts...),
		notifier:  notifier,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With().Str("component", "machine").Logger(),
	}
}

// Name returns the machine name.
func (m *Machine) Name() string { return m.name }

// Snapshot returns the registry snapshot the machine runs.
func (m *Machine) Snapshot() *Snapshot { return m.snapshot }

// Evaluator returns the machine's push test evaluator.
func (m *Machine) Evaluator() *Evaluator { return m.evaluator }

// DeployRules returns the machine's deploy rule engine.
func (m *Machine) DeployRules() *DeployRules { return m.deploy }

// Resolve computes the goal set for push without executing it.
func (m *Machine) Resolve(ctx context.Context, push *PushDescription) (*GoalSet, error) {
	return m.goals.Resolve(ctx, push)
}

// HandlePush resolves, vets and executes the goals for push. Pushes are
// independent: concurrent calls never share goal sets or reports.
func (m *Machine) HandlePush(ctx context.Context, push *PushDescription) (*ExecutionReport, error) {
	return m.HandlePushRun(ctx, uuid.NewString(), push)
}

// HandlePushRun is HandlePush under a run ID chosen by the caller, who can
// then stop the run with Cancel. Run IDs must be unique among active runs.
func (m *Machine) HandlePushRun(ctx context.Context, runID string, push *PushDescription) (*ExecutionReport, error) {
	return m.handle(ctx, "push.handle", runID, m.goals, push)
}

// Dispose resolves and executes the disposal goals for push.
func (m *Machine) Dispose(ctx context.Context, push *PushDescription) (*ExecutionReport, error) {
	return m.handle(ctx, "push.dispose", uuid.NewString(), m.disposal, push)
}

// Cancel cancels an active run. Cancelling before the run's goals are
// scheduled has no effect and reports false.
func (m *Machine) Cancel(runID string) bool {
	return m.executor.Cancel(runID)
}

// RunCommand runs a pack command by name.
func (m *Machine) RunCommand(ctx context.Context, name string, params map[string]string) (string, error) {
	cmd, ok := m.snapshot.Command(name)
	if !ok {
		return "", NewPermanentError(fmt.Sprintf("unknown command %s", name), nil).WithCode(ErrCodeNotFound)
	}
	return cmd.Handler(ctx, params)
}

func (m *Machine) handle(ctx context.Context, operation, runID string, resolver *Resolver, push *PushDescription) (*ExecutionReport, error) {
	if push == nil {
		return nil, NewPermanentError("push is nil", nil).WithCode(ErrCodeValidation)
	}

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("sdm.push_id", push.ID),
		attribute.String("sdm.run_id", runID),
		attribute.String("sdm.repo", push.Repo.String()),
		attribute.String("sdm.branch", push.Branch),
	))
	defer span.End()

	logger := m.logger.With().Str("push_id", push.ID).Str("run_id", runID).Str("repo", push.Repo.String()).Logger()

	set, err := resolver.Resolve(ctx, push)
	if err != nil {
		m.finish(span, "resolve_error", start, err)
		logger.Error().Err(err).Msg("Failed to resolve goals")
		return nil, fmt.Errorf("failed to resolve goals for push %s: %w", push.ID, err)
	}
	if m.metrics != nil {
		m.metrics.RecordGoalSet(set.Len())
	}
	span.SetAttributes(attribute.StringSlice("sdm.goals", set.Names()))

	if m.policy != nil && !set.IsEmpty() {
		if err := m.policy.Check(ctx, push, set); err != nil {
			m.finish(span, "policy_denied", start, err)
			logger.Warn().Err(err).Msg("Goal set vetoed by policy")
			notify(ctx, m.notifier, push, fmt.Sprintf("Goals not scheduled: %v", err), logger)
			return nil, err
		}
	}

	report, err := m.executor.ExecuteRun(ctx, runID, set, push)
	if err != nil {
		m.finish(span, "execute_error", start, err)
		return nil, err
	}

	m.finish(span, string(report.Status), start, nil)
	return report, nil
}

func (m *Machine) finish(span trace.Span, outcome string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, outcome)
	}
	if m.metrics != nil {
		m.metrics.RecordPush(outcome, time.Since(start))
	}
}
