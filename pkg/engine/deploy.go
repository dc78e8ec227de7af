package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Artifact is a build output ready to deploy.
type Artifact struct {
	// Name is the artifact name, usually the project name.
	Name string `json:"name"`

	// Version is the artifact version.
	Version string `json:"version"`

	// Path is the artifact file, relative to Cwd.
	Path string `json:"path,omitempty"`

	// Cwd is the working directory the artifact was built in.
	Cwd string `json:"cwd,omitempty"`

	// Metadata carries builder-specific details.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Target is where a deployment goes.
type Target struct {
	// Environment is the logical environment, e.g. "staging".
	Environment string `json:"environment"`

	// Endpoint is the base URL the deployment serves on.
	Endpoint string `json:"endpoint,omitempty"`

	// Host is the remote host, when the deployer needs one.
	Host string `json:"host,omitempty"`

	// Properties carry deployer-specific settings.
	Properties map[string]string `json:"properties,omitempty"`
}

// DeploymentHandle describes a running deployment.
type DeploymentHandle struct {
	ID          string            `json:"id"`
	Environment string            `json:"environment"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Target      *Target           `json:"target,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Builder produces an artifact for a push.
type Builder interface {
	Build(ctx context.Context, push *PushDescription) (*Artifact, error)
}

// Targeter resolves the deploy target for a goal and push.
type Targeter interface {
	TargetFor(ctx context.Context, goal Goal, push *PushDescription) (*Target, error)
}

// Deployer deploys and undeploys artifacts.
type Deployer interface {
	Deploy(ctx context.Context, artifact *Artifact, target *Target) (*DeploymentHandle, error)
	Undeploy(ctx context.Context, push *PushDescription, target *Target) error
}

// Verifier reports whether a deployment is healthy.
type Verifier interface {
	Verify(ctx context.Context, handle *DeploymentHandle) (bool, error)
}

// DeploySpec bundles the collaborators that carry out one kind of deployment.
type DeploySpec struct {
	Deployer Deployer
	Targeter Targeter
	Verifier Verifier
}

// DeployRule binds a push test to the deploy, endpoint and undeploy goals of
// one environment.
type DeployRule struct {
	Name         string
	Test         PushTest
	DeployGoal   string
	EndpointGoal string
	UndeployGoal string
	Spec         DeploySpec
}

// Covers reports whether goal is one of the rule's three goals.
func (r DeployRule) Covers(goal string) bool {
	return goal != "" && (goal == r.DeployGoal || goal == r.EndpointGoal || goal == r.UndeployGoal)
}

// VerificationPolicy bounds endpoint polling.
type VerificationPolicy struct {
	// PollInterval is the constant delay between polls.
	PollInterval time.Duration

	// MaxPolls caps the number of Verify calls.
	MaxPolls uint

	// Timeout caps the total polling time.
	Timeout time.Duration
}

// DefaultVerificationPolicy returns the default polling bounds.
func DefaultVerificationPolicy() VerificationPolicy {
	return VerificationPolicy{
		PollInterval: 10 * time.Second,
		MaxPolls:     30,
		Timeout:      5 * time.Minute,
	}
}

var errNotHealthy = errors.New("endpoint not healthy yet")

// DeployRules selects and runs deploy rules. The first registered rule whose
// test matches and whose triple names the goal wins.
type DeployRules struct {
	rules        []DeployRule
	evaluator    *Evaluator
	verification VerificationPolicy
	metrics      MetricsRecorder
	logger       zerolog.Logger
}

// NewDeployRules creates a rule engine over rules in registration order.
func NewDeployRules(rules []DeployRule, evaluator *Evaluator, verification VerificationPolicy, logger zerolog.Logger) *DeployRules {
	if verification.PollInterval <= 0 {
		verification.PollInterval = DefaultVerificationPolicy().PollInterval
	}
	if verification.MaxPolls == 0 {
		verification.MaxPolls = DefaultVerificationPolicy().MaxPolls
	}
	if verification.Timeout <= 0 {
		verification.Timeout = DefaultVerificationPolicy().Timeout
	}
	return &DeployRules{
		rules:        append([]DeployRule(nil), rules...),
		evaluator:    evaluator,
		verification: verification,
		logger:       logger.With().Str("component", "deploy-rules").Logger(),
	}
}

// SetMetrics attaches a metrics recorder.
func (d *DeployRules) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Rules returns the registered rules in order.
func (d *DeployRules) Rules() []DeployRule {
	return append([]DeployRule(nil), d.rules...)
}

// Match returns the first rule covering goal whose test matches push.
func (d *DeployRules) Match(ctx context.Context, goal Goal, push *PushDescription) (*DeployRule, error) {
	pass := d.evaluator.NewPass(push)
	for i := range d.rules {
		rule := d.rules[i]
		if !rule.Covers(goal.Name) {
			continue
		}
		if pass.Evaluate(ctx, rule.Test) {
			return &rule, nil
		}
	}
	return nil, NewPermanentError(fmt.Sprintf("no deploy rule for goal %s", goal.Name), nil).
		WithCode(ErrCodeDeployRuleNotFound).
		WithGoal(goal.Name)
}

// DeployerFor returns the deploy spec of the first matching rule.
func (d *DeployRules) DeployerFor(ctx context.Context, goal Goal, push *PushDescription) (*DeploySpec, error) {
	rule, err := d.Match(ctx, goal, push)
	if err != nil {
		return nil, err
	}
	return &rule.Spec, nil
}

// Execute runs the deploy-class goal in gc through its matching rule.
func (d *DeployRules) Execute(ctx context.Context, gc *GoalContext) error {
	rule, err := d.Match(ctx, gc.Goal, gc.Push)
	if err != nil {
		return err
	}

	logger := d.logger.With().
		Str("run_id", gc.RunID).
		Str("goal", gc.Goal.Name).
		Str("rule", rule.Name).
		Logger()

	switch gc.Goal.Name {
	case rule.DeployGoal:
		return d.deploy(ctx, gc, rule, logger)
	case rule.EndpointGoal:
		return d.verify(ctx, gc, rule, logger)
	case rule.UndeployGoal:
		return d.undeploy(ctx, gc, rule, logger)
	default:
		return NewPermanentError("goal not covered by rule", nil).
			WithCode(ErrCodeInternal).WithGoal(gc.Goal.Name)
	}
}

func (d *DeployRules) target(ctx context.Context, gc *GoalContext, rule *DeployRule) (*Target, error) {
	if rule.Spec.Targeter == nil {
		return &Target{Environment: gc.Goal.Environment}, nil
	}
	t, err := rule.Spec.Targeter.TargetFor(ctx, gc.Goal, gc.Push)
	if err != nil {
		return nil, NewPermanentError("failed to resolve deploy target", err).
			WithCode(ErrCodeDeployFailed).WithGoal(gc.Goal.Name)
	}
	return t, nil
}

func (d *DeployRules) deploy(ctx context.Context, gc *GoalContext, rule *DeployRule, logger zerolog.Logger) error {
	if rule.Spec.Deployer == nil {
		return NewConfigurationError(fmt.Sprintf("deploy rule %s has no deployer", rule.Name), nil).
			WithGoal(gc.Goal.Name)
	}

	target, err := d.target(ctx, gc, rule)
	if err != nil {
		return err
	}

	artifact, ok := gc.State.Artifact()
	if !ok {
		artifact = &Artifact{Name: gc.Push.Repo.Name, Version: gc.Push.SHA}
	}

	logger.Info().
		Str("environment", target.Environment).
		Str("artifact", artifact.Name).
		Msg("Deploying artifact")

	handle, err := rule.Spec.Deployer.Deploy(ctx, artifact, target)
	if err != nil {
		class := ErrorClassPermanent
		if IsRetryable(err) {
			class = ErrorClassTransient
		}
		return (&EngineError{Class: class, Message: "deployment failed", Err: err}).
			WithCode(ErrCodeDeployFailed).
			WithGoal(gc.Goal.Name).
			WithDetail("environment", target.Environment)
	}
	if handle == nil {
		return NewPermanentError("deployer returned no deployment handle", nil).
			WithCode(ErrCodeDeployFailed).
			WithGoal(gc.Goal.Name).
			WithDetail("environment", target.Environment)
	}
	if handle.Target == nil {
		handle.Target = target
	}
	if handle.Environment == "" {
		handle.Environment = target.Environment
	}
	if handle.Endpoint == "" {
		handle.Endpoint = target.Endpoint
	}

	gc.State.PutHandle(rule.DeployGoal, handle)
	logger.Info().Str("deployment_id", handle.ID).Str("endpoint", handle.Endpoint).Msg("Deployment started")
	return nil
}

func (d *DeployRules) verify(ctx context.Context, gc *GoalContext, rule *DeployRule, logger zerolog.Logger) error {
	handle, ok := gc.State.Handle(rule.DeployGoal)
	if !ok {
		return NewPermanentError(fmt.Sprintf("no deployment handle from %s", rule.DeployGoal), nil).
			WithCode(ErrCodeGoalFailed).WithGoal(gc.Goal.Name)
	}

	if rule.Spec.Verifier == nil {
		gc.State.Set(endpointKey(handle.Environment), handle.Endpoint)
		return nil
	}

	policy := d.verification
	polls := 0
	start := time.Now()
	op := func() (bool, error) {
		polls++
		healthy, err := rule.Spec.Verifier.Verify(ctx, handle)
		if err != nil {
			logger.Debug().Err(err).Int("poll", polls).Msg("Endpoint check failed")
			return false, errNotHealthy
		}
		if !healthy {
			return false, errNotHealthy
		}
		return true, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.PollInterval)),
		backoff.WithMaxTries(policy.MaxPolls),
		backoff.WithMaxElapsedTime(policy.Timeout),
	)
	if d.metrics != nil {
		d.metrics.RecordVerification(handle.Environment, err == nil, time.Since(start))
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return NewPermanentError("verification cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled).WithGoal(gc.Goal.Name)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn().Int("polls", polls).Str("endpoint", handle.Endpoint).Msg("Goal deadline reached before endpoint became healthy")
			return NewPermanentError(fmt.Sprintf("endpoint %s not healthy before the goal deadline (%d polls)", handle.Endpoint, polls), ctx.Err()).
				WithCode(ErrCodeVerificationTimeout).
				WithGoal(gc.Goal.Name).
				WithDetail("polls", polls)
		}
		logger.Warn().Int("polls", polls).Str("endpoint", handle.Endpoint).Msg("Endpoint never became healthy")
		return NewPermanentError(fmt.Sprintf("endpoint %s not healthy after %d polls", handle.Endpoint, polls), nil).
			WithCode(ErrCodeVerificationTimeout).
			WithGoal(gc.Goal.Name).
			WithDetail("polls", polls)
	}

	gc.State.Set(endpointKey(handle.Environment), handle.Endpoint)
	logger.Info().Int("polls", polls).Str("endpoint", handle.Endpoint).Msg("Endpoint healthy")
	return nil
}

func (d *DeployRules) undeploy(ctx context.Context, gc *GoalContext, rule *DeployRule, logger zerolog.Logger) error {
	if rule.Spec.Deployer == nil {
		return NewConfigurationError(fmt.Sprintf("deploy rule %s has no deployer", rule.Name), nil).
			WithGoal(gc.Goal.Name)
	}

	target, err := d.target(ctx, gc, rule)
	if err != nil {
		return err
	}

	if err := rule.Spec.Deployer.Undeploy(ctx, gc.Push, target); err != nil {
		return NewPermanentError("undeploy failed", err).
			WithCode(ErrCodeDeployFailed).WithGoal(gc.Goal.Name)
	}
	logger.Info().Str("environment", target.Environment).Msg("Undeployed")
	return nil
}

func endpointKey(environment string) string {
	return "endpoint:" + environment
}

// VerifiedEndpoint returns the endpoint verified for environment in this run.
func (s *RunState) VerifiedEndpoint(environment string) (string, bool) {
	return s.Get(endpointKey(environment))
}
