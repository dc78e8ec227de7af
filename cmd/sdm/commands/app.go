package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/config"
	"github.com/sdmkit/sdm/pkg/deploy"
	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/packs"
	"github.com/sdmkit/sdm/pkg/policy"
	"github.com/sdmkit/sdm/pkg/runner"
	"github.com/sdmkit/sdm/pkg/scan"
	"github.com/sdmkit/sdm/pkg/stores"
	"github.com/sdmkit/sdm/pkg/telemetry"
)

const defaultMetricsAddr = ":9090"

// app is a fully wired delivery machine for one command invocation.
type app struct {
	cfg      *config.MachineConfig
	loader   *config.Loader
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	validate *validator.Validate

	// store is nil unless the configuration names a database path.
	store   *stores.SQLiteStore
	freeze  engine.FreezeStore
	policy  *policy.Engine
	runner  runner.Runner
	machine *engine.Machine

	metricsErr chan error
	stop       context.CancelFunc
}

// appOption adjusts the loaded configuration before anything is built.
type appOption func(*config.MachineConfig)

func loadConfig(ctx context.Context, opts *globalOptions, loader *config.Loader) (*config.MachineConfig, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := loader.Load(ctx, opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.logLevel != "" {
		cfg.Telemetry.LogLevel = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.MetricsAddress = opts.metricsAddr
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts *globalOptions, appOpts ...appOption) (*app, error) {
	loader := config.NewLoader()
	cfg, err := loadConfig(ctx, opts, loader)
	if err != nil {
		return nil, err
	}
	for _, o := range appOpts {
		o(cfg)
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = cfg.Name
	cfg.Telemetry.Apply(telCfg)
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// the machine logger's own level applies from here on
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	ctx, stop := context.WithCancel(ctx)
	a := &app{
		cfg:      cfg,
		loader:   loader,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		stop:     stop,
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if tel.Metrics.Registry() != nil {
		a.metricsErr = make(chan error, 1)
		go func() {
			a.metricsErr <- tel.Metrics.Serve(ctx)
		}()
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Store.Path != "" {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path, Actor: actor()})
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.store = store
	}
	if cfg.Store.FreezeBackend == config.FreezeBackendSQLite {
		a.freeze = a.store
	} else {
		a.freeze = engine.NewMemoryFreezeStore()
	}

	if cfg.Policies.Enabled {
		pe, err := policy.NewEngine(a.logger)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		a.policy = pe
		if len(cfg.Policies.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
				return err
			}
			if cfg.Policies.Watch {
				if err := pe.Watch(ctx, cfg.Policies.Paths); err != nil {
					return err
				}
			}
		}
	}

	a.runner = runner.NewExecRunner(a.logger)

	reg := engine.NewRegistry()
	if err := reg.Register(packs.DeliveryPack(a.deliveryOptions())); err != nil {
		return err
	}
	if err := reg.Register(packs.FreezePack(a.freeze, a.tel.Metrics, a.logger)); err != nil {
		return err
	}
	if len(cfg.Predicates) > 0 || len(cfg.Contributors) > 0 {
		pack, err := a.configuredPack(cfg)
		if err != nil {
			return err
		}
		if err := reg.Register(pack); err != nil {
			return err
		}
	}

	snapshot, err := reg.Freeze()
	if err != nil {
		return err
	}

	var publisher engine.EventPublisher = a.tel.Events
	if a.store != nil {
		publisher = telemetry.MultiPublisher{a.tel.Events, a.store}
	}

	machineOpts := engine.MachineOptions{
		Name:         cfg.Name,
		Executor:     cfg.Executor.Engine(),
		Verification: cfg.Verification.Engine(),
		MergePolicy:  engine.MergePolicy(cfg.MergePolicy),
		Notifier:     engine.NewLogNotifier(a.logger),
		Publisher:    publisher,
		Metrics:      a.tel.Metrics,
		Logger:       a.logger,
	}
	if a.store != nil {
		machineOpts.Recorder = a.store
	}
	if a.policy != nil {
		machineOpts.Policy = a.policy
	}
	a.machine = engine.NewMachine(snapshot, machineOpts)
	return nil
}

func (a *app) deliveryOptions() packs.DeliveryOptions {
	cfg := a.cfg

	var builderOpts []packs.BuilderOption
	if cmd := shellCommand(cfg.Build.MavenCommand); cmd != nil {
		builderOpts = append(builderOpts, packs.WithMavenCommand(*cmd))
	}
	if cmd := shellCommand(cfg.Build.NodeCommand); cmd != nil {
		builderOpts = append(builderOpts, packs.WithNodeCommand(*cmd))
	}
	if cfg.Build.ArtifactPath != "" {
		builderOpts = append(builderOpts, packs.WithArtifactPath(cfg.Build.ArtifactPath))
	}

	var listeners []engine.ArtifactListener
	if cfg.Scan.Enabled {
		scanOpts := []scan.Option{scan.WithRecorder(a.tel.Metrics)}
		if cfg.Scan.Command != "" {
			scanOpts = append(scanOpts, scan.WithCommand(cfg.Scan.Command))
		}
		listeners = append(listeners, scan.NewDependencyCheck(a.runner, a.logger, scanOpts...))
	}

	return packs.DeliveryOptions{
		Builder:       packs.NewCommandBuilder(a.runner, cfg.Workspace, a.logger, builderOpts...),
		Targets:       deployTargets(cfg.Deploy, a.logger),
		Workspace:     cfg.Workspace,
		ChecksCommand: shellCommand(cfg.Checks.Command),
		ReviewCommand: shellCommand(cfg.Checks.ReviewCommand),
		Runner:        a.runner,
		Listeners:     listeners,
		Logger:        a.logger,
	}
}

// deployTargets builds a deploy spec per configured environment. Targets
// without an ssh host can be verified but not deployed to.
func deployTargets(dc config.DeployConfig, logger zerolog.Logger) packs.DeployTargets {
	verifier := deploy.NewHTTPVerifier(nil, logger)

	spec := func(env string, tc *config.TargetConfig) engine.DeploySpec {
		if tc == nil {
			return engine.DeploySpec{}
		}
		target := engine.Target{Environment: env, Endpoint: tc.Endpoint}
		var deployer engine.Deployer
		if tc.SSH != nil {
			target.Host = tc.SSH.Host
			deployer = deploy.NewSSHDeployer(deploy.SSHDeployerConfig{
				Host:         *tc.SSH.Transport(),
				RemoteDir:    tc.RemoteDir,
				StartCommand: tc.StartCommand,
				StopCommand:  tc.StopCommand,
			}, nil, logger)
		}
		return engine.DeploySpec{
			Deployer: deployer,
			Targeter: deploy.NewStaticTargeter(map[string]engine.Target{env: target}),
			Verifier: verifier,
		}
	}

	return packs.DeployTargets{
		Local:      spec("local", dc.Local),
		Staging:    spec("staging", dc.Staging),
		Production: spec("production", dc.Production),
	}
}

// shellCommand wraps a configured command line; empty means none.
func shellCommand(line string) *runner.Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	return &runner.Command{Name: line}
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "sdm"
}

// readPush reads a push description from a JSON file, or stdin for "-".
func (a *app) readPush(path string, stdin io.Reader) (*engine.PushDescription, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read push: %w", err)
	}

	if err := a.loader.Schemas().ValidateJSON(config.SchemaPush, raw); err != nil {
		return nil, fmt.Errorf("invalid push %s: %w", path, err)
	}

	var push engine.PushDescription
	if err := json.Unmarshal(raw, &push); err != nil {
		return nil, fmt.Errorf("failed to decode push: %w", err)
	}
	if push.DefaultBranch == "" {
		push.DefaultBranch = a.cfg.DefaultBranch
	}
	if err := a.validate.Struct(&push); err != nil {
		return nil, fmt.Errorf("invalid push %s: %w", path, err)
	}
	return &push, nil
}

func (a *app) requireStore() (*stores.SQLiteStore, error) {
	if a.store == nil {
		return nil, fmt.Errorf("no store configured: set store.path in the machine configuration")
	}
	return a.store, nil
}

// Close stops background work and releases resources.
func (a *app) Close() {
	a.stop()
	if a.policy != nil {
		_ = a.policy.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// withApp builds the machine, runs fn inside a command span and tears the
// machine down afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, name string, fn func(context.Context, *app) error, appOpts ...appOption) error {
	a, err := newApp(cmd.Context(), opts, appOpts...)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, span := a.tel.Tracer.StartCommandSpan(cmd.Context(), name)
	defer span.End()
	ctx = a.tel.WithContext(ctx)

	if err := fn(ctx, a); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// configuredPack carries the Starlark predicates and goal contributors
// declared in the machine configuration.
func (a *app) configuredPack(cfg *config.MachineConfig) (engine.ExtensionPack, error) {
	pack := engine.ExtensionPack{
		Name:        "configured",
		Version:     "1.0.0",
		Description: "Predicates and contributors from the machine configuration",
	}
	if len(cfg.Predicates) > 0 {
		preds, err := a.loader.Starlark().Predicates(cfg.Predicates)
		if err != nil {
			return pack, err
		}
		pack.Predicates = preds
	}
	for _, c := range cfg.Contributors {
		contributor, err := packs.ScriptedContributor(c.Name, c.Predicates, c.Goals)
		if err != nil {
			return pack, err
		}
		pack.Contributors = append(pack.Contributors, contributor)
	}
	return pack, nil
}
