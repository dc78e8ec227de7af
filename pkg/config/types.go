package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/telemetry"
	"github.com/sdmkit/sdm/pkg/transports/ssh"
)

// Freeze store backends.
const (
	FreezeBackendMemory = "memory"
	FreezeBackendSQLite = "sqlite"
)

// MachineConfig is the configuration of one delivery machine.
type MachineConfig struct {
	// Name identifies the machine in logs and traces.
	Name string `json:"name" yaml:"name" validate:"required"`

	// DefaultBranch is assumed for pushes that do not carry one.
	DefaultBranch string `json:"default_branch" yaml:"default_branch" validate:"required"`

	// Workspace is the root of repository checkouts.
	Workspace string `json:"workspace" yaml:"workspace" validate:"required"`

	// MergePolicy is strict or first-wins.
	MergePolicy string `json:"merge_policy" yaml:"merge_policy" validate:"oneof=strict first-wins"`

	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Verification VerificationConfig `json:"verification" yaml:"verification"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Policies     PolicyConfig       `json:"policies" yaml:"policies"`
	Scan         ScanConfig         `json:"scan" yaml:"scan"`
	Build        BuildConfig        `json:"build" yaml:"build"`
	Checks       ChecksConfig       `json:"checks" yaml:"checks"`

	// Predicates are Starlark scripts by predicate name. Each script defines
	// test(push) returning a bool.
	Predicates map[string]string `json:"predicates,omitempty" yaml:"predicates,omitempty" validate:"dive,keys,required,endkeys,required"`

	// Contributors propose catalogue goals for pushes matching predicates.
	Contributors []ContributorConfig `json:"contributors,omitempty" yaml:"contributors,omitempty" validate:"dive"`

	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Deploy    DeployConfig    `json:"deploy" yaml:"deploy"`
}

// ContributorConfig proposes the named catalogue goals for every push that
// satisfies all of the named predicates, built-in or scripted.
type ContributorConfig struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	Predicates []string `json:"predicates" yaml:"predicates" validate:"min=1,dive,required"`
	Goals      []string `json:"goals" yaml:"goals" validate:"min=1,dive,required"`
}

// ExecutorConfig bounds goal execution.
type ExecutorConfig struct {
	MaxParallel       int      `json:"max_parallel" yaml:"max_parallel" validate:"gte=1"`
	DefaultMaxRetries int      `json:"default_max_retries" yaml:"default_max_retries" validate:"gte=0"`
	DefaultTimeout    Duration `json:"default_timeout" yaml:"default_timeout" validate:"gt=0"`
	BaseBackoff       Duration `json:"base_backoff" yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff        Duration `json:"max_backoff" yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
}

// Engine converts to the engine's executor settings.
func (c ExecutorConfig) Engine() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		MaxParallel:       c.MaxParallel,
		DefaultTimeout:    c.DefaultTimeout.Std(),
		DefaultMaxRetries: c.DefaultMaxRetries,
		BaseBackoff:       c.BaseBackoff.Std(),
		MaxBackoff:        c.MaxBackoff.Std(),
	}
}

// VerificationConfig bounds endpoint polling.
type VerificationConfig struct {
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	MaxPolls     uint     `json:"max_polls" yaml:"max_polls" validate:"gte=1"`
	Timeout      Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
}

// Engine converts to the engine's verification policy.
func (c VerificationConfig) Engine() engine.VerificationPolicy {
	return engine.VerificationPolicy{
		PollInterval: c.PollInterval.Std(),
		MaxPolls:     c.MaxPolls,
		Timeout:      c.Timeout.Std(),
	}
}

// StoreConfig selects where freeze state and run history live.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `json:"path" yaml:"path" validate:"required_if=FreezeBackend sqlite"`

	FreezeBackend string `json:"freeze_backend" yaml:"freeze_backend" validate:"oneof=memory sqlite"`
}

// PolicyConfig configures team policies.
type PolicyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `json:"watch" yaml:"watch"`
}

// ScanConfig configures the artifact dependency scan.
type ScanConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// BuildConfig overrides build tool commands.
type BuildConfig struct {
	MavenCommand string `json:"maven_command,omitempty" yaml:"maven_command,omitempty"`
	NodeCommand  string `json:"node_command,omitempty" yaml:"node_command,omitempty"`

	// ArtifactPath is relative to the checkout and may use {name}.
	ArtifactPath string `json:"artifact_path,omitempty" yaml:"artifact_path,omitempty"`
}

// ChecksConfig sets the commands behind the Checks and Review goals.
type ChecksConfig struct {
	Command       string `json:"command,omitempty" yaml:"command,omitempty"`
	ReviewCommand string `json:"review_command,omitempty" yaml:"review_command,omitempty"`
}

// TelemetryConfig is the subset of telemetry settings a machine file sets.
type TelemetryConfig struct {
	LogLevel        string  `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string  `json:"log_format" yaml:"log_format" validate:"oneof=console json"`
	TracingExporter string  `json:"tracing_exporter" yaml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MetricsAddress  string  `json:"metrics_address" yaml:"metrics_address"`
}

// Apply copies the settings onto a telemetry configuration.
func (c TelemetryConfig) Apply(cfg *telemetry.Config) {
	cfg.Logging.Level = c.LogLevel
	cfg.Logging.Format = c.LogFormat
	cfg.Tracing.Exporter = c.TracingExporter
	cfg.Tracing.Enabled = c.TracingExporter != "none"
	cfg.Tracing.Endpoint = c.TracingEndpoint
	cfg.Tracing.SamplingRate = c.SamplingRate
	cfg.Metrics.Enabled = c.MetricsAddress != ""
	cfg.Metrics.ListenAddress = c.MetricsAddress
}

// DeployConfig lists deploy targets by environment. Absent targets disable
// that environment's deployments.
type DeployConfig struct {
	Local      *TargetConfig `json:"local,omitempty" yaml:"local,omitempty"`
	Staging    *TargetConfig `json:"staging,omitempty" yaml:"staging,omitempty"`
	Production *TargetConfig `json:"production,omitempty" yaml:"production,omitempty"`
}

// Targets returns configured targets keyed by environment.
func (c DeployConfig) Targets() map[string]*TargetConfig {
	targets := make(map[string]*TargetConfig)
	for env, t := range map[string]*TargetConfig{"local": c.Local, "staging": c.Staging, "production": c.Production} {
		if t != nil {
			targets[env] = t
		}
	}
	return targets
}

// TargetConfig describes one deploy environment.
type TargetConfig struct {
	// Endpoint may use {owner}, {repo} and {branch}.
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required"`

	// SSH is the host deployments are shipped to.
	SSH *SSHHostConfig `json:"ssh,omitempty" yaml:"ssh,omitempty"`

	RemoteDir    string `json:"remote_dir,omitempty" yaml:"remote_dir,omitempty"`
	StartCommand string `json:"start_command,omitempty" yaml:"start_command,omitempty" validate:"required_with=SSH"`
	StopCommand  string `json:"stop_command,omitempty" yaml:"stop_command,omitempty"`
}

// SSHHostConfig is how a target host is reached.
type SSHHostConfig struct {
	Host                  string   `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port                  int      `json:"port" yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	User                  string   `json:"user" yaml:"user" validate:"required"`
	Password              string   `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPath        string   `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	KnownHostsPath        string   `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking *bool    `json:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking,omitempty"`
	ConnectionTimeout     Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
	CommandTimeout        Duration `json:"command_timeout,omitempty" yaml:"command_timeout,omitempty"`
}

// Transport builds the ssh transport configuration. A password selects
// password authentication.
func (c SSHHostConfig) Transport() *ssh.Config {
	cfg := ssh.DefaultConfig(c.Host, c.User)
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = c.Password
	}
	if c.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = c.PrivateKeyPath
	}
	if c.KnownHostsPath != "" {
		cfg.KnownHostsPath = c.KnownHostsPath
	}
	if c.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *c.StrictHostKeyChecking
	}
	if c.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = c.ConnectionTimeout.Std()
	}
	if c.CommandTimeout > 0 {
		cfg.CommandTimeout = c.CommandTimeout.Std()
	}
	return cfg
}

// Duration is a time.Duration written as "30s" in configuration files.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ValidationError locates one configuration problem.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// LoadError collects every problem found while loading a configuration.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	return fmt.Sprintf("invalid configuration %s: %d problems, first: %s", e.Source, len(e.Errors), e.Errors[0])
}
