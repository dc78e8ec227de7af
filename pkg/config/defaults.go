package config

import (
	"os"
	"path/filepath"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Default returns the configuration used when no file is given.
func Default() *MachineConfig {
	cfg := &MachineConfig{}
	SetDefaults(cfg)
	return cfg
}

// SetDefaults fills zero fields with their defaults.
func SetDefaults(cfg *MachineConfig) {
	if cfg.Name == "" {
		cfg.Name = "sdm"
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = engine.DefaultBranch
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(os.TempDir(), "sdm", "checkouts")
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = string(engine.MergePolicyStrict)
	}

	exec := engine.DefaultExecutorConfig()
	if cfg.Executor.MaxParallel == 0 {
		cfg.Executor.MaxParallel = exec.MaxParallel
	}
	if cfg.Executor.DefaultTimeout == 0 {
		cfg.Executor.DefaultTimeout = Duration(exec.DefaultTimeout)
	}
	if cfg.Executor.BaseBackoff == 0 {
		cfg.Executor.BaseBackoff = Duration(exec.BaseBackoff)
	}
	if cfg.Executor.MaxBackoff == 0 {
		cfg.Executor.MaxBackoff = Duration(exec.MaxBackoff)
	}

	verify := engine.DefaultVerificationPolicy()
	if cfg.Verification.PollInterval == 0 {
		cfg.Verification.PollInterval = Duration(verify.PollInterval)
	}
	if cfg.Verification.MaxPolls == 0 {
		cfg.Verification.MaxPolls = verify.MaxPolls
	}
	if cfg.Verification.Timeout == 0 {
		cfg.Verification.Timeout = Duration(verify.Timeout)
	}

	if cfg.Store.FreezeBackend == "" {
		if cfg.Store.Path != "" {
			cfg.Store.FreezeBackend = FreezeBackendSQLite
		} else {
			cfg.Store.FreezeBackend = FreezeBackendMemory
		}
	}

	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}
	if cfg.Telemetry.LogFormat == "" {
		cfg.Telemetry.LogFormat = "console"
	}
	if cfg.Telemetry.TracingExporter == "" {
		cfg.Telemetry.TracingExporter = "none"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1
	}
}

