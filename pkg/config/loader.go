package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Loader reads machine configuration from CUE or YAML.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		starlark:  NewStarlarkEvaluator(0),
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Starlark returns the evaluator used for predicate scripts.
func (l *Loader) Starlark() *StarlarkEvaluator {
	return l.starlark
}

// Load reads a configuration file or CUE package directory. Defaults are
// filled in and the result is validated.
func (l *Loader) Load(ctx context.Context, path string) (*MachineConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var cfg *MachineConfig
	switch {
	case info.IsDir():
		cfg, err = l.loadCUEPackage(path)
	case strings.HasSuffix(path, ".cue"):
		var data []byte
		if data, err = os.ReadFile(path); err == nil {
			cfg, err = l.ParseCUE(path, data)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		var data []byte
		if data, err = os.ReadFile(path); err == nil {
			cfg, err = l.ParseYAML(path, data)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	SetDefaults(cfg)
	if err := l.Validate(ctx, cfg); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Source = path
		}
		return nil, err
	}
	return cfg, nil
}

// ParseCUE decodes CUE source checked against the machine schema. Defaults
// are not applied.
func (l *Loader) ParseCUE(filename string, data []byte) (*MachineConfig, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Source: filename, Errors: convertCUEErrors(err)}
	}
	return l.decodeCUE(filename, val)
}

func (l *Loader) loadCUEPackage(dir string) (*MachineConfig, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Source: dir, Errors: []ValidationError{{File: dir, Message: "no CUE files found"}}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Source: dir, Errors: convertCUEErrors(inst.Err)}
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, &LoadError{Source: dir, Errors: convertCUEErrors(err)}
	}
	return l.decodeCUE(dir, val)
}

func (l *Loader) decodeCUE(source string, val cue.Value) (*MachineConfig, error) {
	// a package may nest the machine under "machine"
	if m := val.LookupPath(cue.ParsePath("machine")); m.Exists() {
		val = m
	}

	unified, err := l.schemas.Unify(SchemaMachine, val)
	if err != nil {
		return nil, &LoadError{Source: source, Errors: convertCUEErrors(err)}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Source: source, Errors: convertCUEErrors(err)}
	}

	var cfg MachineConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &LoadError{Source: source, Errors: []ValidationError{{Message: err.Error()}}}
	}
	return &cfg, nil
}

// ParseYAML decodes YAML source. Unknown fields are rejected. Defaults are
// not applied.
func (l *Loader) ParseYAML(filename string, data []byte) (*MachineConfig, error) {
	var cfg MachineConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			errs := make([]ValidationError, len(te.Errors))
			for i, msg := range te.Errors {
				errs[i] = ValidationError{File: filename, Message: msg}
			}
			return nil, &LoadError{Source: filename, Errors: errs}
		}
		return nil, &LoadError{Source: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	return &cfg, nil
}

// Validate checks struct constraints and compiles predicate scripts.
func (l *Loader) Validate(_ context.Context, cfg *MachineConfig) error {
	var problems []ValidationError

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed %q constraint%s", fe.Tag(), paramSuffix(fe.Param())),
			})
		}
	}

	// verification runs inside the deploy goal's deadline
	if cfg.Executor.DefaultTimeout > 0 && cfg.Verification.Timeout > cfg.Executor.DefaultTimeout {
		problems = append(problems, ValidationError{
			Path:    "Verification.Timeout",
			Message: fmt.Sprintf("must not exceed executor.default_timeout (%s)", cfg.Executor.DefaultTimeout.Std()),
		})
	}

	for name, script := range cfg.Predicates {
		if _, err := l.starlark.Predicate(name, script); err != nil {
			problems = append(problems, ValidationError{Path: "predicates." + name, Message: err.Error()})
		}
	}

	builtin := engine.BuiltinPredicates()
	for i, c := range cfg.Contributors {
		for _, name := range c.Predicates {
			if _, ok := cfg.Predicates[name]; ok {
				continue
			}
			if _, ok := builtin[name]; !ok {
				problems = append(problems, ValidationError{
					Path:    fmt.Sprintf("Contributors[%d].Predicates", i),
					Message: fmt.Sprintf("unknown predicate %s", name),
				})
			}
		}
	}

	if len(problems) > 0 {
		return &LoadError{Source: cfg.Name, Errors: problems}
	}
	return nil
}

// fieldPath turns "MachineConfig.Executor.MaxParallel" into "Executor.MaxParallel".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return " (" + param + ")"
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
