package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds CUE definitions that configuration and push
// documents are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// Built-in schema names.
const (
	SchemaMachine = "machine"
	SchemaTarget  = "target"
	SchemaPush    = "push"
)

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	defs := ctx.CompileString(builtinSchemas, cue.Filename("schemas.cue"))
	if err := defs.Err(); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}
	sr.schemas[SchemaMachine] = defs.LookupPath(cue.ParsePath("#Machine"))
	sr.schemas[SchemaTarget] = defs.LookupPath(cue.ParsePath("#Target"))
	sr.schemas[SchemaPush] = defs.LookupPath(cue.ParsePath("#Push"))
	return sr
}

// RegisterSchema compiles source and registers the definition it names.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify checks val against the named schema and returns the unified value.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates a Go value, via its JSON encoding, against
// the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateJSON(schemaName, raw)
}

// ValidateJSON validates a JSON document against the named schema.
func (sr *SchemaRegistry) ValidateJSON(schemaName string, raw []byte) error {
	val := sr.ctx.CompileBytes(raw)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	if _, err := sr.Unify(schemaName, val); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Machine: {
	name?:           string & !=""
	default_branch?: string & !=""
	workspace?:      string
	merge_policy?:   "strict" | "first-wins"

	executor?: {
		max_parallel?:        int & >=1
		default_max_retries?: int & >=0
		default_timeout?:     #Duration
		base_backoff?:        #Duration
		max_backoff?:         #Duration
	}

	verification?: {
		poll_interval?: #Duration
		max_polls?:     int & >=1
		timeout?:       #Duration
	}

	store?: {
		path?:           string
		freeze_backend?: "memory" | "sqlite"
	}

	policies?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}

	scan?: {
		enabled?: bool
		command?: string
	}

	build?: {
		maven_command?: string
		node_command?:  string
		artifact_path?: string
	}

	checks?: {
		command?:        string
		review_command?: string
	}

	predicates?: [=~"^[A-Z][A-Za-z0-9]*$"]: string

	contributors?: [...{
		name:       string & !=""
		predicates: [string, ...string]
		goals:      [string, ...string]
	}]

	telemetry?: {
		log_level?:        "trace" | "debug" | "info" | "warn" | "error"
		log_format?:       "console" | "json"
		tracing_exporter?: "none" | "stdout" | "otlp"
		tracing_endpoint?: string
		sampling_rate?:    number & >=0 & <=1
		metrics_address?:  string
	}

	deploy?: {
		local?:      #Target
		staging?:    #Target
		production?: #Target
	}
}

#Target: {
	endpoint:       string & =~"^https?://"
	ssh?:           #SSHHost
	remote_dir?:    string
	start_command?: string
	stop_command?:  string
}

#SSHHost: {
	host:                      string & !=""
	port?:                     int & >=1 & <=65535
	user:                      string & !=""
	password?:                 string
	private_key_path?:         string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	command_timeout?:          #Duration
}

#Push: {
	id:              string & !=""
	repo: {
		owner: string & !=""
		name:  string & !=""
		url?:  string
	}
	branch:          string & !=""
	default_branch?: string
	sha:             string & =~"^[0-9a-f]{4,40}$"
	author?:         string
	message?:        string
	timestamp?:      string
	build_tools?: {
		maven?: bool
		node?:  bool
	}
	files?: {
		cloud_foundry_manifest?:  bool
		spring_boot_application?: bool
	}
	added_files?: [...string]
	labels?: [string]: string
}
`
