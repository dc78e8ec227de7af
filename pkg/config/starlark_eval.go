package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/sdmkit/sdm/pkg/engine"
)

// StarlarkEvaluator runs Starlark scripts with a time limit. Scripts cannot
// print or load modules.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkResult is the outcome of running a script.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
}

// NewStarlarkEvaluator creates an evaluator. Zero timeout means five seconds.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// newThread returns a thread cancelled when ctx ends or the timeout passes.
// The returned stop function must be called once the thread is done.
func (se *StarlarkEvaluator) newThread(ctx context.Context, name string) (*starlark.Thread, func()) {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return thread, func() {
		close(done)
		cancel()
	}
}

// Evaluate executes a script with input bound as globals and returns the
// globals it defines. Names starting with _ are private.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	thread, stop := se.newThread(ctx, "sdm")
	defer stop()

	predeclared := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, "script.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

// Predicate compiles a script defining test(push) into an engine predicate.
// The push is passed as a dict with the push's JSON field names.
func (se *StarlarkEvaluator) Predicate(name, script string) (engine.Predicate, error) {
	thread, stop := se.newThread(context.Background(), "compile:"+name)
	globals, err := starlark.ExecFile(thread, name+".star", script, nil)
	stop()
	if err != nil {
		return nil, fmt.Errorf("predicate %s: %w", name, err)
	}

	fn, ok := globals["test"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("predicate %s: script must define test(push)", name)
	}
	if fn.NumParams() != 1 {
		return nil, fmt.Errorf("predicate %s: test must take exactly one parameter, takes %d", name, fn.NumParams())
	}
	globals.Freeze()

	return func(ctx context.Context, push *engine.PushDescription) (bool, error) {
		arg, err := pushValue(push)
		if err != nil {
			return false, err
		}

		thread, stop := se.newThread(ctx, "predicate:"+name)
		defer stop()

		out, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
		if err != nil {
			return false, fmt.Errorf("predicate %s: %w", name, err)
		}
		b, ok := out.(starlark.Bool)
		if !ok {
			return false, fmt.Errorf("predicate %s: test returned %s, want bool", name, out.Type())
		}
		return bool(b), nil
	}, nil
}

// Predicates compiles every named script.
func (se *StarlarkEvaluator) Predicates(scripts map[string]string) (map[string]engine.Predicate, error) {
	predicates := make(map[string]engine.Predicate, len(scripts))
	for name, script := range scripts {
		p, err := se.Predicate(name, script)
		if err != nil {
			return nil, err
		}
		predicates[name] = p
	}
	return predicates, nil
}

func pushValue(push *engine.PushDescription) (starlark.Value, error) {
	data, err := json.Marshal(push)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return toStarlarkValue(doc)
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
