package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark manifests. Scripts declare resources
// with the package() and eselect() builtins. Loops are only allowed inside
// functions:
//
//	def databases(names):
//	    for db in names:
//	        package(db, ensure = "latest", package_settings = {"use": "ssl"})
//
//	databases(["dev-db/mysql", "dev-db/postgresql"])
//	eselect("ruby", ensure = "ruby20")
type StarlarkEvaluator struct {
	timeout time.Duration
}

const resourcesLocal = "portagegt.resources"

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// EvaluateFile reads and evaluates a manifest file.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, path string) (*StarlarkResult, error) {
	script, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return se.evaluate(ctx, filepath.Base(path), string(script), nil)
}

// Evaluate executes a Starlark script with the given input and returns the result.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.evaluate(ctx, "manifest.star", script, input)
}

func (se *StarlarkEvaluator) evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "portagegt",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	collected := &[]ResourceConfig{}
	thread.SetLocal(resourcesLocal, collected)

	resultCh := make(chan *StarlarkResult, 1)
	errCh := make(chan error, 1)

	go func() {
		result, err := se.evaluateSync(thread, filename, script, input)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- result
		}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, fmt.Errorf("starlark execution timeout")
	case err := <-errCh:
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	case result := <-resultCh:
		result.ExecutionTime = time.Since(startTime)
		result.Resources = *collected
		return result, nil
	}
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct":  starlarkstruct.Default,
		"package": starlark.NewBuiltin(ResourceTypePackage, declare),
		"eselect": starlark.NewBuiltin(ResourceTypeEselect, declare),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		// Helper functions are not data.
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output: output,
	}, nil
}

// declare implements package(title, **attrs) and eselect(title, **attrs).
// The builtin name is the resource type. "id" and "labels" are declaration
// fields; every other keyword is a resource attribute.
func declare(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one positional argument (the title), got %d", b.Name(), len(args))
	}
	title, ok := starlark.AsString(args[0])
	if !ok || title == "" {
		return nil, fmt.Errorf("%s: title must be a non-empty string", b.Name())
	}

	attrs := map[string]interface{}{"name": title}
	rc := ResourceConfig{
		ID:   ResourceID(b.Name(), title),
		Type: b.Name(),
		Name: title,
	}

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		val, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s(%q): %s: %w", b.Name(), title, key, err)
		}

		switch key {
		case "id":
			id, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%s(%q): id must be a string", b.Name(), title)
			}
			rc.ID = id
		case "labels":
			m, ok := val.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s(%q): labels must be a dict", b.Name(), title)
			}
			rc.Labels = make(map[string]string, len(m))
			for k, v := range m {
				rc.Labels[k] = fmt.Sprint(v)
			}
		case "name":
			name, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%s(%q): name must be a string", b.Name(), title)
			}
			attrs["name"] = name
			rc.Name = name
		default:
			attrs[key] = val
		}
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%s(%q): %w", b.Name(), title, err)
	}
	rc.Config = data

	collected, ok := thread.Local(resourcesLocal).(*[]ResourceConfig)
	if !ok {
		return nil, fmt.Errorf("%s: resources cannot be declared here", b.Name())
	}
	*collected = append(*collected, rc)

	return starlark.None, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
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
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
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
		return fromStarlarkSequence(val)
	case starlark.Tuple:
		return fromStarlarkSequence(val)
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

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
