package config

import (
	"context"
	"fmt"
	"math"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// TransformFunc is the function a transform script must define. It is called
// as transform(desired, context) and returns the new desired state.
const TransformFunc = "transform"

// StarlarkEvaluator runs workflow transform scripts in a sandboxed thread.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Transform executes script and calls its transform function with the
// resolved desired state and a read-only view of the run context. The
// returned dict becomes the node's desired state.
func (se *StarlarkEvaluator) Transform(ctx context.Context, script string, desired engine.Document, runContext map[string]any) (engine.Document, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "hostkeeper",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type outcome struct {
		doc engine.Document
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		doc, err := se.transformSync(thread, script, desired, runContext)
		done <- outcome{doc, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("transform timed out")
		<-done
		if ctx.Err() != nil {
			return nil, engine.NewPermanentError("transform cancelled", ctx.Err()).WithCode(engine.ErrCodeCancelled)
		}
		return nil, engine.NewTransientError(fmt.Sprintf("transform timed out after %v", se.timeout), evalCtx.Err()).
			WithCode(engine.ErrCodeTimeout)
	case out := <-done:
		return out.doc, out.err
	}
}

func (se *StarlarkEvaluator) transformSync(thread *starlark.Thread, script string, desired engine.Document, runContext map[string]any) (engine.Document, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"json":   starlarkjson.Module,
	}

	globals, err := starlark.ExecFile(thread, "transform.star", script, predeclared)
	if err != nil {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("transform script failed: %v", err))
	}

	fn, ok := globals[TransformFunc].(starlark.Callable)
	if !ok {
		return nil, engine.NewInvalidStateError("transform script must define transform(desired, context)")
	}

	in, err := toStarlarkValue(map[string]any(desired))
	if err != nil {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("failed to convert desired state: %v", err))
	}
	rc, err := toStarlarkValue(runContext)
	if err != nil {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("failed to convert run context: %v", err))
	}
	if d, ok := rc.(*starlark.Dict); ok {
		d.Freeze()
	}

	ret, err := starlark.Call(thread, fn, starlark.Tuple{in, rc}, nil)
	if err != nil {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("transform failed: %v", err))
	}

	value, err := fromStarlarkValue(ret)
	if err != nil {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("failed to convert transform result: %v", err))
	}
	doc, ok := value.(map[string]any)
	if !ok {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("transform must return a dict, got %s", ret.Type()))
	}
	return doc, nil
}

// toStarlarkValue converts a Go value to a Starlark value. Whole floats become
// ints, since documents decoded from JSON carry every number as float64.
func toStarlarkValue(v any) (starlark.Value, error) {
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
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case uint32:
		return starlark.MakeUint64(uint64(val)), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
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
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case engine.Document:
		return toStarlarkValue(map[string]any(val))
	case map[string]any:
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
func fromStarlarkValue(v starlark.Value) (any, error) {
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
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
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
		dict := make(map[string]any)
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
