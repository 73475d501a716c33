package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

// Handle is a leased reference to a registered plugin. All plugin calls made
// by the tool bridge and the workflow engine go through a Handle, which
// applies the per-call timeout and the per-plugin apply exclusion.
type Handle struct {
	registry *Registry
	entry    *entry
	name     string

	mu       sync.Mutex
	released bool
}

// Name returns the plugin name.
func (h *Handle) Name() string {
	return h.name
}

// Metadata returns the plugin metadata.
func (h *Handle) Metadata() engine.PluginMetadata {
	md := h.entry.plugin.Metadata()
	md.Name = h.name
	return md
}

// Release returns the lease. It is safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.registry.release(h.entry)
}

// Query reads the plugin's current state.
func (h *Handle) Query(ctx context.Context) (engine.Document, error) {
	doc, err := invoke(ctx, h, engine.OperationQuery, h.entry.plugin.Query, nil)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = engine.Document{}
	}
	return doc, nil
}

// Diff compares desired against the plugin's current state.
func (h *Handle) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	d, err := invoke(ctx, h, engine.OperationDiff, func(ctx context.Context) (*engine.Diff, error) {
		return h.entry.plugin.Diff(ctx, desired)
	}, nil)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = &engine.Diff{}
	}
	return d, nil
}

// Apply reconciles the plugin toward desired. At most one Apply runs against a
// plugin at any moment; concurrent callers wait their turn or give up when ctx
// ends. A call that times out keeps the plugin locked until the underlying
// apply returns.
//
// A non-nil error always comes with a Failure result.
func (h *Handle) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	select {
	case h.entry.applyLock <- struct{}{}:
	case <-ctx.Done():
		err := engine.NewTransientError("cancelled while waiting for apply lock", ctx.Err()).
			WithCode(engine.ErrCodeCancelled).
			WithResource(h.name).
			WithOperation(string(engine.OperationApply))
		return engine.Failure(err.Message), err
	}

	result, err := invoke(ctx, h, engine.OperationApply, func(ctx context.Context) (*engine.ApplyResult, error) {
		return h.entry.plugin.Apply(ctx, desired)
	}, func() { <-h.entry.applyLock })

	switch {
	case err != nil:
		result = engine.Failure(err.Error())
	case result == nil:
		result = engine.Success()
	}
	h.registry.metrics.RecordApplyOutcome(h.name, string(result.Status))
	return result, err
}

type outcome[T any] struct {
	value T
	err   error
}

// invoke runs fn under the registry timeout. fn runs on its own goroutine so
// a plugin that ignores its context cannot hang the caller. release, if set,
// runs once fn has actually returned.
func invoke[T any](ctx context.Context, h *Handle, op engine.Operation, fn func(context.Context) (T, error), release func()) (T, error) {
	var zero T
	if err := h.checkUsable(op); err != nil {
		if release != nil {
			release()
		}
		return zero, err
	}

	r := h.registry
	ctx, span := r.tracer.StartPluginSpan(ctx, h.name, string(op))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	timer := telemetry.NewTimer()

	done := make(chan outcome[T], 1)
	go func() {
		defer cancel()
		if release != nil {
			defer release()
		}
		v, err := safeCall(callCtx, fn)
		done <- outcome[T]{value: v, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
	case <-callCtx.Done():
		select {
		case res = <-done:
		default:
			res.err = timeoutError(ctx, h.name, op, r.timeout.String())
		}
	}

	r.metrics.RecordPluginCall(h.name, string(op), timer.Duration())
	if res.err != nil {
		err := classify(res.err, h.name, op)
		r.metrics.RecordPluginError(h.name, string(op), engine.KindOf(err))
		telemetry.RecordError(span, err)
		r.logger.Debug().Err(err).Str("plugin", h.name).Str("operation", string(op)).Msg("Plugin call failed")
		return zero, err
	}
	telemetry.RecordSuccess(span)
	return res.value, nil
}

func (h *Handle) checkUsable(op engine.Operation) error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return engine.NewPermanentError("plugin handle already released", nil).
			WithCode(engine.ErrCodeInternal).
			WithResource(h.name).
			WithOperation(string(op))
	}

	md := h.entry.plugin.Metadata()
	if !md.Available && md.UnavailableReason != "" {
		return engine.NewUnreachableError(
			fmt.Sprintf("plugin unavailable: %s", md.UnavailableReason), nil,
		).WithResource(h.name).WithOperation(string(op))
	}
	return nil
}

func timeoutError(parent context.Context, plugin string, op engine.Operation, limit string) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("call cancelled", err).
			WithCode(engine.ErrCodeCancelled).
			WithResource(plugin).
			WithOperation(string(op))
	}
	return engine.NewUnreachableError(fmt.Sprintf("%s timed out after %s", op, limit), context.DeadlineExceeded).
		WithResource(plugin).
		WithOperation(string(op)).
		WithDetail("timeout", limit)
}

// classify makes sure every error leaving the registry carries a code.
func classify(err error, plugin string, op engine.Operation) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = plugin
		}
		if ee.Operation == "" {
			ee.Operation = string(op)
		}
		return err
	}
	msg := fmt.Sprintf("%s failed", op)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("%s timed out", op)
	}
	return engine.NewUnreachableError(msg, err).WithResource(plugin).WithOperation(string(op))
}

func safeCall[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = engine.NewPermanentError(fmt.Sprintf("plugin panicked: %v", p), nil).
				WithCode(engine.ErrCodeInternal)
		}
	}()
	return fn(ctx)
}
