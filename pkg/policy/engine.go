package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// Options configures the policy engine.
type Options struct {
	// ProtectedUnits is exposed to policies as data.hostkeeper.protected_units.
	ProtectedUnits []string

	// DisableBuiltins skips loading the built-in policies.
	DisableBuiltins bool
}

// Engine evaluates Rego policies before plugin operations run. It implements Gate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	store := inmem.NewFromObject(map[string]interface{}{
		"hostkeeper": map[string]interface{}{
			"protected_units": toInterfaces(opts.ProtectedUnits),
		},
	})

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		store:    store,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if !opts.DisableBuiltins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate counts as a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	if input == nil {
		return nil, engine.NewInvalidStateError("policy input is required")
	}
	startTime := time.Now()

	doc, err := engine.Normalize(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedPolicies: []string{}}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, reasons, err := e.evaluatePolicy(ctx, cp, map[string]interface{}(doc))
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plugin", input.Plugin).
				Msg("Policy evaluation failed")
			violations = []PolicyViolation{{
				Policy:   name,
				Resource: input.Plugin,
				Message:  fmt.Sprintf("policy %s evaluation failed: %v", name, err),
				Severity: SeverityError,
			}}
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
		if len(reasons) > 0 {
			decision.Intervention = true
			decision.Reasons = append(decision.Reasons, reasons...)
		}
	}

	decision.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("plugin", input.Plugin).
		Str("operation", input.Operation).
		Bool("allowed", decision.Allowed).
		Bool("intervention", decision.Intervention).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// evaluatePolicy evaluates a single compiled policy and returns its deny
// violations and intervene reasons.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]PolicyViolation, []string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	var reasons []string

	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		pkg, ok := result.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		if denySet, ok := pkg["deny"].([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
		if interveneSet, ok := pkg["intervene"].([]interface{}); ok {
			for _, r := range interveneSet {
				reasons = append(reasons, messageOf(r))
			}
		}
	}

	sort.Strings(reasons)
	return violations, reasons, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	lines := strings.Split(rego, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "hostkeeper.policies"
}

// createViolation builds a PolicyViolation from a deny set member.
func createViolation(policy *Policy, result interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

func messageOf(v interface{}) string {
	switch r := v.(type) {
	case string:
		return r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data."+extractPackageName(policy.Rego)),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if e.disabled[policy.Name] {
		policy.Enabled = false
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceLoaded(ctx, policies)
}

// ReplaceLoaded swaps every non-builtin policy for the given set. Nothing is
// replaced if any policy fails to compile.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Watch reloads policies from paths whenever the files change, until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceLoaded(ctx, policies)
	})
}

// SetProtectedUnits replaces data.hostkeeper.protected_units.
func (e *Engine) SetProtectedUnits(ctx context.Context, units []string) error {
	path := storage.MustParsePath("/hostkeeper/protected_units")
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, path, toInterfaces(units)); err != nil {
		return fmt.Errorf("failed to write protected units: %w", err)
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// DisablePolicy disables a policy by name. The name stays disabled across
// reloads, so a policy that is not loaded yet is disabled once it appears; the
// NotFound error reports that case.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.disabled[name] = true
	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
