package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// Engine evaluates the generation guard policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	store    storage.Store
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		tel:      telemetry.Nop(),
	}

	builtins, err := e.compileBuiltins(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = builtins

	return e, nil
}

// SetTelemetry routes denials to the given metrics and event stream.
func (e *Engine) SetTelemetry(tel *telemetry.Telemetry) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	e.mu.Lock()
	e.tel = tel
	e.mu.Unlock()
}

// Evaluate runs every enabled policy against input. Only error-severity
// violations deny the request; evaluation failures of a single policy are
// logged and reported as warnings.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	if input.Timestamp.IsZero() {
		input.Timestamp = startTime
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ctx, span := e.tel.Tracer.StartSpan(ctx, telemetry.SpanPolicyEval,
		telemetry.AttrMode.String(input.Operation),
		telemetry.AttrDocument.String(input.Document),
	)
	defer span.End()

	res := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			res.Warnings = append(res.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		res.Violations = append(res.Violations, deny...)
		res.Warnings = append(res.Warnings, warn...)
	}

	for _, v := range res.Violations {
		if v.Severity.Blocks() {
			res.Allowed = false
			e.tel.Metrics.RecordPolicyDenial(v.Policy)
			_ = e.tel.Events.PublishPolicyDenied(v.Policy, v.Message)
		}
	}
	res.Duration = time.Since(startTime)

	if !res.Allowed {
		telemetry.RecordError(span, res.Err())
	} else {
		telemetry.RecordSuccess(span)
	}

	e.logger.Debug().
		Str("operation", input.Operation).
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("Guard evaluation completed")

	return res, nil
}

// evaluatePolicy evaluates a single compiled policy and splits its deny and
// warn results.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, []Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var deny, warn []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		doc, ok := result.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		if set, ok := doc["deny"].([]interface{}); ok {
			for _, d := range set {
				deny = append(deny, createViolation(cp.policy, d, cp.policy.Severity))
			}
		}
		if set, ok := doc["warn"].([]interface{}); ok {
			for _, w := range set {
				v := createViolation(cp.policy, w, SeverityWarning)
				if v.Severity.Blocks() {
					v.Severity = SeverityWarning
				}
				warn = append(warn, v)
			}
		}
	}

	return deny, warn, nil
}

// createViolation creates a Violation from a rule value. Strings become the
// message; objects may carry message, severity and extra details.
func createViolation(policy *Policy, result interface{}, severity Severity) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, val := range v {
			switch key {
			case "message":
				violation.Message, _ = val.(string)
			case "severity":
				if s, ok := val.(string); ok && s != "" {
					violation.Severity = Severity(s)
				}
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = val
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses and prepares a policy without touching the engine's
// policy set.
func (e *Engine) compilePolicy(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   &policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileBuiltins compiles the built-in policies into a fresh set.
func (e *Engine) compileBuiltins(ctx context.Context) (map[string]*compiledPolicy, error) {
	set := make(map[string]*compiledPolicy)
	for _, p := range GetBuiltinPolicies() {
		cp, err := e.compilePolicy(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		set[p.Name] = cp
	}
	return set, nil
}

// compileInto compiles policies into set, replacing same-named entries.
// set is left partially filled on error; callers discard it.
func (e *Engine) compileInto(ctx context.Context, set map[string]*compiledPolicy, policies []Policy) error {
	for _, p := range policies {
		cp, err := e.compilePolicy(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		if existing, ok := set[p.Name]; ok && existing.policy.Builtin && !p.Builtin {
			e.logger.Warn().Str("policy", p.Name).Msg("Loaded policy overrides a built-in policy")
		}
		set[p.Name] = cp
	}
	return nil
}

// applyDisabled turns off every policy in set that has been disabled by name.
func (e *Engine) applyDisabled(set map[string]*compiledPolicy) {
	for name := range e.disabled {
		if cp, ok := set[name]; ok {
			cp.policy.Enabled = false
		}
	}
}

// LoadPolicies loads .rego and .json policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Either all of them are added or none.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(e.policies)+len(policies))
	for k, v := range e.policies {
		next[k] = v
	}
	if err := e.compileInto(ctx, next, policies); err != nil {
		return err
	}
	e.applyDisabled(next)
	e.policies = next

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReloadPolicies replaces every loaded policy with the built-ins plus
// policies. The new set is swapped in only if all of it compiles; otherwise
// the current set stays in effect. Policies disabled by name stay disabled.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.compileBuiltins(ctx)
	if err != nil {
		return err
	}
	if err := e.compileInto(ctx, next, policies); err != nil {
		return err
	}
	e.applyDisabled(next)
	e.policies = next

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")

	return nil
}

// Watch reloads policies from paths whenever a policy file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReloadPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
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

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. The policy stays disabled across
// reloads until it is enabled again.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	if enabled {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

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
