package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// Engine evaluates rego policies against plans before they are applied.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	params   map[string]interface{}
	logger   zerolog.Logger
}

// compiledPolicy is a parsed policy with its prepared query.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		params:   make(map[string]interface{}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// AddPolicy compiles a policy and registers it, replacing any policy with
// the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.compileAndStorePolicy(ctx, &policy)
}

// SetParam publishes a value under data.params for policies to read.
func (e *Engine) SetParam(ctx context.Context, key string, value interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	params := make(map[string]interface{}, len(e.params)+1)
	for k, v := range e.params {
		params[k] = v
	}
	params[key] = value

	if err := storage.WriteOne(ctx, e.store, storage.AddOp, storage.MustParsePath("/params"), params); err != nil {
		return fmt.Errorf("failed to write policy parameter %s: %w", key, err)
	}

	e.params = params
	return nil
}

// EvaluatePlan evaluates every enabled policy against the input. Any deny
// result makes the plan disallowed; warn results are only reported.
func (e *Engine) EvaluatePlan(ctx context.Context, input Input) (*Result, error) {
	startTime := time.Now()
	if input.Timestamp.IsZero() {
		input.Timestamp = startTime.UTC()
	}

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", name, err)
		}
		result.Violations = append(result.Violations, deny...)
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Allowed = len(result.Violations) == 0
	result.EvaluatedAt = time.Now().UTC()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("scope", input.Scope).
		Str("operation", input.Operation).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// Gate evaluates the input and returns a POLICY_VIOLATION error when any
// deny rule fired. Warnings are logged.
func (e *Engine) Gate(ctx context.Context, input Input) (*Result, error) {
	result, err := e.EvaluatePlan(ctx, input)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("resource", w.Resource).
			Msg(w.Message)
	}

	if result.Allowed {
		return result, nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}

	return result, engine.NewPermanentError(
		fmt.Sprintf("plan for %s rejected by policy: %s", input.Scope, strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithOperation(input.Operation).
		WithDetail("violations", len(result.Violations))
}

// evaluatePolicy runs one policy and splits its deny and warn sets.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, []Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, err
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil, nil
	}

	deny := collectViolations(cp.policy.Name, SeverityError, doc["deny"])
	warn := collectViolations(cp.policy.Name, SeverityWarning, doc["warn"])
	return deny, warn, nil
}

// collectViolations converts a rego set into violations. Elements may be
// plain strings or objects with message and resource keys.
func collectViolations(policy string, severity Severity, value interface{}) []Violation {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}

	violations := make([]Violation, 0, len(items))
	for _, item := range items {
		v := Violation{Policy: policy, Severity: severity}
		switch x := item.(type) {
		case string:
			v.Message = x
		case map[string]interface{}:
			if msg, ok := x["message"].(string); ok {
				v.Message = msg
			} else if msg, ok := x["msg"].(string); ok {
				v.Message = msg
			}
			if res, ok := x["resource"].(string); ok {
				v.Resource = res
			}
		default:
			v.Message = fmt.Sprintf("%v", item)
		}
		violations = append(violations, v)
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Resource != violations[j].Resource {
			return violations[i].Resource < violations[j].Resource
		}
		return violations[i].Message < violations[j].Message
	})
	return violations
}

// toDocument converts the input into plain JSON values so rego sees the
// same field names as the serialized plan.
func toDocument(input Input) (interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// LoadPolicies loads .rego and .json policies from files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
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

// compileAndStorePolicy parses and prepares a policy. The caller holds mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if policy.Name == "" {
		return engine.NewConfigError(engine.ErrCodeValidation, "policy name is required")
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil || module.Package == nil {
		return engine.NewConfigError(engine.ErrCodeValidation,
			fmt.Sprintf("policy %s has no package declaration", policy.Name))
	}

	pkg := module.Package.Path.String()
	if !strings.HasPrefix(pkg, "data."+PackagePrefix+".") {
		return engine.NewConfigError(engine.ErrCodeValidation,
			fmt.Sprintf("policy %s must declare a package under %s, got %s",
				policy.Name, PackagePrefix, strings.TrimPrefix(pkg, "data.")))
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(pkg),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy "+name, nil)
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

// ReplaceUserPolicies drops every non-builtin policy and compiles the given
// set in its place. On error the previous set is kept.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy "+name, nil)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

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
