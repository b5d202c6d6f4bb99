package policy

import (
	"time"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// Severity represents the severity level of a policy finding.
type Severity string

const (
	// SeverityWarning findings come from warn rules and never block.
	SeverityWarning Severity = "warning"

	// SeverityError findings come from deny rules and block apply.
	SeverityError Severity = "error"
)

// PackagePrefix is the rego package every policy must live under.
const PackagePrefix = "stagecraft.policies"

// Policy is a named rego module.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with stagecraft.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny or warn result.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Resource is the identity the finding is about, if any.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any deny rule fired.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Scope is the project/stage the plan targets.
	Scope string `json:"scope"`

	// Operation is "up" or "down".
	Operation string `json:"operation"`

	Plan *model.Plan `json:"plan"`

	// Actual is the recorded state the plan was computed against.
	Actual []model.ResourceState `json:"actual"`

	Timestamp time.Time `json:"timestamp"`
}
