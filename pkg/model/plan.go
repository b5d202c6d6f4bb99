package model

import (
	"fmt"
	"time"
)

// ActionKind tags an Action.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	ActionNoop   ActionKind = "noop"
)

// Validate checks the action kind.
func (k ActionKind) Validate() error {
	switch k {
	case ActionCreate, ActionUpdate, ActionDelete, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", k)
	}
}

// IsMutating reports whether the action calls the provider.
func (k ActionKind) IsMutating() bool {
	return k == ActionCreate || k == ActionUpdate || k == ActionDelete
}

// Action is one step of a Plan.
//
// Create and Update carry Resource; Update also carries Diff. Delete and
// Noop are addressed by Identity alone.
type Action struct {
	Kind     ActionKind        `json:"kind"`
	Identity Identity          `json:"identity"`
	Resource *ResourceConfig   `json:"resource,omitempty"`
	Diff     []AttributeChange `json:"diff,omitempty"`

	// Prerequisites are identities whose actions must succeed first.
	Prerequisites []Identity `json:"prerequisites,omitempty"`

	// Level is the dependency level the action runs in.
	Level int `json:"level"`
}

// PlanMode selects which actions a plan may contain.
type PlanMode string

const (
	// PlanModeConverge never deletes resources the config stopped mentioning.
	PlanModeConverge PlanMode = "converge"

	// PlanModeStop leaves resources untouched.
	PlanModeStop PlanMode = "stop"

	// PlanModeSuspend powers recorded resources off.
	PlanModeSuspend PlanMode = "suspend"

	// PlanModeDestroy deletes every recorded resource.
	PlanModeDestroy PlanMode = "destroy"
)

// ParseDownMode parses a stage-down mode.
func ParseDownMode(s string) (PlanMode, error) {
	switch PlanMode(s) {
	case PlanModeStop, PlanModeSuspend, PlanModeDestroy:
		return PlanMode(s), nil
	default:
		return "", fmt.Errorf("invalid down mode %q (want stop, suspend or destroy)", s)
	}
}

// Plan is an ordered, immutable list of actions for one scope.
type Plan struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Mode      PlanMode  `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	Actions   []Action  `json:"actions"`
	Summary   Summary   `json:"summary"`
}

// Summary counts actions by kind.
type Summary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	Noop   int `json:"noop"`
}

// Add counts one action.
func (s *Summary) Add(kind ActionKind) {
	switch kind {
	case ActionCreate:
		s.Create++
	case ActionUpdate:
		s.Update++
	case ActionDelete:
		s.Delete++
	case ActionNoop:
		s.Noop++
	}
}

// HasChanges reports whether any action mutates infrastructure.
func (p *Plan) HasChanges() bool {
	return p.Summary.Create+p.Summary.Update+p.Summary.Delete > 0
}

// ApplyResult is the outcome of one action.
type ApplyResult struct {
	Identity Identity `json:"identity"`

	// Kind is the action actually performed; a planned Create that found
	// the resource already converged reports Noop.
	Kind ActionKind `json:"kind"`

	Succeeded bool `json:"succeeded"`

	// Skipped marks an action that was not attempted because a
	// prerequisite failed or the run was cancelled.
	Skipped bool `json:"skipped,omitempty"`

	Attempts int   `json:"attempts"`
	Err      error `json:"-"`

	// Error mirrors Err for serialisation.
	Error string `json:"error,omitempty"`
}

// Failed reports whether the action was attempted and did not succeed.
func (r ApplyResult) Failed() bool {
	return !r.Succeeded && !r.Skipped
}
