package stores

import (
	"time"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// Operation names what a run did.
type Operation string

const (
	OperationUp   Operation = "up"
	OperationDown Operation = "down"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one stage up or down invocation
type Run struct {
	ID          string           `json:"id"`
	Scope       string           `json:"scope"`
	Operation   Operation        `json:"operation"`
	Mode        string           `json:"mode,omitempty"`
	PlanID      string           `json:"plan_id,omitempty"`
	Status      engine.RunStatus `json:"status"`
	Summary     string           `json:"summary"` // JSON blob
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Event represents an append-only progress event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Scope     string     `json:"scope"`
	Level     EventLevel `json:"level"`
	Kind      string     `json:"kind"`
	Subject   string     `json:"subject"`
	Phase     string     `json:"phase"`
	Outcome   string     `json:"outcome"`
	Attempt   int        `json:"attempt"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Lock is a held or expired lease on a scope.
type Lock struct {
	Scope      string    `json:"scope"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockWaitFunc observes every lock acquisition attempt.
type LockWaitFunc func(scope string, waited time.Duration, err error)
