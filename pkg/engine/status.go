package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every action succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed before or without any success.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some actions succeeded and some did not.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ServiceState is the startup state of one service.
type ServiceState string

const (
	// ServiceStatePending means the service has not been dispatched.
	ServiceStatePending ServiceState = "pending"

	// ServiceStateStarting means create/start calls are in flight.
	ServiceStateStarting ServiceState = "starting"

	// ServiceStateAwaitingReadiness means the container runs and is being probed.
	ServiceStateAwaitingReadiness ServiceState = "awaiting_readiness"

	// ServiceStateReady means the service satisfied its readiness policy.
	ServiceStateReady ServiceState = "ready"

	// ServiceStateFailed means the service or one of its dependencies failed.
	ServiceStateFailed ServiceState = "failed"
)

// serviceTransitions lists the allowed successors of each state.
var serviceTransitions = map[ServiceState][]ServiceState{
	ServiceStatePending:           {ServiceStateStarting, ServiceStateFailed},
	ServiceStateStarting:          {ServiceStateAwaitingReadiness, ServiceStateFailed},
	ServiceStateAwaitingReadiness: {ServiceStateReady, ServiceStateFailed},
	ServiceStateReady:             nil,
	ServiceStateFailed:            nil,
}

// IsTerminal returns true for Ready and Failed.
func (s ServiceState) IsTerminal() bool {
	return s == ServiceStateReady || s == ServiceStateFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ServiceState) CanTransitionTo(next ServiceState) bool {
	for _, allowed := range serviceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the service state is valid.
func (s ServiceState) Validate() error {
	if _, ok := serviceTransitions[s]; !ok {
		return fmt.Errorf("invalid service state: %s", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s ServiceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ServiceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := ServiceState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}
