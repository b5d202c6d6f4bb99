package engine

import (
	"time"
)

// SubjectKind tells what a progress event is about.
type SubjectKind string

const (
	SubjectStage    SubjectKind = "stage"
	SubjectService  SubjectKind = "service"
	SubjectResource SubjectKind = "resource"
)

// Phase names the step a progress event reports on.
type Phase string

const (
	PhaseDispatch  Phase = "dispatch"
	PhaseCreate    Phase = "create"
	PhaseStart     Phase = "start"
	PhaseProbe     Phase = "probe"
	PhaseReady     Phase = "ready"
	PhaseStop      Phase = "stop"
	PhaseRemove    Phase = "remove"
	PhaseAuth      Phase = "auth"
	PhaseAction    Phase = "action"
	PhaseRefetch   Phase = "refetch"
	PhaseCheckpt   Phase = "checkpoint"
	PhaseCompleted Phase = "completed"
)

// Outcome is the result carried by a progress event.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeSkipped   Outcome = "skipped"
)

// ProgressEvent is one structured progress notification.
type ProgressEvent struct {
	Time    time.Time   `json:"time"`
	Scope   string      `json:"scope,omitempty"`
	RunID   string      `json:"run_id,omitempty"`
	Kind    SubjectKind `json:"kind"`
	Subject string      `json:"subject"`
	Phase   Phase       `json:"phase"`
	Outcome Outcome     `json:"outcome"`

	// Attempt is the 1-based attempt number for probes and retries.
	Attempt int `json:"attempt,omitempty"`

	// Duration is set on terminal events.
	Duration time.Duration `json:"duration,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ServiceResult is the outcome of starting or stopping one service.
type ServiceResult struct {
	Service     string       `json:"service"`
	ContainerID string       `json:"container_id,omitempty"`
	State       ServiceState `json:"state"`
	Level       int          `json:"level"`

	// Attempts counts readiness probes made.
	Attempts int `json:"attempts,omitempty"`

	// Reused marks a container that already existed and was reused.
	Reused bool `json:"reused,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// StartReport aggregates a stage start.
type StartReport struct {
	Stage    string          `json:"stage"`
	Levels   [][]string      `json:"levels"`
	Services []ServiceResult `json:"services"`

	// Cancelled is set when the context ended before every level ran.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Failed returns the services that ended Failed.
func (r *StartReport) Failed() []ServiceResult {
	var out []ServiceResult
	for _, s := range r.Services {
		if s.State == ServiceStateFailed {
			out = append(out, s)
		}
	}
	return out
}

// Result returns the entry for service, if present.
func (r *StartReport) Result(service string) (ServiceResult, bool) {
	for _, s := range r.Services {
		if s.Service == service {
			return s, true
		}
	}
	return ServiceResult{}, false
}

// StopResult is the outcome of stopping one container.
type StopResult struct {
	Service     string `json:"service"`
	ContainerID string `json:"container_id"`
	Stopped     bool   `json:"stopped"`
	Removed     bool   `json:"removed,omitempty"`

	// Missing marks a container that did not exist.
	Missing bool `json:"missing,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// StopReport aggregates a stage stop.
type StopReport struct {
	Stage    string       `json:"stage"`
	Services []StopResult `json:"services"`
}

// Failed returns the stop results that carry an error.
func (r *StopReport) Failed() []StopResult {
	var out []StopResult
	for _, s := range r.Services {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
