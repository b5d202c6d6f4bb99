package model

import (
	"sort"
	"time"
)

// Flow is the desired-state root produced by merging configuration sources.
type Flow struct {
	// Name is the project name. Required.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Services maps service names to their definitions.
	Services map[string]*Service `json:"services,omitempty" yaml:"services,omitempty" toml:"services,omitempty"`

	// Stages maps stage names to their definitions.
	Stages map[string]*Stage `json:"stages,omitempty" yaml:"stages,omitempty" toml:"stages,omitempty"`
}

// Service describes one containerized service.
type Service struct {
	// Image is the image reference. Inferred from the service name and
	// Version when empty.
	Image string `json:"image,omitempty" yaml:"image,omitempty" toml:"image,omitempty"`

	// Version is used as the image tag when the image carries none.
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`

	// Command overrides the image's default command.
	Command []string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`

	Ports       []Port            `json:"ports,omitempty" yaml:"ports,omitempty" toml:"ports,omitempty" validate:"dive"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty" toml:"environment,omitempty"`
	Volumes     []Volume          `json:"volumes,omitempty" yaml:"volumes,omitempty" toml:"volumes,omitempty" validate:"dive"`

	// DependsOn lists services that must be Ready before this one starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`

	Build       *Build        `json:"build,omitempty" yaml:"build,omitempty" toml:"build,omitempty"`
	HealthCheck *HealthCheck  `json:"healthcheck,omitempty" yaml:"healthcheck,omitempty" toml:"healthcheck,omitempty" validate:"omitempty"`
	Restart     RestartPolicy `json:"restart,omitempty" yaml:"restart,omitempty" toml:"restart,omitempty" validate:"omitempty,oneof=never always on-failure unless-stopped"`
}

// Build describes how the service image is built. Building itself is done
// by an external collaborator.
type Build struct {
	Context    string            `json:"context,omitempty" yaml:"context,omitempty" toml:"context,omitempty"`
	Dockerfile string            `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty" toml:"dockerfile,omitempty"`
	Target     string            `json:"target,omitempty" yaml:"target,omitempty" toml:"target,omitempty"`
	Args       map[string]string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
}

// HealthCheck is the readiness policy of a service.
type HealthCheck struct {
	// Test is the command run inside the container. An empty test means
	// "the container reports running".
	Test []string `json:"test,omitempty" yaml:"test,omitempty" toml:"test,omitempty"`

	// Interval is the initial backoff delay between probes.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty" validate:"gte=0"`

	// Timeout bounds a single probe. Nil or zero means unbounded.
	Timeout *Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty" validate:"omitempty,gte=0"`

	// Retries is the number of probes after the first one. Nil means 0;
	// it is a pointer so an override can set 0 explicitly.
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty" toml:"retries,omitempty" validate:"omitempty,gte=0"`

	// StartPeriod is waited once before the first probe.
	StartPeriod *Duration `json:"start_period,omitempty" yaml:"start_period,omitempty" toml:"start_period,omitempty" validate:"omitempty,gte=0"`

	// Multiplier is the backoff growth factor. Zero means the default (2.0).
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty" toml:"multiplier,omitempty" validate:"omitempty,gte=1"`

	// MaxInterval caps the backoff delay. Zero means the default.
	MaxInterval Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty" toml:"max_interval,omitempty" validate:"gte=0"`
}

// RestartPolicy is the container restart policy.
type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// Stage is a named deployable environment.
type Stage struct {
	// Services is the ordered set of service names run in this stage.
	Services []string `json:"services,omitempty" yaml:"services,omitempty" toml:"services,omitempty"`

	// Variables are stage-scoped values injected into container environments.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty" toml:"variables,omitempty"`

	// Resources are the compute resources this stage declares.
	Resources []ResourceConfig `json:"resources,omitempty" yaml:"resources,omitempty" toml:"resources,omitempty" validate:"dive"`
}

// ServiceNames returns the flow's service names in lexical order.
func (f *Flow) ServiceNames() []string {
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StageNames returns the flow's stage names in lexical order.
func (f *Flow) StageNames() []string {
	names := make([]string, 0, len(f.Stages))
	for name := range f.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stage returns the named stage or nil.
func (f *Flow) Stage(name string) *Stage {
	if f == nil || f.Stages == nil {
		return nil
	}
	return f.Stages[name]
}

// Clone returns a deep copy of the service.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	out := *s
	out.Command = cloneStrings(s.Command)
	out.Ports = append([]Port(nil), s.Ports...)
	out.Volumes = append([]Volume(nil), s.Volumes...)
	out.DependsOn = cloneStrings(s.DependsOn)
	out.Environment = cloneStringMap(s.Environment)
	if s.Build != nil {
		b := *s.Build
		b.Args = cloneStringMap(s.Build.Args)
		out.Build = &b
	}
	if s.HealthCheck != nil {
		out.HealthCheck = s.HealthCheck.Clone()
	}
	return &out
}

// Clone returns a deep copy of the stage.
func (s *Stage) Clone() *Stage {
	if s == nil {
		return nil
	}
	out := &Stage{
		Services:  cloneStrings(s.Services),
		Variables: cloneStringMap(s.Variables),
	}
	for _, rc := range s.Resources {
		out.Resources = append(out.Resources, rc.Clone())
	}
	return out
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	out := &Flow{Name: f.Name}
	if f.Services != nil {
		out.Services = make(map[string]*Service, len(f.Services))
		for name, svc := range f.Services {
			out.Services[name] = svc.Clone()
		}
	}
	if f.Stages != nil {
		out.Stages = make(map[string]*Stage, len(f.Stages))
		for name, st := range f.Stages {
			out.Stages[name] = st.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the health check.
func (h *HealthCheck) Clone() *HealthCheck {
	if h == nil {
		return nil
	}
	out := *h
	out.Test = cloneStrings(h.Test)
	if h.Timeout != nil {
		v := *h.Timeout
		out.Timeout = &v
	}
	if h.Retries != nil {
		v := *h.Retries
		out.Retries = &v
	}
	if h.StartPeriod != nil {
		v := *h.StartPeriod
		out.StartPeriod = &v
	}
	return &out
}

// RetryCount returns Retries or 0 when unset.
func (h *HealthCheck) RetryCount() int {
	if h.Retries == nil {
		return 0
	}
	return *h.Retries
}

// ProbeTimeout returns the per-probe timeout, zero when unbounded.
func (h *HealthCheck) ProbeTimeout() time.Duration {
	if h.Timeout == nil {
		return 0
	}
	return h.Timeout.Std()
}

// Grace returns the start period, zero when unset.
func (h *HealthCheck) Grace() time.Duration {
	if h.StartPeriod == nil {
		return 0
	}
	return h.StartPeriod.Std()
}

// Policy converts the health check into a backoff policy, filling defaults.
func (h *HealthCheck) Policy(defaultMax time.Duration) BackoffPolicy {
	p := BackoffPolicy{
		InitialDelay: h.Interval.Std(),
		Multiplier:   h.Multiplier,
		MaxDelay:     h.MaxInterval.Std(),
		MaxRetries:   h.RetryCount(),
	}
	if p.Multiplier == 0 {
		p.Multiplier = DefaultBackoffMultiplier
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMax
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = DefaultProbeInterval
	}
	return p
}

// BackoffPolicy governs readiness probe spacing.
type BackoffPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
	MaxRetries   int           `json:"max_retries"`
}

// Probe defaults applied when a health check leaves fields unset.
const (
	DefaultBackoffMultiplier = 2.0
	DefaultProbeInterval     = time.Second
	DefaultMaxProbeInterval  = 30 * time.Second
)

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
