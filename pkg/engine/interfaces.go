package engine

import (
	"context"
	"time"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// ContainerRuntime drives container lifecycle calls.
//
// Implementations classify failures as EngineErrors: ErrCodeAlreadyExists
// for a name collision on Create, ErrCodeNotFound for an unknown id,
// ErrorClassTransient for retryable daemon conditions, and permanent
// errors for everything else.
type ContainerRuntime interface {
	// Create creates (but does not start) a container and returns its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container, waiting up to timeout before killing it.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes a stopped container.
	Remove(ctx context.Context, id string) error

	// Inspect reports the container's current status.
	Inspect(ctx context.Context, id string) (*ContainerStatus, error)
}

// HealthProber runs one readiness probe against a started container.
type HealthProber interface {
	// Probe returns nil when the health test passed.
	Probe(ctx context.Context, id string, check *model.HealthCheck) error
}

// ContainerSpec is everything the runtime needs to create a container.
type ContainerSpec struct {
	// Name is the deterministic container name; it doubles as the id the
	// scheduler uses to address an existing container.
	Name        string              `json:"name"`
	Service     string              `json:"service"`
	Image       string              `json:"image"`
	Command     []string            `json:"command,omitempty"`
	Environment map[string]string   `json:"environment,omitempty"`
	Ports       []model.Port        `json:"ports,omitempty"`
	Volumes     []model.Volume      `json:"volumes,omitempty"`
	Restart     model.RestartPolicy `json:"restart,omitempty"`
	Labels      map[string]string   `json:"labels,omitempty"`
}

// ContainerStatus is the runtime's view of one container.
type ContainerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image,omitempty"`
	Running bool   `json:"running"`

	// State is the runtime's raw state string (created, running, exited, ...).
	State string `json:"state"`

	// Health is the runtime's own health verdict, if it runs one.
	Health   string `json:"health,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// CloudProvider converges compute resources of one backend.
//
// Create, Update and GetState return the observed state the provider ended
// up with. Errors carry ErrCodeNotFound, ErrCodeAlreadyExists /
// ErrorClassConflict, ErrorClassTransient, or ErrCodeAuthFailure where
// those apply.
type CloudProvider interface {
	// CheckAuth verifies the provider's credentials.
	CheckAuth(ctx context.Context) error

	// GetState returns the observed state of the selected identities.
	// Identities the backend does not know are omitted from the result.
	GetState(ctx context.Context, selectors []model.Identity) ([]model.ResourceState, error)

	// Create provisions a new resource.
	Create(ctx context.Context, rc model.ResourceConfig) (*model.ResourceState, error)

	// Update changes the declared attributes of an existing resource.
	Update(ctx context.Context, rc model.ResourceConfig, diff []model.AttributeChange) (*model.ResourceState, error)

	// Delete removes a resource.
	Delete(ctx context.Context, id model.Identity) error
}

// ProviderResolver selects a CloudProvider by provider id.
type ProviderResolver interface {
	// Provider returns the provider registered under id.
	Provider(id string) (CloudProvider, error)
}

// StateStore persists ResourceState records under an exclusive lock.
type StateStore interface {
	// WithLock acquires the scope's lock, runs fn, and releases the lock on
	// every exit path. Contention beyond the store's bounded wait fails
	// with ErrCodeLockTimeout and fn is never called.
	WithLock(ctx context.Context, scope string, fn func(ctx context.Context, state LockedState) error) error
}

// LockedState is the store surface available while a lock is held.
type LockedState interface {
	// Read returns every record in the scope.
	Read(ctx context.Context) ([]model.ResourceState, error)

	// WriteOne upserts a single record.
	WriteOne(ctx context.Context, rs model.ResourceState) error

	// DeleteOne removes a single record.
	DeleteOne(ctx context.Context, id model.Identity) error
}

// ProgressSink receives structured progress events. Emit must not block
// for long; the core performs no formatting itself.
type ProgressSink interface {
	Emit(event ProgressEvent)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(event ProgressEvent)

// Emit calls f.
func (f ProgressSinkFunc) Emit(event ProgressEvent) { f(event) }

type nopSink struct{}

func (nopSink) Emit(ProgressEvent) {}
