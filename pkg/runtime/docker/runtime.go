// Package docker implements engine.ContainerRuntime and engine.HealthProber
// on the Docker Engine API.
//
// Containers are addressed by their deterministic name, so a container
// left behind by an earlier run is found again by the scheduler. Missing
// images are pulled on the first Create that needs them.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// APIClient is the subset of the Docker client the runtime uses.
// *client.Client satisfies it.
type APIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecStart(ctx context.Context, execID string, options container.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

var _ APIClient = (*client.Client)(nil)

// Runtime drives containers through the Docker API.
type Runtime struct {
	api    APIClient
	logger zerolog.Logger

	// PollInterval is how often Probe checks a running exec.
	PollInterval time.Duration
}

var (
	_ engine.ContainerRuntime = (*Runtime)(nil)
	_ engine.HealthProber     = (*Runtime)(nil)
)

// NewFromEnv connects using DOCKER_HOST and friends, negotiating the API
// version with the daemon.
func NewFromEnv(logger zerolog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return New(cli, logger), nil
}

// New wraps an existing API client.
func New(api APIClient, logger zerolog.Logger) *Runtime {
	return &Runtime{
		api:          api,
		logger:       logger.With().Str("component", "runtime").Str("runtime", "docker").Logger(),
		PollInterval: 100 * time.Millisecond,
	}
}

// Close releases the API client.
func (r *Runtime) Close() error {
	return r.api.Close()
}

// Create creates a container named spec.Name. A missing image is pulled
// once and the create retried.
func (r *Runtime) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	config, hostConfig, err := containerConfig(spec)
	if err != nil {
		return "", engine.NewConfigError(engine.ErrCodeInvalidField, err.Error()).WithResource(spec.Service)
	}

	resp, err := r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil && cerrdefs.IsNotFound(err) {
		if pullErr := r.pull(ctx, spec.Image); pullErr != nil {
			return "", classify(pullErr, spec.Service, "pull")
		}
		resp, err = r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return "", classify(err, spec.Service, "create")
	}

	for _, w := range resp.Warnings {
		r.logger.Warn().Str("service", spec.Service).Str("container", spec.Name).Msg(w)
	}
	r.logger.Debug().Str("service", spec.Service).Str("container", spec.Name).Str("id", shortID(resp.ID)).Msg("Container created")
	return resp.ID, nil
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	r.logger.Info().Str("image", ref).Msg("Pulling image")

	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	// The pull completes when the progress stream ends.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

// Start starts a created container. Starting a running container succeeds.
func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(err, id, "start")
	}
	r.logger.Debug().Str("container", id).Msg("Container started")
	return nil
}

// Stop stops a container, killing it after timeout.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Round(time.Second) / time.Second)
		if secs == 0 {
			secs = 1
		}
		opts.Timeout = &secs
	}
	if err := r.api.ContainerStop(ctx, id, opts); err != nil {
		return classify(err, id, "stop")
	}
	r.logger.Debug().Str("container", id).Msg("Container stopped")
	return nil
}

// Remove deletes a container and its anonymous volumes.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	if err := r.api.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true}); err != nil {
		return classify(err, id, "remove")
	}
	r.logger.Debug().Str("container", id).Msg("Container removed")
	return nil
}

// Inspect reports the container's state.
func (r *Runtime) Inspect(ctx context.Context, id string) (*engine.ContainerStatus, error) {
	resp, err := r.api.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify(err, id, "inspect")
	}
	if resp.ContainerJSONBase == nil {
		return nil, engine.NewPermanentError("inspect returned no container", nil).
			WithCode(engine.ErrCodeRuntimeFailed).
			WithResource(id)
	}

	st := &engine.ContainerStatus{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		st.Image = resp.Config.Image
	}
	if resp.State != nil {
		st.Running = resp.State.Running
		st.State = string(resp.State.Status)
		st.ExitCode = resp.State.ExitCode
		if resp.State.Health != nil {
			st.Health = string(resp.State.Health.Status)
		}
	}
	return st, nil
}

func containerConfig(spec engine.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort(p.Proto(), strconv.Itoa(p.Container))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %s: %w", p, err)
		}
		exposed[port] = struct{}{}
		if p.Host > 0 {
			bindings[port] = append(bindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: strconv.Itoa(p.Host),
			})
		}
	}

	binds := make([]string, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		binds = append(binds, v.String())
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		ExposedPorts: exposed,
		Labels:       spec.Labels,
	}
	hostConfig := &container.HostConfig{
		Binds:         binds,
		PortBindings:  bindings,
		RestartPolicy: restartPolicy(spec.Restart),
	}
	return config, hostConfig, nil
}

func restartPolicy(p model.RestartPolicy) container.RestartPolicy {
	switch p {
	case model.RestartAlways:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case model.RestartOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	case model.RestartUnlessStopped:
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

// classify maps Docker API errors onto the engine's error classes.
func classify(err error, resource, op string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case cerrdefs.IsNotFound(err):
		return engine.NewNotFoundError(resource, err).WithOperation(op)
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		return engine.NewAlreadyExistsError(resource, err).WithOperation(op)
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err), cerrdefs.IsDeadlineExceeded(err):
		return engine.NewTransientError("docker daemon unavailable", err).
			WithCode(engine.ErrCodeRuntimeFailed).
			WithResource(resource).
			WithOperation(op)
	case cerrdefs.IsResourceExhausted(err):
		return engine.NewThrottledError("docker daemon is throttling", err).
			WithCode(engine.ErrCodeRuntimeFailed).
			WithResource(resource).
			WithOperation(op)
	default:
		return engine.NewPermanentError("docker call failed", err).
			WithCode(engine.ErrCodeRuntimeFailed).
			WithResource(resource).
			WithOperation(op)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
