package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

type fakeContainer struct {
	id      string
	config  *container.Config
	host    *container.HostConfig
	running bool
	status  string
}

type fakeExec struct {
	cmd      []string
	polls    int
	exitCode int
}

// fakeAPI is an in-memory Docker daemon.
type fakeAPI struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec
	pulls      []string
	stops      []*int

	// execExit maps a joined command to its exit code.
	execExit map[string]int

	// execPolls is how many inspects an exec stays running for.
	execPolls int

	createErr error
	nextID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		images:     map[string]bool{},
		containers: map[string]*fakeContainer{},
		execs:      map[string]*fakeExec{},
		execExit:   map[string]int{},
	}
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	if !f.images[config.Image] {
		return container.CreateResponse{}, fmt.Errorf("no such image: %s: %w", config.Image, cerrdefs.ErrNotFound)
	}
	if _, exists := f.containers[name]; exists {
		return container.CreateResponse{}, fmt.Errorf("name %q is already in use: %w", name, cerrdefs.ErrConflict)
	}
	f.nextID++
	c := &fakeContainer{id: fmt.Sprintf("%064d", f.nextID), config: config, host: hostConfig, status: "created"}
	f.containers[name] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeAPI) lookup(id string) (*fakeContainer, error) {
	if c, ok := f.containers[id]; ok {
		return c, nil
	}
	for _, c := range f.containers {
		if c.id == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	c.running, c.status = true, "running"
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	f.stops = append(f.stops, opts.Timeout)
	c.running, c.status = false, "exited"
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, c := range f.containers {
		if name == id || c.id == id {
			delete(f.containers, name)
			return nil
		}
	}
	return fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	var name string
	for n, other := range f.containers {
		if other == c {
			name = n
		}
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   c.id,
			Name: "/" + name,
			State: &container.State{
				Status:  c.status,
				Running: c.running,
			},
		},
		Config: c.config,
	}, nil
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return container.ExecCreateResponse{}, err
	}
	if !c.running {
		return container.ExecCreateResponse{}, fmt.Errorf("container %s is not running: %w", id, cerrdefs.ErrConflict)
	}
	execID := fmt.Sprintf("exec-%d", len(f.execs)+1)
	f.execs[execID] = &fakeExec{cmd: opts.Cmd, exitCode: f.execExit[strings.Join(opts.Cmd, " ")]}
	return container.ExecCreateResponse{ID: execID}, nil
}

func (f *fakeAPI) ContainerExecStart(ctx context.Context, execID string, _ container.ExecStartOptions) error {
	return nil
}

func (f *fakeAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, fmt.Errorf("no such exec: %w", cerrdefs.ErrNotFound)
	}
	e.polls++
	if e.polls <= f.execPolls {
		return container.ExecInspect{ExecID: execID, Running: true}, nil
	}
	return container.ExecInspect{ExecID: execID, ExitCode: e.exitCode}, nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	if strings.HasPrefix(ref, "private/") {
		return nil, fmt.Errorf("pull access denied for %s: %w", ref, cerrdefs.ErrNotFound)
	}
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeAPI) Close() error { return nil }

func setupRuntime(t *testing.T) (*Runtime, *fakeAPI) {
	t.Helper()

	api := newFakeAPI()
	r := New(api, zerolog.Nop())
	r.PollInterval = time.Millisecond
	return r, api
}

func webSpec() engine.ContainerSpec {
	return engine.ContainerSpec{
		Name:        "shop-dev-web",
		Service:     "web",
		Image:       "nginx:1.25",
		Command:     []string{"nginx", "-g", "daemon off;"},
		Environment: map[string]string{"B": "2", "A": "1"},
		Ports: []model.Port{
			{Host: 8080, Container: 80},
			{Container: 53, Protocol: "udp"},
		},
		Volumes: []model.Volume{{Host: "/srv/www", Container: "/usr/share/nginx/html", ReadOnly: true}},
		Restart: model.RestartUnlessStopped,
		Labels:  map[string]string{engine.LabelProject: "shop", engine.LabelStage: "dev", engine.LabelService: "web"},
	}
}

func TestCreate(t *testing.T) {
	r, api := setupRuntime(t)
	ctx := context.Background()

	id, err := r.Create(ctx, webSpec())
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if id == "" {
		t.Fatal("expected container id")
	}
	if diff := cmp.Diff([]string{"nginx:1.25"}, api.pulls); diff != "" {
		t.Errorf("expected missing image to be pulled (-want +got):\n%s", diff)
	}

	c := api.containers["shop-dev-web"]
	if diff := cmp.Diff([]string{"A=1", "B=2"}, c.config.Env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	wantExposed := nat.PortSet{"80/tcp": {}, "53/udp": {}}
	if diff := cmp.Diff(wantExposed, c.config.ExposedPorts); diff != "" {
		t.Errorf("exposed ports mismatch (-want +got):\n%s", diff)
	}
	wantBindings := nat.PortMap{"80/tcp": {{HostPort: "8080"}}}
	if diff := cmp.Diff(wantBindings, c.host.PortBindings); diff != "" {
		t.Errorf("port bindings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/srv/www:/usr/share/nginx/html:ro"}, c.host.Binds); diff != "" {
		t.Errorf("binds mismatch (-want +got):\n%s", diff)
	}
	if c.host.RestartPolicy.Name != container.RestartPolicyUnlessStopped {
		t.Errorf("expected unless-stopped restart policy, got %s", c.host.RestartPolicy.Name)
	}

	// Second create collides on the name.
	_, err = r.Create(ctx, webSpec())
	if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
	if len(api.pulls) != 1 {
		t.Errorf("expected no second pull, got %v", api.pulls)
	}
}

func TestCreate_PullFails(t *testing.T) {
	r, _ := setupRuntime(t)

	spec := webSpec()
	spec.Image = "private/app:1"
	_, err := r.Create(context.Background(), spec)
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND for an unpullable image, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	r, api := setupRuntime(t)
	ctx := context.Background()
	api.images["nginx:1.25"] = true

	id, err := r.Create(ctx, webSpec())
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	st, err := r.Inspect(ctx, "shop-dev-web")
	if err != nil {
		t.Fatalf("failed to inspect: %v", err)
	}
	want := &engine.ContainerStatus{ID: id, Name: "shop-dev-web", Image: "nginx:1.25", State: "created"}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	st, err = r.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("failed to inspect: %v", err)
	}
	if !st.Running || st.State != "running" {
		t.Errorf("expected running container, got %+v", st)
	}

	if err := r.Stop(ctx, id, 1500*time.Millisecond); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if got := api.stops[0]; got == nil || *got != 2 {
		t.Errorf("expected stop timeout of 2s, got %v", got)
	}
	if err := r.Stop(ctx, id, 0); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if api.stops[1] != nil {
		t.Errorf("expected daemon default timeout, got %v", *api.stops[1])
	}

	if err := r.Remove(ctx, id); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if _, err := r.Inspect(ctx, id); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND after remove, got %v", err)
	}
	if err := r.Remove(ctx, id); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND removing twice, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		transient bool
		throttled bool
	}{
		{"not found", fmt.Errorf("x: %w", cerrdefs.ErrNotFound), engine.ErrCodeNotFound, false, false},
		{"conflict", fmt.Errorf("x: %w", cerrdefs.ErrConflict), engine.ErrCodeAlreadyExists, false, false},
		{"unavailable", fmt.Errorf("x: %w", cerrdefs.ErrUnavailable), engine.ErrCodeRuntimeFailed, true, false},
		{"exhausted", fmt.Errorf("x: %w", cerrdefs.ErrResourceExhausted), engine.ErrCodeRuntimeFailed, false, true},
		{"other", errors.New("boom"), engine.ErrCodeRuntimeFailed, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err, "web", "create")
			if !engine.HasCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
			if engine.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", engine.IsTransient(err), tt.transient)
			}
			if engine.IsThrottled(err) != tt.throttled {
				t.Errorf("IsThrottled = %v, want %v", engine.IsThrottled(err), tt.throttled)
			}
		})
	}

	if err := classify(context.Canceled, "web", "create"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation to pass through, got %v", err)
	}
}

func TestCreate_DaemonDown(t *testing.T) {
	r, api := setupRuntime(t)
	api.createErr = fmt.Errorf("cannot connect: %w", cerrdefs.ErrUnavailable)

	_, err := r.Create(context.Background(), webSpec())
	if !engine.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	r, api := setupRuntime(t)
	ctx := context.Background()
	api.images["nginx:1.25"] = true
	api.execPolls = 2
	api.execExit["/bin/sh -c curl -f localhost"] = 7

	id, err := r.Create(ctx, webSpec())
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	// Exec against a stopped container is a failed probe.
	err = r.Probe(ctx, id, &model.HealthCheck{Test: []string{"CMD", "true"}})
	if !engine.IsTransient(err) {
		t.Errorf("expected transient failure for stopped container, got %v", err)
	}
	if err := r.Probe(ctx, id, &model.HealthCheck{}); !engine.IsTransient(err) {
		t.Errorf("expected transient failure for stopped container without test, got %v", err)
	}

	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if err := r.Probe(ctx, id, &model.HealthCheck{Test: []string{"CMD", "true"}}); err != nil {
		t.Errorf("expected healthy probe, got %v", err)
	}
	if err := r.Probe(ctx, id, &model.HealthCheck{}); err != nil {
		t.Errorf("expected running container to be ready, got %v", err)
	}

	err = r.Probe(ctx, id, &model.HealthCheck{Test: []string{"CMD-SHELL", "curl -f localhost"}})
	if !engine.IsTransient(err) || !strings.Contains(err.Error(), "exited with 7") {
		t.Errorf("expected failed probe with exit code 7, got %v", err)
	}

	err = r.Probe(ctx, id, &model.HealthCheck{Test: []string{"NONE"}})
	if !engine.HasCode(err, engine.ErrCodeInvalidField) {
		t.Errorf("expected INVALID_FIELD for NONE, got %v", err)
	}
}

func TestProbe_Cancelled(t *testing.T) {
	r, api := setupRuntime(t)
	api.images["nginx:1.25"] = true
	api.execPolls = 1 << 30

	ctx := context.Background()
	id, err := r.Create(ctx, webSpec())
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := r.Start(ctx, id); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = r.Probe(ctx, id, &model.HealthCheck{Test: []string{"sleep", "60"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestProbeCommand(t *testing.T) {
	tests := []struct {
		test    []string
		want    []string
		wantErr bool
	}{
		{[]string{"CMD", "pg_isready", "-U", "app"}, []string{"pg_isready", "-U", "app"}, false},
		{[]string{"CMD-SHELL", "curl -f localhost || exit 1"}, []string{"/bin/sh", "-c", "curl -f localhost || exit 1"}, false},
		{[]string{"redis-cli", "ping"}, []string{"redis-cli", "ping"}, false},
		{[]string{"CMD"}, nil, true},
		{[]string{"CMD-SHELL", "a", "b"}, nil, true},
		{[]string{"NONE"}, nil, true},
	}

	for _, tt := range tests {
		got, err := probeCommand(tt.test)
		if (err != nil) != tt.wantErr {
			t.Errorf("probeCommand(%v) error = %v, wantErr %v", tt.test, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("probeCommand(%v) mismatch (-want +got):\n%s", tt.test, diff)
		}
	}
}
