package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/policy"
)

// Mock container runtime keyed by container name
type mockRuntime struct {
	mu         sync.Mutex
	containers map[string]*engine.ContainerStatus
	calls      []string

	// notRunning marks containers that exit right after start
	notRunning map[string]bool
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{
		containers: make(map[string]*engine.ContainerStatus),
		notRunning: make(map[string]bool),
	}
}

func (m *mockRuntime) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create:"+spec.Name)
	if _, ok := m.containers[spec.Name]; ok {
		return "", engine.NewAlreadyExistsError(spec.Name, nil)
	}
	m.containers[spec.Name] = &engine.ContainerStatus{ID: spec.Name, Name: spec.Name, Image: spec.Image, State: "created"}
	return spec.Name, nil
}

func (m *mockRuntime) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "start:"+id)
	c, ok := m.containers[id]
	if !ok {
		return engine.NewNotFoundError(id, nil)
	}
	if m.notRunning[id] {
		c.State = "exited"
		return nil
	}
	c.State = "running"
	c.Running = true
	return nil
}

func (m *mockRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "stop:"+id)
	c, ok := m.containers[id]
	if !ok {
		return engine.NewNotFoundError(id, nil)
	}
	c.State = "exited"
	c.Running = false
	return nil
}

func (m *mockRuntime) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "remove:"+id)
	if _, ok := m.containers[id]; !ok {
		return engine.NewNotFoundError(id, nil)
	}
	delete(m.containers, id)
	return nil
}

func (m *mockRuntime) Inspect(ctx context.Context, id string) (*engine.ContainerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, engine.NewNotFoundError(id, nil)
	}
	cp := *c
	return &cp, nil
}

func (m *mockRuntime) callsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockRuntime) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.containers[name]
	return ok
}

// Mock event sink
type mockSink struct {
	mu     sync.Mutex
	events []engine.ProgressEvent
}

func (m *mockSink) Emit(event engine.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockSink) getEvents() []engine.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.ProgressEvent(nil), m.events...)
}

// Mock run observer
type mockRuns struct {
	mu        sync.Mutex
	started   int
	completed []string
}

func (m *mockRuns) RunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *mockRuns) RunCompleted(operation string, status engine.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, operation+":"+string(status))
}

// Mock policy gate recording its inputs
type mockGate struct {
	inputs []policy.Input
	err    error
}

func (m *mockGate) Gate(ctx context.Context, input policy.Input) (*policy.Result, error) {
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return &policy.Result{Allowed: false}, m.err
	}
	return &policy.Result{Allowed: true}, nil
}

// Mock provider resolver that knows no providers
type emptyResolver struct{}

func (emptyResolver) Provider(id string) (engine.CloudProvider, error) {
	return nil, engine.NewConfigError(engine.ErrCodeNotFound, "unknown provider "+id)
}

func sampleFlow() *model.Flow {
	return &model.Flow{
		Name: "shop",
		Services: map[string]*model.Service{
			"db":  {Image: "postgres:16"},
			"api": {Image: "shop/api:1.0", DependsOn: []string{"db"}},
		},
		Stages: map[string]*model.Stage{
			"dev": {
				Services: []string{"db", "api"},
				Resources: []model.ResourceConfig{
					{
						Provider:   "local",
						Type:       "volume",
						Name:       "data",
						Attributes: map[string]interface{}{"size_gb": 10},
					},
					{
						Provider:   "local",
						Type:       "server",
						Name:       "web",
						Attributes: map[string]interface{}{"cpus": 2},
						DependsOn:  []string{"data"},
					},
				},
			},
			"empty": {},
		},
	}
}
