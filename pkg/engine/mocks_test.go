package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// Mock container runtime for testing
type mockRuntime struct {
	mu         sync.Mutex
	containers map[string]*ContainerStatus
	specs      map[string]ContainerSpec
	calls      []string

	// createErrs are returned by successive Create calls per container name
	createErrs map[string][]error
	startErrs  map[string][]error

	// notRunning marks containers that exit right after start
	notRunning map[string]bool

	// onCreate observes create calls in order
	onCreate func(name string)
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{
		containers: make(map[string]*ContainerStatus),
		specs:      make(map[string]ContainerSpec),
		createErrs: make(map[string][]error),
		startErrs:  make(map[string][]error),
		notRunning: make(map[string]bool),
	}
}

func (m *mockRuntime) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	m.mu.Lock()
	m.record("create:" + spec.Name)
	if errs := m.createErrs[spec.Name]; len(errs) > 0 {
		m.createErrs[spec.Name] = errs[1:]
		m.mu.Unlock()
		return "", errs[0]
	}
	if _, exists := m.containers[spec.Name]; exists {
		m.mu.Unlock()
		return "", NewAlreadyExistsError(spec.Name, nil)
	}
	m.containers[spec.Name] = &ContainerStatus{ID: spec.Name, Name: spec.Name, Image: spec.Image, State: "created"}
	m.specs[spec.Name] = spec
	hook := m.onCreate
	m.mu.Unlock()
	if hook != nil {
		hook(spec.Name)
	}
	return spec.Name, nil
}

func (m *mockRuntime) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start:" + id)
	if errs := m.startErrs[id]; len(errs) > 0 {
		m.startErrs[id] = errs[1:]
		return errs[0]
	}
	c, ok := m.containers[id]
	if !ok {
		return NewNotFoundError(id, nil)
	}
	if m.notRunning[id] {
		c.State = "exited"
		c.Running = false
		return nil
	}
	c.State = "running"
	c.Running = true
	return nil
}

func (m *mockRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop:" + id)
	c, ok := m.containers[id]
	if !ok {
		return NewNotFoundError(id, nil)
	}
	c.Running = false
	c.State = "exited"
	return nil
}

func (m *mockRuntime) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove:" + id)
	if _, ok := m.containers[id]; !ok {
		return NewNotFoundError(id, nil)
	}
	delete(m.containers, id)
	return nil
}

func (m *mockRuntime) Inspect(ctx context.Context, id string) (*ContainerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, NewNotFoundError(id, nil)
	}
	cp := *c
	return &cp, nil
}

func (m *mockRuntime) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockRuntime) callCount(prefix string) int {
	n := 0
	for _, c := range m.getCalls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// Mock prober: passes after a configured number of failures
type mockProber struct {
	mu       sync.Mutex
	failures map[string]int
	probes   map[string]int
}

func newMockProber() *mockProber {
	return &mockProber{failures: make(map[string]int), probes: make(map[string]int)}
}

func (m *mockProber) Probe(ctx context.Context, id string, check *model.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[id]++
	if m.failures[id] < 0 || m.probes[id] <= m.failures[id] {
		return fmt.Errorf("probe %d of %s failed", m.probes[id], id)
	}
	return nil
}

func (m *mockProber) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes[id]
}

// recordingSleeper records requested waits without waiting
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Mock event sink
type mockSink struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (m *mockSink) Emit(event ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockSink) getEvents() []ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProgressEvent(nil), m.events...)
}

// Mock cloud provider backed by a map
type mockProvider struct {
	mu        sync.Mutex
	resources map[model.Identity]model.ResourceState
	calls     []string

	authErr    error
	authCalls  int
	createErrs map[string][]error
	updateErrs map[string][]error
	deleteErrs map[string][]error
	getErr     error

	// hideOnce makes the next GetState miss the named resource
	hideOnce map[string]bool
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		resources:  make(map[model.Identity]model.ResourceState),
		createErrs: make(map[string][]error),
		updateErrs: make(map[string][]error),
		deleteErrs: make(map[string][]error),
		hideOnce:   make(map[string]bool),
	}
}

func popErr(errs map[string][]error, name string) error {
	list := errs[name]
	if len(list) == 0 {
		return nil
	}
	errs[name] = list[1:]
	return list[0]
}

func (m *mockProvider) CheckAuth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	return m.authErr
}

func (m *mockProvider) GetState(ctx context.Context, selectors []model.Identity) ([]model.ResourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []model.ResourceState
	for _, id := range selectors {
		if m.hideOnce[id.Name] {
			delete(m.hideOnce, id.Name)
			continue
		}
		if rs, ok := m.resources[id]; ok {
			out = append(out, rs)
		}
	}
	return out, nil
}

func (m *mockProvider) Create(ctx context.Context, rc model.ResourceConfig) (*model.ResourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create:"+rc.Name)
	if err := popErr(m.createErrs, rc.Name); err != nil {
		return nil, err
	}
	if _, exists := m.resources[rc.Identity()]; exists {
		return nil, NewAlreadyExistsError(rc.Identity().String(), nil)
	}
	rs := model.ResourceState{
		Identity:   rc.Identity(),
		Status:     model.ResourceRunning,
		Attributes: model.CloneAttributes(rc.Attributes),
		ProviderID: "id-" + rc.Name,
	}
	m.resources[rc.Identity()] = rs
	return &rs, nil
}

func (m *mockProvider) Update(ctx context.Context, rc model.ResourceConfig, diff []model.AttributeChange) (*model.ResourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "update:"+rc.Name)
	if err := popErr(m.updateErrs, rc.Name); err != nil {
		return nil, err
	}
	rs, ok := m.resources[rc.Identity()]
	if !ok {
		return nil, NewNotFoundError(rc.Identity().String(), nil)
	}
	attrs := model.CloneAttributes(rs.Attributes)
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	for _, ch := range diff {
		if ch.Key == model.StatusAttribute {
			rs.Status = model.ResourceStatus(fmt.Sprint(ch.After))
			continue
		}
		attrs[ch.Key] = ch.After
	}
	rs.Attributes = attrs
	m.resources[rc.Identity()] = rs
	return &rs, nil
}

func (m *mockProvider) Delete(ctx context.Context, id model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "delete:"+id.Name)
	if err := popErr(m.deleteErrs, id.Name); err != nil {
		return err
	}
	if _, ok := m.resources[id]; !ok {
		return NewNotFoundError(id.String(), nil)
	}
	delete(m.resources, id)
	return nil
}

func (m *mockProvider) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Mock provider registry
type mockResolver map[string]CloudProvider

func (m mockResolver) Provider(id string) (CloudProvider, error) {
	p, ok := m[id]
	if !ok {
		return nil, NewPermanentError("unknown provider "+id, nil).WithCode(ErrCodeNotFound)
	}
	return p, nil
}

// Mock locked state backed by a map
type mockState struct {
	mu       sync.Mutex
	records  map[model.Identity]model.ResourceState
	writes   []string
	writeErr error
}

func newMockState() *mockState {
	return &mockState{records: make(map[model.Identity]model.ResourceState)}
}

func (m *mockState) Read(ctx context.Context) ([]model.ResourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ResourceState, 0, len(m.records))
	for _, rs := range m.records {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out, nil
}

func (m *mockState) WriteOne(ctx context.Context, rs model.ResourceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, "write:"+rs.Identity.Name)
	m.records[rs.Identity] = rs
	return nil
}

func (m *mockState) DeleteOne(ctx context.Context, id model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, "delete:"+id.Name)
	delete(m.records, id)
	return nil
}
