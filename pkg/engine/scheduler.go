package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagecraft/pkg/model"
)

const tracerName = "github.com/openfroyo/stagecraft/pkg/engine"

// Runtime call retry defaults: three attempts spaced by the same backoff
// function readiness probing uses.
var defaultRuntimeRetry = model.BackoffPolicy{
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   model.DefaultBackoffMultiplier,
	MaxDelay:     5 * time.Second,
	MaxRetries:   2,
}

// DefaultStopTimeout is the grace period given to containers on stop.
const DefaultStopTimeout = 10 * time.Second

// SchedulerOptions configures a StageScheduler.
type SchedulerOptions struct {
	// MaxParallel bounds concurrent starts within one level. Zero means
	// every service of a level starts at once.
	MaxParallel int

	// RuntimeRetry governs retries of transient runtime failures.
	RuntimeRetry model.BackoffPolicy

	// MaxProbeInterval caps readiness backoff when a health check sets none.
	MaxProbeInterval time.Duration

	// StopTimeout is passed to ContainerRuntime.Stop.
	StopTimeout time.Duration

	// ResolveVolume maps a declared volume to the host path used at runtime.
	ResolveVolume func(model.Volume) model.Volume

	// Labels are added to every container.
	Labels map[string]string

	// Sleep waits between attempts. Defaults to ContextSleep.
	Sleep Sleeper
}

// StageScheduler starts and stops the services of a stage in dependency
// order, gating each level on readiness of the previous one.
type StageScheduler struct {
	runtime ContainerRuntime
	prober  HealthProber
	sink    ProgressSink
	opts    SchedulerOptions
	tracer  trace.Tracer
}

// NewStageScheduler creates a scheduler. prober may be nil when no service
// declares a health test; sink may be nil.
func NewStageScheduler(runtime ContainerRuntime, prober HealthProber, sink ProgressSink, opts SchedulerOptions) *StageScheduler {
	if sink == nil {
		sink = nopSink{}
	}
	if opts.RuntimeRetry.InitialDelay == 0 {
		opts.RuntimeRetry = defaultRuntimeRetry
	}
	if opts.MaxProbeInterval == 0 {
		opts.MaxProbeInterval = model.DefaultMaxProbeInterval
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = ContextSleep
	}
	return &StageScheduler{
		runtime: runtime,
		prober:  prober,
		sink:    sink,
		opts:    opts,
		tracer:  otel.Tracer(tracerName),
	}
}

// ContainerName returns the deterministic container name of a service.
func ContainerName(project, stage, service string) string {
	return fmt.Sprintf("%s-%s-%s", project, stage, service)
}

// BuildServiceGraph builds the startup graph of the named services plus
// every service they transitively depend on.
func BuildServiceGraph(flow *model.Flow, services []string) (*Graph, error) {
	b := NewDAGBuilder()
	queue := append([]string(nil), services...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		svc, ok := flow.Services[name]
		if !ok || svc == nil {
			return nil, NewConfigError(ErrCodeUnknownServiceReference,
				fmt.Sprintf("unknown service %q", name)).WithResource(name)
		}
		b.AddNode(name)
		for _, dep := range svc.DependsOn {
			if _, ok := flow.Services[dep]; !ok {
				return nil, NewConfigError(ErrCodeUnknownServiceReference,
					fmt.Sprintf("service %q depends on unknown service %q", name, dep)).WithResource(name)
			}
			b.AddNode(dep)
			b.AddEdge(name, dep)
			queue = append(queue, dep)
		}
	}
	return b.Build()
}

// startRun holds the mutable state of one Start call.
type startRun struct {
	mu      sync.Mutex
	states  map[string]ServiceState
	results map[string]*ServiceResult
}

func newStartRun(graph *Graph) *startRun {
	r := &startRun{
		states:  make(map[string]ServiceState, graph.Size()),
		results: make(map[string]*ServiceResult, graph.Size()),
	}
	for name, level := range graph.Level {
		r.states[name] = ServiceStatePending
		r.results[name] = &ServiceResult{Service: name, State: ServiceStatePending, Level: level}
	}
	return r
}

func (r *startRun) state(name string) ServiceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

// transition moves name to next if the transition table allows it.
func (r *startRun) transition(name string, next ServiceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.states[name]
	if !cur.CanTransitionTo(next) {
		return NewPermanentError(
			fmt.Sprintf("illegal service transition %s -> %s", cur, next), nil,
		).WithCode(ErrCodeInternal).WithResource(name)
	}
	r.states[name] = next
	r.results[name].State = next
	return nil
}

func (r *startRun) update(name string, fn func(*ServiceResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.results[name])
}

// Start brings up a stage. The returned report lists every service of the
// graph; readiness and dependency failures are reported per service, not
// as an error. An error is returned for graph problems (before any
// runtime call) and for cancellation.
func (s *StageScheduler) Start(ctx context.Context, flow *model.Flow, stageName string) (*StartReport, error) {
	stage := flow.Stage(stageName)
	if stage == nil {
		return nil, NewConfigError(ErrCodeUnknownStage, fmt.Sprintf("unknown stage %q", stageName)).
			WithResource(stageName)
	}

	graph, err := BuildServiceGraph(flow, stage.Services)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "stage.start",
		trace.WithAttributes(attribute.String("stage", stageName), attribute.Int("services", graph.Size())))
	defer span.End()

	run := newStartRun(graph)
	report := &StartReport{Stage: stageName, Levels: graph.Levels}

	for level, names := range graph.Levels {
		if ctx.Err() != nil {
			break
		}
		s.runLevel(ctx, flow, stageName, stage, graph, run, level, names)
	}

	for _, names := range graph.Levels {
		for _, name := range names {
			res := *run.results[name]
			res.Error = errorString(res.Err)
			if res.State == ServiceStatePending || HasCode(res.Err, ErrCodeCancelled) {
				report.Cancelled = true
			}
			report.Services = append(report.Services, res)
		}
	}

	if report.Cancelled {
		err := NewPermanentError("stage start cancelled", ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithResource(stageName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	if failed := report.Failed(); len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d services failed", len(failed)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return report, nil
}

// runLevel dispatches every service of one level and waits for all of
// them to reach a terminal state.
func (s *StageScheduler) runLevel(
	ctx context.Context,
	flow *model.Flow,
	stageName string,
	stage *model.Stage,
	graph *Graph,
	run *startRun,
	level int,
	names []string,
) {
	ctx, span := s.tracer.Start(ctx, "stage.level",
		trace.WithAttributes(attribute.Int("level", level), attribute.StringSlice("services", names)))
	defer span.End()

	var sem chan struct{}
	if s.opts.MaxParallel > 0 {
		sem = make(chan struct{}, s.opts.MaxParallel)
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if ctx.Err() != nil {
			// Undispatched services stay Pending.
			break
		}

		if blocker := s.failedDependency(run, graph, name); blocker != "" {
			err := NewPermanentError(
				fmt.Sprintf("dependency %s did not become ready", blocker), nil,
			).WithCode(ErrCodeDependencyFailed).WithResource(name).WithDetail("dependency", blocker)
			_ = run.transition(name, ServiceStateFailed)
			run.update(name, func(r *ServiceResult) { r.Err = err })
			s.emit(stageName, name, PhaseDispatch, OutcomeSkipped, 0, err)
			continue
		}

		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			s.startService(ctx, flow, stageName, stage, run, name)
		}(name)
	}
	wg.Wait()
}

// failedDependency returns the first dependency of name that is not Ready.
func (s *StageScheduler) failedDependency(run *startRun, graph *Graph, name string) string {
	for _, dep := range graph.Dependencies[name] {
		if run.state(dep) != ServiceStateReady {
			return dep
		}
	}
	return ""
}

// startService drives one service from Pending to Ready or Failed.
func (s *StageScheduler) startService(
	ctx context.Context,
	flow *model.Flow,
	stageName string,
	stage *model.Stage,
	run *startRun,
	name string,
) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "service.start", trace.WithAttributes(attribute.String("service", name)))
	defer span.End()

	fail := func(phase Phase, err error) {
		_ = run.transition(name, ServiceStateFailed)
		run.update(name, func(r *ServiceResult) { r.Err = err })
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev := s.event(stageName, name, phase, OutcomeFailed, 0, err)
		ev.Duration = time.Since(started)
		s.sink.Emit(ev)
	}

	if err := run.transition(name, ServiceStateStarting); err != nil {
		fail(PhaseDispatch, err)
		return
	}
	s.emit(stageName, name, PhaseDispatch, OutcomeStarted, 0, nil)

	svc := flow.Services[name]
	spec := s.containerSpec(flow.Name, stageName, stage, name, svc)
	if spec.Image == "" {
		fail(PhaseCreate, NewConfigError(ErrCodeMissingRequiredField, "service has no image").WithResource(name))
		return
	}

	var id string
	reused := false
	err := s.retry(ctx, stageName, name, PhaseCreate, func() error {
		created, err := s.runtime.Create(ctx, spec)
		if err != nil {
			if HasCode(err, ErrCodeAlreadyExists) {
				id, reused = spec.Name, true
				return nil
			}
			return err
		}
		id = created
		return nil
	})
	if err != nil {
		fail(PhaseCreate, err)
		return
	}
	run.update(name, func(r *ServiceResult) {
		r.ContainerID = id
		r.Reused = reused
	})

	alreadyRunning := false
	if reused {
		if st, err := s.runtime.Inspect(ctx, id); err == nil && st.Running {
			alreadyRunning = true
		}
	}
	if !alreadyRunning {
		if err := s.retry(ctx, stageName, name, PhaseStart, func() error {
			return s.runtime.Start(ctx, id)
		}); err != nil {
			fail(PhaseStart, err)
			return
		}
	}
	s.emit(stageName, name, PhaseStart, OutcomeSucceeded, 0, nil)

	if err := run.transition(name, ServiceStateAwaitingReadiness); err != nil {
		fail(PhaseStart, err)
		return
	}

	attempts, err := s.awaitReady(ctx, stageName, name, id, svc.HealthCheck)
	run.update(name, func(r *ServiceResult) { r.Attempts = attempts })
	if err != nil {
		fail(PhaseProbe, err)
		return
	}

	if err := run.transition(name, ServiceStateReady); err != nil {
		fail(PhaseReady, err)
		return
	}
	ev := s.event(stageName, name, PhaseReady, OutcomeSucceeded, attempts, nil)
	ev.Duration = time.Since(started)
	s.sink.Emit(ev)
	span.SetStatus(codes.Ok, "")
}

// awaitReady probes until the service is ready or the policy is exhausted.
// It returns the number of probe attempts made. Without a health check a
// successful start is enough, so one-shot containers that exit right away
// do not block their dependents.
func (s *StageScheduler) awaitReady(ctx context.Context, stageName, name, id string, hc *model.HealthCheck) (int, error) {
	if hc == nil {
		return 0, nil
	}

	if grace := hc.Grace(); grace > 0 {
		if err := s.opts.Sleep(ctx, grace); err != nil {
			return 0, cancelled(name, err)
		}
	}

	policy := hc.Policy(s.opts.MaxProbeInterval)
	total := Attempts(policy)
	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		lastErr = s.probeOnce(ctx, id, hc)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, cancelled(name, ctx.Err())
		}
		if attempt == total-1 {
			break
		}
		s.emit(stageName, name, PhaseProbe, OutcomeRetrying, attempt+1, lastErr)
		if err := s.opts.Sleep(ctx, BackoffDelay(policy, attempt)); err != nil {
			return attempt + 1, cancelled(name, err)
		}
	}
	return total, NewReadinessTimeoutError(name, total, lastErr)
}

func (s *StageScheduler) probeOnce(ctx context.Context, id string, hc *model.HealthCheck) error {
	probeCtx := ctx
	if timeout := hc.ProbeTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if len(hc.Test) == 0 || s.prober == nil {
		return s.checkRunning(probeCtx, id)
	}
	return s.prober.Probe(probeCtx, id, hc)
}

func (s *StageScheduler) checkRunning(ctx context.Context, id string) error {
	st, err := s.runtime.Inspect(ctx, id)
	if err != nil {
		return err
	}
	if !st.Running {
		return NewTransientError(fmt.Sprintf("container is not running (state=%s)", st.State), nil).
			WithCode(ErrCodeRuntimeFailed).
			WithResource(id)
	}
	return nil
}

// retry runs call, retrying transient failures with the runtime backoff.
func (s *StageScheduler) retry(ctx context.Context, stageName, name string, phase Phase, call func() error) error {
	total := Attempts(s.opts.RuntimeRetry)
	var err error
	for attempt := 0; attempt < total; attempt++ {
		err = call()
		if err == nil || !IsTransient(err) || attempt == total-1 {
			return err
		}
		s.emit(stageName, name, phase, OutcomeRetrying, attempt+1, err)
		if serr := s.opts.Sleep(ctx, BackoffDelay(s.opts.RuntimeRetry, attempt)); serr != nil {
			return cancelled(name, serr)
		}
	}
	return err
}

// containerSpec assembles the runtime spec of a service. Stage variables
// are environment defaults; the service's own environment wins.
func (s *StageScheduler) containerSpec(project, stageName string, stage *model.Stage, name string, svc *model.Service) ContainerSpec {
	env := make(map[string]string, len(stage.Variables)+len(svc.Environment))
	for k, v := range stage.Variables {
		env[k] = v
	}
	for k, v := range svc.Environment {
		env[k] = v
	}

	volumes := make([]model.Volume, 0, len(svc.Volumes))
	for _, v := range svc.Volumes {
		if s.opts.ResolveVolume != nil {
			v = s.opts.ResolveVolume(v)
		}
		volumes = append(volumes, v)
	}

	labels := map[string]string{
		LabelProject: project,
		LabelStage:   stageName,
		LabelService: name,
	}
	for k, v := range s.opts.Labels {
		labels[k] = v
	}

	return ContainerSpec{
		Name:        ContainerName(project, stageName, name),
		Service:     name,
		Image:       svc.Image,
		Command:     append([]string(nil), svc.Command...),
		Environment: env,
		Ports:       append([]model.Port(nil), svc.Ports...),
		Volumes:     volumes,
		Restart:     svc.Restart,
		Labels:      labels,
	}
}

// Container labels set on every managed container.
const (
	LabelProject = "io.stagecraft.project"
	LabelStage   = "io.stagecraft.stage"
	LabelService = "io.stagecraft.service"
)

// Stop stops the services of a stage in reverse level order. With remove
// set, stopped containers are also deleted. Missing containers are not
// errors.
func (s *StageScheduler) Stop(ctx context.Context, flow *model.Flow, stageName string, remove bool) (*StopReport, error) {
	stage := flow.Stage(stageName)
	if stage == nil {
		return nil, NewConfigError(ErrCodeUnknownStage, fmt.Sprintf("unknown stage %q", stageName)).
			WithResource(stageName)
	}
	graph, err := BuildServiceGraph(flow, stage.Services)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "stage.stop",
		trace.WithAttributes(attribute.String("stage", stageName), attribute.Bool("remove", remove)))
	defer span.End()

	report := &StopReport{Stage: stageName}
	var mu sync.Mutex

	for level := len(graph.Levels) - 1; level >= 0; level-- {
		if ctx.Err() != nil {
			break
		}
		var wg sync.WaitGroup
		for _, name := range graph.Levels[level] {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				res := s.stopService(ctx, flow.Name, stageName, name, remove)
				mu.Lock()
				report.Services = append(report.Services, res)
				mu.Unlock()
			}(name)
		}
		wg.Wait()
	}

	sort.SliceStable(report.Services, func(i, j int) bool {
		li, lj := graph.Level[report.Services[i].Service], graph.Level[report.Services[j].Service]
		if li != lj {
			return li > lj
		}
		return report.Services[i].Service < report.Services[j].Service
	})

	if ctx.Err() != nil {
		return report, NewPermanentError("stage stop cancelled", ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithResource(stageName)
	}
	return report, nil
}

func (s *StageScheduler) stopService(ctx context.Context, project, stageName, name string, remove bool) StopResult {
	id := ContainerName(project, stageName, name)
	res := StopResult{Service: name, ContainerID: id}

	err := s.retry(ctx, stageName, name, PhaseStop, func() error {
		return s.runtime.Stop(ctx, id, s.opts.StopTimeout)
	})
	switch {
	case HasCode(err, ErrCodeNotFound):
		res.Missing = true
		s.emit(stageName, name, PhaseStop, OutcomeSkipped, 0, nil)
		return res
	case err != nil:
		res.Err, res.Error = err, err.Error()
		s.emit(stageName, name, PhaseStop, OutcomeFailed, 0, err)
		return res
	}
	res.Stopped = true
	s.emit(stageName, name, PhaseStop, OutcomeSucceeded, 0, nil)

	if !remove {
		return res
	}
	err = s.retry(ctx, stageName, name, PhaseRemove, func() error {
		return s.runtime.Remove(ctx, id)
	})
	if err != nil && !HasCode(err, ErrCodeNotFound) {
		res.Err, res.Error = err, err.Error()
		s.emit(stageName, name, PhaseRemove, OutcomeFailed, 0, err)
		return res
	}
	res.Removed = true
	s.emit(stageName, name, PhaseRemove, OutcomeSucceeded, 0, nil)
	return res
}

// ServiceStatus is the observed status of one stage service.
type ServiceStatus struct {
	Service     string `json:"service"`
	ContainerID string `json:"container_id"`
	Level       int    `json:"level"`

	// Present is false when no container exists.
	Present bool   `json:"present"`
	Running bool   `json:"running"`
	State   string `json:"state"`
	Health  string `json:"health,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status inspects every container of a stage in level order.
func (s *StageScheduler) Status(ctx context.Context, flow *model.Flow, stageName string) ([]ServiceStatus, error) {
	stage := flow.Stage(stageName)
	if stage == nil {
		return nil, NewConfigError(ErrCodeUnknownStage, fmt.Sprintf("unknown stage %q", stageName)).
			WithResource(stageName)
	}
	graph, err := BuildServiceGraph(flow, stage.Services)
	if err != nil {
		return nil, err
	}

	var out []ServiceStatus
	for level, names := range graph.Levels {
		for _, name := range names {
			st := ServiceStatus{
				Service:     name,
				ContainerID: ContainerName(flow.Name, stageName, name),
				Level:       level,
			}
			observed, err := s.runtime.Inspect(ctx, st.ContainerID)
			switch {
			case HasCode(err, ErrCodeNotFound):
				st.State = "absent"
			case err != nil:
				st.State = string(model.ResourceUnknown)
				st.Error = err.Error()
			default:
				st.Present = true
				st.Running = observed.Running
				st.State = observed.State
				st.Health = observed.Health
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *StageScheduler) event(stageName, name string, phase Phase, outcome Outcome, attempt int, err error) ProgressEvent {
	return ProgressEvent{
		Time:    time.Now(),
		Scope:   stageName,
		Kind:    SubjectService,
		Subject: name,
		Phase:   phase,
		Outcome: outcome,
		Attempt: attempt,
		Error:   errorString(err),
		Code:    CodeOf(err),
	}
}

func (s *StageScheduler) emit(stageName, name string, phase Phase, outcome Outcome, attempt int, err error) {
	s.sink.Emit(s.event(stageName, name, phase, outcome, attempt, err))
}

func cancelled(resource string, err error) error {
	return NewPermanentError("cancelled", err).WithCode(ErrCodeCancelled).WithResource(resource)
}
