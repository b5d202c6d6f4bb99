package orchestrator

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/stores"
)

// StageUpReport is the outcome of bringing a stage up.
type StageUpReport struct {
	RunID    string              `json:"run_id"`
	Stage    string              `json:"stage"`
	Scope    string              `json:"scope"`
	Services *engine.StartReport `json:"services,omitempty"`
	Plan     *model.Plan         `json:"plan,omitempty"`
	Results  []model.ApplyResult `json:"results,omitempty"`
	Status   engine.RunStatus    `json:"status"`
	Error    string              `json:"error,omitempty"`
}

// PlanStageUp computes the converge plan of a stage's resources without
// taking the lock or changing anything.
func (o *Orchestrator) PlanStageUp(ctx context.Context, name string) (*model.Plan, error) {
	stage, err := o.stage(name)
	if err != nil {
		return nil, err
	}
	scope := o.Scope(name)

	ctx, span := o.tracer.Start(ctx, "stage.plan_up", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	recorded, err := o.opts.Store.ListResources(ctx, scope)
	if err != nil {
		return nil, err
	}
	actual, err := o.refresh(ctx, stage.Resources, recorded)
	if err != nil {
		return nil, err
	}
	return engine.ComputePlan(engine.PlanRequest{
		Scope:   scope,
		Desired: stage.Resources,
		Actual:  actual,
		Mode:    model.PlanModeConverge,
		Prune:   o.opts.Prune,
	})
}

// ApplyStageUp starts the stage's services in dependency order, then
// converges its resources under the scope lock.
//
// Resources are converged even when some services failed to become
// ready; the run is then reported partial. A cancelled start skips the
// resource phase.
func (o *Orchestrator) ApplyStageUp(ctx context.Context, name string) (*StageUpReport, error) {
	stage, err := o.stage(name)
	if err != nil {
		return nil, err
	}
	scope := o.Scope(name)

	ctx, span := o.tracer.Start(ctx, "stage.up", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	run, finish, err := o.startRun(ctx, scope, stores.OperationUp, model.PlanModeConverge)
	if err != nil {
		return nil, err
	}
	report := &StageUpReport{RunID: run.ID, Stage: name, Scope: scope}
	sink := o.sink(scope, run.ID)

	done := func(status engine.RunStatus, err error) (*StageUpReport, error) {
		report.Status = status
		if err != nil {
			report.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		finish(status, report, err)
		return report, err
	}

	var failed, total int
	if len(stage.Services) > 0 {
		sched, err := o.scheduler(sink)
		if err != nil {
			return done(engine.RunStatusFailed, err)
		}
		report.Services, err = sched.Start(ctx, o.flow, name)
		if report.Services == nil && err != nil {
			return done(engine.RunStatusFailed, err)
		}
		if engine.HasCode(err, engine.ErrCodeCancelled) {
			return done(engine.RunStatusCancelled, err)
		}
		failed, total = len(report.Services.Failed()), len(report.Services.Services)
	}

	err = o.opts.Store.WithLock(ctx, scope, func(ctx context.Context, state engine.LockedState) error {
		recorded, err := state.Read(ctx)
		if err != nil {
			return err
		}
		actual, err := o.refresh(ctx, stage.Resources, recorded)
		if err != nil {
			return err
		}

		plan, err := engine.ComputePlan(engine.PlanRequest{
			Scope:   scope,
			Desired: stage.Resources,
			Actual:  actual,
			Mode:    model.PlanModeConverge,
			Prune:   o.opts.Prune,
		})
		if err != nil {
			return err
		}
		report.Plan = plan

		if _, err := o.gate(ctx, string(stores.OperationUp), plan, actual); err != nil {
			return err
		}

		report.Results, err = o.reconciler(sink, run.ID).Apply(ctx, plan, state)
		return err
	})

	resources := engine.RunStatusOf(report.Results, err)
	actions := 0
	if report.Plan != nil {
		actions = len(report.Plan.Actions)
	}
	status := combineStatus(failed, total, resources, actions)
	return done(status, err)
}

// refresh overlays provider-observed state on the recorded state when
// Refresh is enabled. Declared resources missing from the record are
// looked up too so that existing resources are adopted rather than
// recreated. Recorded resources the provider no longer knows are dropped.
func (o *Orchestrator) refresh(ctx context.Context, desired []model.ResourceConfig, recorded []model.ResourceState) ([]model.ResourceState, error) {
	if !o.opts.Refresh {
		return recorded, nil
	}

	byProvider := make(map[string][]model.Identity)
	seen := make(map[model.Identity]bool)
	add := func(id model.Identity) {
		if seen[id] {
			return
		}
		seen[id] = true
		byProvider[id.Provider] = append(byProvider[id.Provider], id)
	}
	recordedBy := make(map[model.Identity]model.ResourceState, len(recorded))
	for _, rs := range recorded {
		recordedBy[rs.Identity] = rs
		add(rs.Identity)
	}
	for _, rc := range desired {
		add(rc.Identity())
	}

	providerIDs := make([]string, 0, len(byProvider))
	for id := range byProvider {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)

	var out []model.ResourceState
	for _, pid := range providerIDs {
		p, err := o.opts.Providers.Provider(pid)
		if err != nil {
			return nil, err
		}
		observed, err := p.GetState(ctx, byProvider[pid])
		if err != nil {
			return nil, err
		}
		for _, rs := range observed {
			if prev, ok := recordedBy[rs.Identity]; ok && len(rs.DependsOn) == 0 {
				rs.DependsOn = prev.DependsOn
			}
			out = append(out, rs)
		}
		o.logger.Debug().
			Str("provider", pid).
			Int("selected", len(byProvider[pid])).
			Int("observed", len(observed)).
			Msg("Refreshed resource state")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out, nil
}
