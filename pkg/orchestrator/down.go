package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/stores"
)

// StageDownReport is the outcome of bringing a stage down.
type StageDownReport struct {
	RunID    string              `json:"run_id"`
	Stage    string              `json:"stage"`
	Scope    string              `json:"scope"`
	Mode     model.PlanMode      `json:"mode"`
	Services *engine.StopReport  `json:"services,omitempty"`
	Plan     *model.Plan         `json:"plan,omitempty"`
	Results  []model.ApplyResult `json:"results,omitempty"`
	Status   engine.RunStatus    `json:"status"`
	Error    string              `json:"error,omitempty"`
}

// PlanStageDown computes the down plan of a stage from its recorded
// state. Down plans never consult the configuration's resource list, so
// resources removed from config are still torn down.
func (o *Orchestrator) PlanStageDown(ctx context.Context, name string, mode model.PlanMode) (*model.Plan, error) {
	if _, err := o.stage(name); err != nil {
		return nil, err
	}
	if _, err := model.ParseDownMode(string(mode)); err != nil {
		return nil, engine.NewConfigError(engine.ErrCodeInvalidField, err.Error()).WithResource(name)
	}
	scope := o.Scope(name)

	ctx, span := o.tracer.Start(ctx, "stage.plan_down", trace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	recorded, err := o.opts.Store.ListResources(ctx, scope)
	if err != nil {
		return nil, err
	}
	return engine.ComputePlan(engine.PlanRequest{Scope: scope, Actual: recorded, Mode: mode})
}

// ApplyStageDown stops the stage's containers in reverse dependency order
// (removing them in destroy mode), then applies the down plan of its
// resources under the scope lock.
func (o *Orchestrator) ApplyStageDown(ctx context.Context, name string, mode model.PlanMode) (*StageDownReport, error) {
	stage, err := o.stage(name)
	if err != nil {
		return nil, err
	}
	if _, err := model.ParseDownMode(string(mode)); err != nil {
		return nil, engine.NewConfigError(engine.ErrCodeInvalidField, err.Error()).WithResource(name)
	}
	scope := o.Scope(name)

	ctx, span := o.tracer.Start(ctx, "stage.down", trace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	run, finish, err := o.startRun(ctx, scope, stores.OperationDown, mode)
	if err != nil {
		return nil, err
	}
	report := &StageDownReport{RunID: run.ID, Stage: name, Scope: scope, Mode: mode}
	sink := o.sink(scope, run.ID)

	done := func(status engine.RunStatus, err error) (*StageDownReport, error) {
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
		report.Services, err = sched.Stop(ctx, o.flow, name, mode == model.PlanModeDestroy)
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
		plan, err := engine.ComputePlan(engine.PlanRequest{Scope: scope, Actual: recorded, Mode: mode})
		if err != nil {
			return err
		}
		report.Plan = plan

		if _, err := o.gate(ctx, string(stores.OperationDown), plan, recorded); err != nil {
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
	return done(combineStatus(failed, total, resources, actions), err)
}
