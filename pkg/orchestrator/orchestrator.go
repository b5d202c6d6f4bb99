// Package orchestrator is the operation surface a front end drives: it
// validates the merged Flow, starts and stops stage containers through the
// dependency scheduler, and plans and applies stage resources under the
// state store's lock.
//
// Every mutating operation is recorded as a run in the store and every
// progress event is stamped with the stage scope and run id before it
// reaches the configured sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagecraft/pkg/config"
	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/policy"
	"github.com/openfroyo/stagecraft/pkg/stores"
)

const tracerName = "github.com/openfroyo/stagecraft/pkg/orchestrator"

// StateStore is the store surface the orchestrator needs.
// *stores.SQLiteStore satisfies it.
type StateStore interface {
	engine.StateStore

	ListResources(ctx context.Context, scope string) ([]model.ResourceState, error)
	CreateRun(ctx context.Context, run *stores.Run) error
	FinishRun(ctx context.Context, id string, status engine.RunStatus, summary interface{}, runErr error) error
	ListRuns(ctx context.Context, scope string, limit int) ([]stores.Run, error)
}

// PolicyGate rejects plans before they are applied. *policy.Engine
// satisfies it.
type PolicyGate interface {
	Gate(ctx context.Context, input policy.Input) (*policy.Result, error)
}

// RunObserver counts runs. *telemetry.Metrics satisfies it.
type RunObserver interface {
	RunStarted()
	RunCompleted(operation string, status engine.RunStatus)
}

// Options configures an Orchestrator.
type Options struct {
	// Flow is the merged configuration. It is finalized by New.
	Flow *model.Flow

	Paths config.ProjectPaths

	// Runtime and Prober drive containers. Runtime may be nil when no
	// stage the caller touches lists services.
	Runtime engine.ContainerRuntime
	Prober  engine.HealthProber

	Providers engine.ProviderResolver
	Store     StateStore

	// Policy, Sink and Runs are optional.
	Policy PolicyGate
	Sink   engine.ProgressSink
	Runs   RunObserver

	// Scheduler configures container startup. ResolveVolume defaults to
	// resolving host paths against the project root.
	Scheduler engine.SchedulerOptions

	// MaxParallel bounds concurrent resource actions per level.
	MaxParallel int

	// Refresh reads live state from providers before planning instead of
	// trusting the last checkpoint alone.
	Refresh bool

	// Prune deletes recorded resources the configuration no longer
	// declares when a stage is brought up.
	Prune bool

	Logger zerolog.Logger
}

// Orchestrator runs stage operations against one Flow.
type Orchestrator struct {
	flow       *model.Flow
	configErrs []error
	opts       Options
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New finalizes the flow (image inference and validation) and returns an
// orchestrator. Config errors do not fail construction; they are reported
// by Validate and block every other operation.
func New(opts Options) (*Orchestrator, error) {
	if opts.Flow == nil {
		return nil, errors.New("flow is required")
	}
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("provider resolver is required")
	}
	if opts.Scheduler.ResolveVolume == nil {
		paths := opts.Paths
		opts.Scheduler.ResolveVolume = func(v model.Volume) model.Volume {
			v.Host = paths.ResolveVolume(v.Host)
			return v
		}
	}

	flow, errs := config.Finalize(opts.Flow)
	return &Orchestrator{
		flow:       flow,
		configErrs: errs,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "orchestrator").Str("project", flow.Name).Logger(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}, nil
}

// Flow returns the finalized flow.
func (o *Orchestrator) Flow() *model.Flow {
	return o.flow
}

// Validate returns every configuration error of the flow.
func (o *Orchestrator) Validate() []error {
	return append([]error(nil), o.configErrs...)
}

// Scope returns the state scope of a stage.
func (o *Orchestrator) Scope(stage string) string {
	return config.Scope(o.flow.Name, stage)
}

// stage resolves a stage after checking the flow is valid.
func (o *Orchestrator) stage(name string) (*model.Stage, error) {
	if len(o.configErrs) > 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("configuration has %d errors", len(o.configErrs)),
			errors.Join(o.configErrs...),
		).WithCode(engine.ErrCodeValidation).WithOperation("validate")
	}
	stage := o.flow.Stage(name)
	if stage == nil {
		return nil, engine.NewConfigError(engine.ErrCodeUnknownStage, fmt.Sprintf("unknown stage %q", name)).
			WithResource(name)
	}
	return stage, nil
}

// sink stamps every event with the stage scope and run id.
func (o *Orchestrator) sink(scope, runID string) engine.ProgressSink {
	return engine.ProgressSinkFunc(func(ev engine.ProgressEvent) {
		if o.opts.Sink == nil {
			return
		}
		ev.Scope = scope
		ev.RunID = runID
		o.opts.Sink.Emit(ev)
	})
}

func (o *Orchestrator) scheduler(sink engine.ProgressSink) (*engine.StageScheduler, error) {
	if o.opts.Runtime == nil {
		return nil, engine.NewPermanentError("no container runtime configured", nil).
			WithCode(engine.ErrCodeRuntimeFailed)
	}
	return engine.NewStageScheduler(o.opts.Runtime, o.opts.Prober, sink, o.opts.Scheduler), nil
}

func (o *Orchestrator) reconciler(sink engine.ProgressSink, runID string) *engine.Reconciler {
	return engine.NewReconciler(o.opts.Providers, sink, engine.ReconcilerOptions{
		MaxParallel: o.opts.MaxParallel,
		RunID:       runID,
	})
}

// gate evaluates the policy gate, if any, against plan.
func (o *Orchestrator) gate(ctx context.Context, operation string, plan *model.Plan, actual []model.ResourceState) (*policy.Result, error) {
	if o.opts.Policy == nil {
		return nil, nil
	}
	return o.opts.Policy.Gate(ctx, policy.Input{
		Scope:     plan.Scope,
		Operation: operation,
		Plan:      plan,
		Actual:    actual,
		Timestamp: o.now().UTC(),
	})
}

// startRun records a run and returns a function that finishes it.
func (o *Orchestrator) startRun(ctx context.Context, scope string, op stores.Operation, mode model.PlanMode) (*stores.Run, func(status engine.RunStatus, summary interface{}, err error), error) {
	run := &stores.Run{
		Scope:     scope,
		Operation: op,
		Mode:      string(mode),
	}
	if err := o.opts.Store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}
	if o.opts.Runs != nil {
		o.opts.Runs.RunStarted()
	}

	logger := o.logger.With().Str("run_id", run.ID).Str("scope", scope).Str("operation", string(op)).Logger()
	logger.Info().Str("mode", string(mode)).Msg("Run started")

	finish := func(status engine.RunStatus, summary interface{}, runErr error) {
		// The run is finished even when ctx was cancelled.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.opts.Store.FinishRun(finishCtx, run.ID, status, summary, runErr); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run result")
		}
		if o.opts.Runs != nil {
			o.opts.Runs.RunCompleted(string(op), status)
		}

		e := logger.Info()
		if runErr != nil || status != engine.RunStatusSucceeded {
			e = logger.Warn().Err(runErr)
		}
		e.Str("status", string(status)).Msg("Run finished")
	}
	return run, finish, nil
}

// combineStatus folds the container outcome into the resource outcome.
// resourceActions is the number of planned resource actions.
func combineStatus(failed, total int, resources engine.RunStatus, resourceActions int) engine.RunStatus {
	switch {
	case resources == engine.RunStatusCancelled:
		return resources
	case failed == 0:
		return resources
	case failed < total:
		return engine.RunStatusPartial
	case resources == engine.RunStatusFailed || resourceActions == 0:
		return engine.RunStatusFailed
	default:
		return engine.RunStatusPartial
	}
}
