package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// DefaultApplyParallelism bounds concurrent actions within one level.
const DefaultApplyParallelism = 4

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// MaxParallel bounds concurrent actions within one level.
	MaxParallel int

	// RunID is stamped on emitted progress events.
	RunID string
}

// Reconciler applies plans against cloud providers and checkpoints each
// successful action into the locked state.
type Reconciler struct {
	providers ProviderResolver
	sink      ProgressSink
	opts      ReconcilerOptions
	tracer    trace.Tracer
}

// NewReconciler creates a reconciler. sink may be nil.
func NewReconciler(providers ProviderResolver, sink ProgressSink, opts ReconcilerOptions) *Reconciler {
	if sink == nil {
		sink = nopSink{}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultApplyParallelism
	}
	return &Reconciler{
		providers: providers,
		sink:      sink,
		opts:      opts,
		tracer:    otel.Tracer(tracerName),
	}
}

// applyRun holds the mutable state of one Apply call.
type applyRun struct {
	mu      sync.Mutex
	results map[model.Identity]*model.ApplyResult
}

func (r *applyRun) get(id model.Identity) (model.ApplyResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	if !ok {
		return model.ApplyResult{}, false
	}
	return *res, true
}

func (r *applyRun) set(res model.ApplyResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	r.results[res.Identity] = &res
}

// Apply executes the plan level by level. Independent actions continue
// after a failure; an action whose prerequisite did not succeed is
// skipped with ErrCodeNotAttempted. The returned results follow plan
// order. A non-nil error means the state store failed or the context was
// cancelled; results are still returned for every action.
func (r *Reconciler) Apply(ctx context.Context, plan *model.Plan, state LockedState) ([]model.ApplyResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeInternal)
	}

	ctx, span := r.tracer.Start(ctx, "plan.apply", trace.WithAttributes(
		attribute.String("plan_id", plan.ID),
		attribute.String("scope", plan.Scope),
		attribute.String("mode", string(plan.Mode)),
		attribute.Int("actions", len(plan.Actions)),
	))
	defer span.End()

	run := &applyRun{results: make(map[model.Identity]*model.ApplyResult, len(plan.Actions))}
	authErrs := r.checkAuth(ctx, plan)

	var fatal error
	for _, level := range groupByLevel(plan.Actions) {
		if fatal != nil || ctx.Err() != nil {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.MaxParallel)
		for _, action := range level {
			if blocker, ok := r.blockedBy(run, action); !ok {
				run.set(r.skip(plan.Scope, action, fmt.Sprintf("prerequisite %s did not succeed", blocker), nil))
				continue
			}
			if err, ok := authErrs[action.Identity.Provider]; ok && action.Kind.IsMutating() {
				run.set(r.fail(plan.Scope, action, err, 0))
				continue
			}
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, err := r.execute(gctx, plan.Scope, action, state)
				run.set(res)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			fatal = err
		}
	}

	results := make([]model.ApplyResult, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		res, ok := run.get(action.Identity)
		if !ok {
			res = r.skip(plan.Scope, action, "run aborted before this action", firstNonNil(fatal, ctx.Err()))
		}
		results = append(results, res)
	}

	if fatal == nil && ctx.Err() != nil {
		fatal = NewPermanentError("apply cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	}
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return results, fatal
}

// checkAuth resolves and authenticates every provider that mutating
// actions will call, once each.
func (r *Reconciler) checkAuth(ctx context.Context, plan *model.Plan) map[string]error {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range plan.Actions {
		if a.Kind.IsMutating() && !seen[a.Identity.Provider] {
			seen[a.Identity.Provider] = true
			ids = append(ids, a.Identity.Provider)
		}
	}
	sort.Strings(ids)

	errs := make(map[string]error)
	for _, id := range ids {
		p, err := r.providers.Provider(id)
		if err == nil {
			err = p.CheckAuth(ctx)
			if err != nil && !HasCode(err, ErrCodeAuthFailure) {
				err = NewAuthError(id, err)
			}
		}
		outcome := OutcomeSucceeded
		if err != nil {
			errs[id] = err
			outcome = OutcomeFailed
		}
		r.sink.Emit(ProgressEvent{
			Time:    time.Now(),
			Scope:   plan.Scope,
			RunID:   r.opts.RunID,
			Kind:    SubjectResource,
			Subject: id,
			Phase:   PhaseAuth,
			Outcome: outcome,
			Error:   errorString(err),
			Code:    CodeOf(err),
		})
	}
	return errs
}

// blockedBy reports whether every prerequisite of action succeeded. When
// one did not, its identity is returned.
func (r *Reconciler) blockedBy(run *applyRun, action model.Action) (model.Identity, bool) {
	for _, pre := range action.Prerequisites {
		res, ok := run.get(pre)
		if ok && !res.Succeeded {
			return pre, false
		}
	}
	return model.Identity{}, true
}

// execute runs one action. The error return is reserved for state store
// failures, which abort the whole apply.
func (r *Reconciler) execute(ctx context.Context, scope string, action model.Action, state LockedState) (model.ApplyResult, error) {
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "action."+string(action.Kind), trace.WithAttributes(
		attribute.String("resource", action.Identity.String()),
	))
	defer span.End()

	if action.Kind == model.ActionNoop {
		res := model.ApplyResult{Identity: action.Identity, Kind: model.ActionNoop, Succeeded: true}
		r.emitResult(scope, res, time.Since(started))
		return res, nil
	}

	r.emit(scope, action.Identity, PhaseAction, OutcomeStarted, 0, nil)

	p, err := r.providers.Provider(action.Identity.Provider)
	if err != nil {
		return r.fail(scope, action, err, 0), nil
	}

	var res model.ApplyResult
	switch action.Kind {
	case model.ActionCreate, model.ActionUpdate:
		res, err = r.converge(ctx, scope, p, action, state)
	case model.ActionDelete:
		res, err = r.delete(ctx, scope, p, action, state)
	default:
		res = r.fail(scope, action, NewPermanentError(fmt.Sprintf("unknown action kind %q", action.Kind), nil).
			WithCode(ErrCodeInternal), 0)
	}

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if err == nil {
		r.emitResult(scope, res, time.Since(started))
	}
	return res, err
}

// converge executes a Create or Update. Existence is re-checked first so
// re-running a converged plan yields NoOp. A conflict or transient
// provider error triggers exactly one re-fetch and re-diff.
func (r *Reconciler) converge(
	ctx context.Context,
	scope string,
	p CloudProvider,
	action model.Action,
	state LockedState,
) (model.ApplyResult, error) {
	rc := *action.Resource
	id := action.Identity
	res := model.ApplyResult{Identity: id, Kind: action.Kind}
	refetched := false

	for {
		observed, err := r.observe(ctx, p, id)
		if err != nil {
			if !refetched && IsRetryable(err) {
				refetched = true
				r.emit(scope, id, PhaseRefetch, OutcomeRetrying, res.Attempts, err)
				continue
			}
			return r.fail(scope, action, fmt.Errorf("failed to read state of %s: %w", id, err), res.Attempts), nil
		}

		var newState *model.ResourceState
		if observed == nil {
			res.Kind = model.ActionCreate
			res.Attempts++
			newState, err = p.Create(ctx, rc)
		} else {
			diff := model.DiffAttributes(rc.Attributes, observed.ComparableAttributes())
			if len(diff) == 0 {
				res.Kind = model.ActionNoop
				res.Succeeded = true
				if err := r.checkpoint(ctx, scope, state, rc, observed); err != nil {
					return r.fail(scope, action, err, res.Attempts), err
				}
				return res, nil
			}
			res.Kind = model.ActionUpdate
			res.Attempts++
			newState, err = p.Update(ctx, rc, diff)
		}

		if err != nil {
			if !refetched && (IsConflict(err) || IsTransient(err)) {
				refetched = true
				r.emit(scope, id, PhaseRefetch, OutcomeRetrying, res.Attempts, err)
				continue
			}
			failed := r.fail(scope, action, err, res.Attempts)
			failed.Kind = res.Kind
			return failed, nil
		}

		if newState == nil {
			newState = &model.ResourceState{
				Identity:   id,
				Status:     model.ResourceUnknown,
				Attributes: model.CloneAttributes(rc.Attributes),
			}
		}
		if err := r.checkpoint(ctx, scope, state, rc, newState); err != nil {
			return r.fail(scope, action, err, res.Attempts), err
		}
		res.Succeeded = true
		return res, nil
	}
}

// delete executes a Delete. A resource the provider no longer knows counts
// as deleted.
func (r *Reconciler) delete(
	ctx context.Context,
	scope string,
	p CloudProvider,
	action model.Action,
	state LockedState,
) (model.ApplyResult, error) {
	id := action.Identity
	res := model.ApplyResult{Identity: id, Kind: model.ActionDelete}
	refetched := false

	for {
		res.Attempts++
		err := p.Delete(ctx, id)
		if HasCode(err, ErrCodeNotFound) {
			err = nil
		}
		if err != nil && !refetched && (IsConflict(err) || IsTransient(err)) {
			refetched = true
			r.emit(scope, id, PhaseRefetch, OutcomeRetrying, res.Attempts, err)
			observed, oerr := r.observe(ctx, p, id)
			if oerr != nil || observed != nil {
				continue
			}
			err = nil
		}
		if err != nil {
			return r.fail(scope, action, err, res.Attempts), nil
		}

		if derr := state.DeleteOne(ctx, id); derr != nil {
			err := fmt.Errorf("failed to checkpoint delete of %s: %w", id, derr)
			return r.fail(scope, action, err, res.Attempts), err
		}
		r.emit(scope, id, PhaseCheckpt, OutcomeSucceeded, 0, nil)
		res.Succeeded = true
		return res, nil
	}
}

// observe fetches the current state of one identity, or nil if absent.
func (r *Reconciler) observe(ctx context.Context, p CloudProvider, id model.Identity) (*model.ResourceState, error) {
	states, err := p.GetState(ctx, []model.Identity{id})
	if err != nil {
		return nil, err
	}
	for i := range states {
		if states[i].Identity == id {
			return &states[i], nil
		}
	}
	return nil, nil
}

// checkpoint writes the resource's new state immediately.
func (r *Reconciler) checkpoint(ctx context.Context, scope string, state LockedState, rc model.ResourceConfig, rs *model.ResourceState) error {
	record := *rs
	record.Identity = rc.Identity()
	record.DependsOn = append([]string(nil), rc.DependsOn...)
	record.CheckpointedAt = time.Now().UTC()
	if record.Status == "" {
		record.Status = model.ResourceUnknown
	}
	if err := state.WriteOne(ctx, record); err != nil {
		return fmt.Errorf("failed to checkpoint %s: %w", record.Identity, err)
	}
	r.emit(scope, record.Identity, PhaseCheckpt, OutcomeSucceeded, 0, nil)
	return nil
}

func (r *Reconciler) fail(scope string, action model.Action, err error, attempts int) model.ApplyResult {
	var ee *EngineError
	if !errors.As(err, &ee) {
		err = NewPermanentError("action failed", err).
			WithCode(ErrCodeProviderFailed).
			WithResource(action.Identity.String()).
			WithOperation(string(action.Kind))
	}
	res := model.ApplyResult{
		Identity: action.Identity,
		Kind:     action.Kind,
		Attempts: attempts,
		Err:      err,
		Error:    err.Error(),
	}
	return res
}

func (r *Reconciler) skip(scope string, action model.Action, reason string, cause error) model.ApplyResult {
	err := NewPermanentError(reason, cause).
		WithCode(ErrCodeNotAttempted).
		WithResource(action.Identity.String()).
		WithOperation(string(action.Kind))
	res := model.ApplyResult{
		Identity: action.Identity,
		Kind:     action.Kind,
		Skipped:  true,
		Err:      err,
		Error:    err.Error(),
	}
	r.emit(scope, action.Identity, PhaseAction, OutcomeSkipped, 0, err)
	return res
}

func (r *Reconciler) emitResult(scope string, res model.ApplyResult, d time.Duration) {
	outcome := OutcomeSucceeded
	if !res.Succeeded {
		outcome = OutcomeFailed
	}
	r.sink.Emit(ProgressEvent{
		Time:     time.Now(),
		Scope:    scope,
		RunID:    r.opts.RunID,
		Kind:     SubjectResource,
		Subject:  res.Identity.String(),
		Phase:    PhaseCompleted,
		Outcome:  outcome,
		Attempt:  res.Attempts,
		Duration: d,
		Message:  string(res.Kind),
		Error:    errorString(res.Err),
		Code:     CodeOf(res.Err),
	})
}

func (r *Reconciler) emit(scope string, id model.Identity, phase Phase, outcome Outcome, attempt int, err error) {
	r.sink.Emit(ProgressEvent{
		Time:    time.Now(),
		Scope:   scope,
		RunID:   r.opts.RunID,
		Kind:    SubjectResource,
		Subject: id.String(),
		Phase:   phase,
		Outcome: outcome,
		Attempt: attempt,
		Error:   errorString(err),
		Code:    CodeOf(err),
	})
}

// groupByLevel splits actions into their levels, preserving plan order.
func groupByLevel(actions []model.Action) [][]model.Action {
	var levels [][]model.Action
	index := make(map[int]int)
	for _, a := range actions {
		i, ok := index[a.Level]
		if !ok {
			i = len(levels)
			index[a.Level] = i
			levels = append(levels, nil)
		}
		levels[i] = append(levels[i], a)
	}
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i][0].Level < levels[j][0].Level
	})
	return levels
}

// RunStatusOf summarizes apply results.
func RunStatusOf(results []model.ApplyResult, err error) RunStatus {
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case HasCode(err, ErrCodeCancelled):
		return RunStatusCancelled
	case failed == 0 && err == nil:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
