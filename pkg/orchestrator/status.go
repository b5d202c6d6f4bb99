package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/stores"
)

// StageStatus is the observed status of a stage.
type StageStatus struct {
	Stage     string                 `json:"stage"`
	Scope     string                 `json:"scope"`
	Services  []engine.ServiceStatus `json:"services,omitempty"`
	Resources []ResourceStatus       `json:"resources,omitempty"`
	LastRun   *stores.Run            `json:"last_run,omitempty"`
}

// ResourceStatus compares one declared or recorded resource.
type ResourceStatus struct {
	Identity model.Identity `json:"identity"`

	// Declared is set when the stage configuration lists the resource.
	Declared bool `json:"declared"`

	// Recorded is set when the state store holds a record for it.
	Recorded bool `json:"recorded"`

	Status         model.ResourceStatus `json:"status,omitempty"`
	ProviderID     string               `json:"provider_id,omitempty"`
	CheckpointedAt *time.Time           `json:"checkpointed_at,omitempty"`

	// Pending lists declared attributes that differ from the record.
	Pending []model.AttributeChange `json:"pending,omitempty"`
}

// InSync reports whether the record matches the declaration.
func (r ResourceStatus) InSync() bool {
	return r.Declared && r.Recorded && len(r.Pending) == 0
}

// GetStageStatus inspects the stage's containers and compares its
// declared resources with the recorded (or, with Refresh, observed)
// state. It never takes the scope lock.
func (o *Orchestrator) GetStageStatus(ctx context.Context, name string) (*StageStatus, error) {
	stage, err := o.stage(name)
	if err != nil {
		return nil, err
	}
	scope := o.Scope(name)

	ctx, span := o.tracer.Start(ctx, "stage.status", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	out := &StageStatus{Stage: name, Scope: scope}

	if len(stage.Services) > 0 && o.opts.Runtime != nil {
		sched, err := o.scheduler(nil)
		if err != nil {
			return nil, err
		}
		if out.Services, err = sched.Status(ctx, o.flow, name); err != nil {
			return nil, err
		}
	}

	recorded, err := o.opts.Store.ListResources(ctx, scope)
	if err != nil {
		return nil, err
	}
	observed, err := o.refresh(ctx, stage.Resources, recorded)
	if err != nil {
		return nil, err
	}
	out.Resources = compareResources(stage.Resources, observed)

	runs, err := o.opts.Store.ListRuns(ctx, scope, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		out.LastRun = &runs[0]
	}
	return out, nil
}

func compareResources(declared []model.ResourceConfig, observed []model.ResourceState) []ResourceStatus {
	byID := make(map[model.Identity]*ResourceStatus)
	var order []model.Identity
	entry := func(id model.Identity) *ResourceStatus {
		if rs, ok := byID[id]; ok {
			return rs
		}
		rs := &ResourceStatus{Identity: id}
		byID[id] = rs
		order = append(order, id)
		return rs
	}

	records := make(map[model.Identity]model.ResourceState, len(observed))
	for _, st := range observed {
		records[st.Identity] = st
		rs := entry(st.Identity)
		rs.Recorded = true
		rs.Status = st.Status
		rs.ProviderID = st.ProviderID
		if !st.CheckpointedAt.IsZero() {
			at := st.CheckpointedAt
			rs.CheckpointedAt = &at
		}
	}
	for _, rc := range declared {
		rs := entry(rc.Identity())
		rs.Declared = true
		st, ok := records[rc.Identity()]
		if !ok {
			rs.Pending = model.DiffAttributes(rc.Attributes, nil)
			continue
		}
		rs.Pending = model.DiffAttributes(rc.Resuming(st).Attributes, st.ComparableAttributes())
	}

	model.SortIdentities(order)
	out := make([]ResourceStatus, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		// Declared resources first, orphaned records last.
		return out[i].Declared && !out[j].Declared
	})
	return out
}
