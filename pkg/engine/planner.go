package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// PlanRequest is the input of ComputePlan.
type PlanRequest struct {
	// Scope names the state scope, usually project/stage.
	Scope string

	// Desired are the declared resources. Ignored by the down modes.
	Desired []model.ResourceConfig

	// Actual is the last known observed state.
	Actual []model.ResourceState

	Mode model.PlanMode

	// Prune adds Delete actions for recorded resources that are no longer
	// declared. Only honored in converge mode.
	Prune bool
}

// ComputePlan diffs desired against actual by identity key and returns an
// ordered plan. Actions are grouped by dependency level; deletes come
// last, dependents before their dependencies.
func ComputePlan(req PlanRequest) (*model.Plan, error) {
	mode := req.Mode
	if mode == "" {
		mode = model.PlanModeConverge
	}

	plan := &model.Plan{
		ID:        uuid.New().String(),
		Scope:     req.Scope,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
		Actions:   make([]model.Action, 0),
	}

	actual := make(map[model.Identity]model.ResourceState, len(req.Actual))
	for _, rs := range req.Actual {
		actual[rs.Identity] = rs
	}

	var err error
	switch mode {
	case model.PlanModeConverge:
		err = planConverge(plan, req, actual)
	case model.PlanModeStop:
		err = planDown(plan, req.Actual, func(rs model.ResourceState) model.Action {
			return model.Action{Kind: model.ActionNoop, Identity: rs.Identity}
		})
	case model.PlanModeSuspend:
		err = planDown(plan, req.Actual, suspendAction)
	case model.PlanModeDestroy:
		err = planDeletes(plan, req.Actual, 0)
	default:
		err = NewPermanentError(fmt.Sprintf("unknown plan mode %q", mode), nil).
			WithCode(ErrCodeInvalidField)
	}
	if err != nil {
		return nil, err
	}

	for _, a := range plan.Actions {
		plan.Summary.Add(a.Kind)
	}
	return plan, nil
}

func planConverge(plan *model.Plan, req PlanRequest, actual map[model.Identity]model.ResourceState) error {
	desired := make(map[model.Identity]model.ResourceConfig, len(req.Desired))
	nodes := make([]resourceNode, 0, len(req.Desired))
	for _, rc := range req.Desired {
		id := rc.Identity()
		if _, dup := desired[id]; dup {
			return NewConfigError(ErrCodeDuplicateResource,
				fmt.Sprintf("resource %s is declared twice", id)).WithResource(id.String())
		}
		desired[id] = rc
		nodes = append(nodes, resourceNode{id: id, dependsOn: rc.DependsOn})
	}

	order, err := levelResources(nodes, true)
	if err != nil {
		return err
	}

	maxLevel := -1
	for _, n := range order {
		rc := desired[n.id]
		a := model.Action{
			Identity:      n.id,
			Prerequisites: n.prerequisites,
			Level:         n.level,
		}
		if n.level > maxLevel {
			maxLevel = n.level
		}

		observed, exists := actual[n.id]
		switch {
		case !exists:
			a.Kind = model.ActionCreate
			res := rc.Clone()
			a.Resource = &res
		default:
			res := rc.Resuming(observed)
			diff := model.DiffAttributes(res.Attributes, observed.ComparableAttributes())
			if len(diff) == 0 {
				a.Kind = model.ActionNoop
			} else {
				a.Kind = model.ActionUpdate
				a.Resource = &res
				a.Diff = diff
			}
		}
		plan.Actions = append(plan.Actions, a)
	}

	if !req.Prune {
		return nil
	}
	var orphans []model.ResourceState
	for _, rs := range req.Actual {
		if _, ok := desired[rs.Identity]; !ok {
			orphans = append(orphans, rs)
		}
	}
	return planDeletes(plan, orphans, maxLevel+1)
}

// planDown emits one action per recorded resource in dependency order.
func planDown(plan *model.Plan, recorded []model.ResourceState, action func(model.ResourceState) model.Action) error {
	byID := make(map[model.Identity]model.ResourceState, len(recorded))
	nodes := make([]resourceNode, 0, len(recorded))
	for _, rs := range recorded {
		byID[rs.Identity] = rs
		nodes = append(nodes, resourceNode{id: rs.Identity, dependsOn: rs.DependsOn})
	}
	order, err := levelResources(nodes, false)
	if err != nil {
		return err
	}
	for _, n := range order {
		a := action(byID[n.id])
		a.Level = n.level
		a.Prerequisites = n.prerequisites
		plan.Actions = append(plan.Actions, a)
	}
	return nil
}

// suspendAction powers a running resource off and leaves others alone.
func suspendAction(rs model.ResourceState) model.Action {
	if rs.Status != model.ResourceRunning {
		return model.Action{Kind: model.ActionNoop, Identity: rs.Identity}
	}
	res := model.ResourceConfig{
		Provider: rs.Identity.Provider,
		Type:     rs.Identity.Type,
		Name:     rs.Identity.Name,
		Attributes: map[string]interface{}{
			model.StatusAttribute: string(model.ResourceStopped),
		},
		DependsOn: append([]string(nil), rs.DependsOn...),
	}
	return model.Action{
		Kind:     model.ActionUpdate,
		Identity: rs.Identity,
		Resource: &res,
		Diff: []model.AttributeChange{{
			Key:    model.StatusAttribute,
			Before: string(model.ResourceRunning),
			After:  string(model.ResourceStopped),
		}},
	}
}

// planDeletes appends Delete actions in reverse dependency order starting
// at level base. A delete waits for the deletes of its dependents.
func planDeletes(plan *model.Plan, recorded []model.ResourceState, base int) error {
	nodes := make([]resourceNode, 0, len(recorded))
	for _, rs := range recorded {
		nodes = append(nodes, resourceNode{id: rs.Identity, dependsOn: rs.DependsOn})
	}
	order, err := levelResources(nodes, false)
	if err != nil {
		return err
	}

	maxLevel := 0
	dependents := make(map[model.Identity][]model.Identity)
	for _, n := range order {
		if n.level > maxLevel {
			maxLevel = n.level
		}
		for _, dep := range n.prerequisites {
			dependents[dep] = append(dependents[dep], n.id)
		}
	}

	deletes := make([]model.Action, 0, len(order))
	for _, n := range order {
		prereqs := dependents[n.id]
		model.SortIdentities(prereqs)
		deletes = append(deletes, model.Action{
			Kind:          model.ActionDelete,
			Identity:      n.id,
			Prerequisites: prereqs,
			Level:         base + (maxLevel - n.level),
		})
	}
	sort.SliceStable(deletes, func(i, j int) bool {
		if deletes[i].Level != deletes[j].Level {
			return deletes[i].Level < deletes[j].Level
		}
		return deletes[i].Identity.String() < deletes[j].Identity.String()
	})
	plan.Actions = append(plan.Actions, deletes...)
	return nil
}

type resourceNode struct {
	id            model.Identity
	dependsOn     []string
	level         int
	prerequisites []model.Identity
}

// levelResources orders resources by dependency level. A DependsOn entry
// names another resource by name or by its full provider/type/name key.
// With strict set an unresolvable reference is an error; otherwise it is
// ignored (recorded state may reference resources that were already
// removed).
func levelResources(nodes []resourceNode, strict bool) ([]resourceNode, error) {
	byKey := make(map[string]model.Identity, len(nodes)*2)
	ambiguous := make(map[string]bool)
	for _, n := range nodes {
		byKey[n.id.String()] = n.id
		if prev, ok := byKey[n.id.Name]; ok && prev != n.id {
			ambiguous[n.id.Name] = true
		}
		byKey[n.id.Name] = n.id
	}

	b := NewDAGBuilder()
	deps := make(map[model.Identity][]model.Identity, len(nodes))
	for _, n := range nodes {
		b.AddNode(n.id.String())
	}
	for _, n := range nodes {
		for _, ref := range n.dependsOn {
			target, ok := byKey[ref]
			if !ok || ambiguous[ref] {
				if strict {
					return nil, NewConfigError(ErrCodeUnknownResourceReference,
						fmt.Sprintf("resource %s depends on unknown resource %q", n.id, ref)).
						WithResource(n.id.String())
				}
				continue
			}
			if target == n.id {
				return nil, NewCyclicDependencyError([]string{n.id.String(), n.id.String()})
			}
			if !containsIdentity(deps[n.id], target) {
				b.AddEdge(n.id.String(), target.String())
				deps[n.id] = append(deps[n.id], target)
			}
		}
	}

	graph, err := b.Build()
	if err != nil {
		return nil, err
	}

	index := make(map[string]resourceNode, len(nodes))
	for _, n := range nodes {
		index[n.id.String()] = n
	}
	out := make([]resourceNode, 0, len(nodes))
	for level, keys := range graph.Levels {
		for _, key := range keys {
			n := index[key]
			n.level = level
			n.prerequisites = append([]model.Identity(nil), deps[n.id]...)
			model.SortIdentities(n.prerequisites)
			out = append(out, n)
		}
	}
	return out, nil
}

func containsIdentity(ids []model.Identity, id model.Identity) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
