// Package policy gates plans with Open Policy Agent rego policies before
// they are applied.
//
// Every policy is a rego module whose package lives under
// stagecraft.policies. A policy contributes to two sets:
//
//   - deny: any element blocks the plan (POLICY_VIOLATION)
//   - warn: elements are reported but never block
//
// Elements are strings or objects with "message" and "resource" keys.
// Policies see the plan, the recorded state it was computed against, and
// the target scope as input:
//
//	package stagecraft.policies.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		some action in input.plan.actions
//		action.kind == "delete"
//		action.identity.provider == "sshhost"
//		msg := sprintf("remote file %s cannot be removed", [action.identity.name])
//	}
//
// Parameters set with Engine.SetParam are visible as data.params.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{".stagecraft/policies"}); err != nil {
//	    return err
//	}
//	if _, err := eng.Gate(ctx, policy.Input{Scope: scope, Operation: "up", Plan: plan}); err != nil {
//	    return err
//	}
package policy
