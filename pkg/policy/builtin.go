package policy

// BuiltinPolicies returns the policies shipped with stagecraft.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		protectedResourcePolicy(),
		deleteLimitPolicy(),
	}
}

// resourceNamingPolicy warns about resource names that are awkward in
// provider backends.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names should be lowercase letters, digits and hyphens",
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagecraft.policies.naming

import rego.v1

warn contains violation if {
	some action in input.plan.actions
	action.kind in {"create", "update"}
	name := action.identity.name
	not regex.match("^[a-z0-9][a-z0-9-]*$", name)
	violation := {
		"message": sprintf("resource name '%s' should contain only lowercase letters, digits and hyphens", [name]),
		"resource": sprintf("%s/%s/%s", [action.identity.provider, action.identity.type, name]),
	}
}
`,
	}
}

// protectedResourcePolicy blocks deleting any resource whose recorded
// attributes carry protected: true.
func protectedResourcePolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Resources recorded with protected: true cannot be deleted",
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagecraft.policies.protected

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.kind == "delete"
	some record in input.actual
	record.identity == action.identity
	record.attributes.protected == true
	id := sprintf("%s/%s/%s", [action.identity.provider, action.identity.type, action.identity.name])
	violation := {
		"message": sprintf("resource %s is protected and cannot be deleted", [id]),
		"resource": id,
	}
}
`,
	}
}

// deleteLimitPolicy blocks plans that delete more resources than
// data.params.max_deletes allows. Without the parameter the
// policy never fires.
func deleteLimitPolicy() Policy {
	return Policy{
		Name:        "delete-limit",
		Description: "Caps the number of deletes in one plan when max_deletes is set",
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagecraft.policies.limits

import rego.v1

deny contains msg if {
	limit := data.params.max_deletes
	deletes := count([a | some a in input.plan.actions; a.kind == "delete"])
	deletes > limit
	msg := sprintf("plan deletes %d resources, more than the allowed %d", [deletes, limit])
}
`,
	}
}
