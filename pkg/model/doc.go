// Package model defines the desired-state and observed-state types shared by
// every stagecraft component.
//
// # Desired state
//
// A Flow is the merged project document. It owns the Services map and the
// Stages map; a Stage names the services it runs and declares the compute
// resources (ResourceConfig) it needs. A Flow is built once per invocation
// and is read-only afterwards, so it can be shared across goroutines
// without locking.
//
// # Observed state
//
// ResourceState is the last checkpointed view of a resource, keyed by its
// Identity (provider, type, name). It is owned by the state store and only
// changes through checkpoint writes after a successful Action.
//
// # Plans
//
// A Plan is an ordered, immutable list of Actions produced by the planner.
// Applying it yields one ApplyResult per Action.
package model
