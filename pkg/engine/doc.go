// Package engine implements stagecraft's orchestration core: the
// dependency scheduler that brings a stage's services up and down, the
// planner that diffs declared resources against recorded state, and the
// reconciler that applies plans against cloud providers.
//
// # Scheduling
//
// Services are grouped into dependency levels. Every service of a level
// runs concurrently and the next level starts only after the whole level
// settles. A service moves through
//
//	pending -> starting -> awaiting_readiness -> ready
//
// and may fail from any non-terminal state. A service whose dependency
// failed is never started and fails with DEPENDENCY_FAILED.
//
// Readiness probes retry with exponential backoff:
//
//	delay(k) = min(initial * multiplier^k, max)
//
// # Planning and Applying
//
// ComputePlan is pure: it keys desired and observed resources by
// provider/type/name and emits Create, Update, Delete and Noop actions in
// dependency order. Converge plans never delete undeclared resources
// unless pruning is requested.
//
// Reconciler.Apply re-observes each resource before acting, so applying
// the same plan twice performs no mutation the second time. Each
// successful action is checkpointed into the locked state immediately.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring a re-fetch
//   - Permanent: Non-recoverable errors
//
// Every EngineError may also carry a stable code such as
// CYCLIC_DEPENDENCY or READINESS_TIMEOUT; use HasCode to test for one:
//
//	if engine.HasCode(err, engine.ErrCodeLockTimeout) {
//	    // another run holds the state lock
//	}
//
// # Thread Safety
//
// StageScheduler and Reconciler are safe for concurrent use. Progress
// events may be emitted from several goroutines at once, so ProgressSink
// implementations must synchronize.
package engine
