// Package config turns stagecraft configuration sources into one validated
// model.Flow.
//
// # Sources
//
// A project is described by one or more documents in YAML, CUE or TOML,
// selected by file extension. Each document is a partial Flow: it may set
// the project name, add or override services, and add or override stages.
// Documents are merged left to right with MergeAll, so later sources win:
//
//   - scalars replace only when the later source sets them
//   - sequences (ports, volumes, depends_on, command) replace only when
//     the later source gives a non-empty list
//   - maps (environment, build args, stage variables) are unioned, later
//     keys winning
//
// Stage resources merge by provider/type/name identity.
//
// # Finalizing
//
// Finalize infers missing image references and validates the merged
// Flow. Every problem is reported, not just the first, as an
// *engine.EngineError carrying a stable code:
//
//	flow, errs := config.Finalize(merged)
//	for _, err := range errs {
//	    fmt.Println(engine.CodeOf(err), err)
//	}
//
// # Paths
//
// ProjectPaths is resolved once per invocation and passed explicitly to
// everything that touches the filesystem: the loader, the state store and
// the providers. Relative volume paths resolve against the project root.
//
// # Watching
//
// Watcher re-loads and re-validates the sources whenever one of them
// changes, which backs `stagecraft validate --watch`.
package config
