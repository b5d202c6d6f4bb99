// Package stores persists stagecraft state in SQLite: lock leases,
// checkpointed resource records, apply runs and their progress events.
//
// The database runs in WAL mode with immediate write transactions. Schema
// migrations are embedded and applied with golang-migrate.
//
// Exclusive access to a scope goes through WithLock. The lock is a lease
// row that a heartbeat keeps alive; a crashed holder's lease expires and
// is taken over by the next caller. Every write made through the locked
// view re-checks the lease inside its transaction, so a holder that lost
// its lease can no longer write.
package stores
