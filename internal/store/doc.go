// Package store provides the consolidated durable store for the
// coordination core: the append-only command ledger and the materialized
// session, queue-entry, and lock tables, all inside one SQLite database.
//
// The ledger is the source of truth. Materialized tables are a replayable
// view: rebuilding them from the ledger produces byte-identical state to
// the incrementally built store, which is the system's crash-recovery
// mechanism.
//
// Read methods on Store serve concurrent snapshot queries. Mutation
// helpers take a *sql.Tx and are called only by the single writer, which
// wraps each command's apply in one transaction.
package store
