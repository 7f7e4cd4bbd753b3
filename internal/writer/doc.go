// Package writer implements the single-writer reactor that owns every
// state store mutation.
//
// Callers from any goroutine use Submit() to hand a command envelope to
// the reactor; Run() must be called from exactly one goroutine and
// processes envelopes strictly in arrival order. Per command the reactor:
//
//  1. checks the idempotency key against the ledger and returns the
//     recorded outcome on a hit, re-executing nothing
//  2. validates preconditions (a rejection writes nothing)
//  3. appends the envelope to the ledger (the durable point)
//  4. applies the mutation in one transaction
//  5. records the outcome, emits an output record, and replies
//
// An apply failure after the append flips the ledger row to failed; the
// row is never removed and replay treats it as a no-op. Replay() rebuilds
// the materialized tables from the ledger and is the crash-recovery path.
package writer
