/*
Package db implements the durable operations of the workflow engine over
the ordered KV store.

Every logical operation runs in a single store transaction (PullWorkflows
uses two: one to claim leases, one to load replay context), so no reader
ever observes a partial state transition. The package maintains:

  - workflow rows (input, state, output, error, tags) with chunked bodies
  - a per-name tag index for unique dispatch and find-by-tags
  - signal rows plus a per-recipient pending set
  - wake-index rows keyed (name, ts, workflow, kind) scanned by workers
  - a secondary sub-workflow wake index from child to waiting parents
  - active and forgotten history events grouped by location
  - leases plus worker-instance heartbeats for failover
  - gauge counter cells updated in the same transaction as the state
    transition they describe

Wake notifications ride a single well-known NATS subject with empty
payloads. Commit paths that can leave a workflow runnable always notify
after the transaction; this closes the race where a workflow goes to sleep
in the same instant a concurrent writer inserts a wake condition for it.
*/
package db
