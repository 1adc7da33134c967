/*
Package worker executes registered workflow operators against the durable
engine database.

# Execution model

A worker instance subscribes to the wake subject and polls on an interval.
Each pull leases due workflows and replays them: the operator function runs
from the top every turn, and every engine primitive on the Context decides
between replay and execution by looking up its deterministically-assigned
location in the loaded history. A recorded step returns its stored result
with no side effects; an unrecorded step executes, appends its event, and
returns. Suspension (waiting on a signal, a sleep deadline, or a child
workflow) unwinds the operator and commits the corresponding wake
conditions.

# Determinism

Operators must route all nondeterminism through Context primitives. Replay
verifies event kind, version, and (for activities) the input hash at every
location; a mismatch fails the run with a history-divergence error, which
leaves the workflow dead rather than silently forked.

# Failover

Instances heartbeat through the database. When an instance dies holding
leases, any peer's lease sweep reclaims them and inserts immediate wake
conditions; because all state lives in the store and every effect has a
history event, another instance resumes the workflow at the first
unrecorded step.
*/
package worker
