/*
Package kv provides the ordered, transactional key-value store underlying the
workflow engine.

The store is backed by BoltDB. All core runtime keys live in a single bucket
so that cursor scans observe one global key order; higher-level key schemas
are built on top by the keyspace package.

# Transactions

Store.Update and Store.View run a closure inside a single BoltDB
transaction. BoltDB admits one writer at a time, which makes every write
transaction serializable by construction; read transactions see a consistent
snapshot. Closures returning an error wrapped with ErrRetryable are retried
with exponential backoff up to the configured retry limit, mirroring the
retry loop a multi-writer store would need for commit conflicts. Because the
closure may run more than once it must not have side effects outside the
transaction.

# Atomic mutations

Tx.Mutate applies read-modify-write operations (integer add, min/max, byte
min/max, bitwise ops, compare-and-clear, bounded append) atomically within
the transaction. Counters used by the engine's metrics gauges are plain
MutationAdd cells.

# Versionstamps

Tx.Versionstamp returns a 10-byte identifier: the BoltDB commit id followed
by a per-transaction counter. Stamps issued by the same transaction share a
prefix and order by issue sequence, so keys containing them sort in commit
order across the whole store.

# Range reads

Tx.ForEachRange streams pairs over [begin, end) with optional limit and
reverse order. Tx.Range materializes the result. Values handed to range
callbacks alias BoltDB pages and are only valid during the callback.
*/
package kv
