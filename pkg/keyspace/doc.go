/*
Package keyspace implements the typed key schema layered over the ordered
KV store.

Every logical key in the engine is a tuple of typed fields packed to bytes
with an order-preserving encoding: nil sorts before byte strings, byte
strings before text strings, text before integers, integers before UUIDs,
and within each type the packed bytes compare exactly as the values do.
Subspaces are packed prefixes; Subspace.Range turns a prefix into the
half-open byte range covering all of its keys, which is how the engine's
scans (wake indexes, history, pending signals) are expressed.

Values larger than ChunkSize are stored as chunk_i sibling keys under their
parent subspace. WriteChunked and ReadChunked hide the split; combining is a
plain ordered range scan because chunk indexes are tuple-packed integers.
*/
package keyspace
