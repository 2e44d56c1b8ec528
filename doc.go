/*
Package ixdb implements crash-recoverable secondary indexes for an embedded
store (on top of Bolt, or in memory).

We implement:

1. An operation log per index, recording writes until the index store durably
reflects them.

2. A rebuild controller that brings an index up to date after a cold start,
a crash mid-backfill or a crash mid-replay, then applies writes live.

3. Composite-key range queries with sorting, pagination and exact counts.

# Technical Details

**Files.**
The engine directory holds engine.db (operation logs and staged payloads of
every index) and one index-<name>.db per index (rows, side table, hard commit).

**Op ids.**
Op ids are log keys and the logical clock. Real writes append at the tail.
During a backfill, a watermark W reserves the ids below it: backfill entries
append right after the largest id below W, real writes above W. The entry that
reaches W clears it.

**Hard commits.**
An index store records the highest op it durably reflects. When the index
commits, the log drops everything at or below that op and reclaims the staged
payloads of dropped entries. If an index is found ahead of its log, it is
cleared and rebuilt.

## Binary encoding

**Log entries**: tag byte, uvarint entity id, uvarint staged id. Tags are
C (hard commit), S (store), D (deletion), M (watermark), G (generation
pointer). M and G live in a separate marker bucket, prefixed with their op.

**Values** are encoded order-preservingly: a kind tag, then big-endian
sign-flipped ints, sortable float bits, or 0x00-escaped strings ending in
0x00 0x01. Tag 0x00 is MIN and 0xFF is MAX.

**Rows**: key is the tuple of field values followed by the entity id, value is
the sort payload tuple. An entity with multi-valued fields has one row per
combination of values.

**Side table**: entity id to msgpack of the per-field value lists, so that
updates can remove the rows of the previous version.

**Staged payloads**: xxhash64 of the payload, then msgpack of the record.
*/
package ixdb
