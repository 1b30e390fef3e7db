/*
Package session implements the Session FSM: the per-key
in-memory state machine that mediates every load, update, save, and
transaction-participation request for one key. A Session owns its
Queue (pkg/queue), its lease (pkg/lockmgr), and the durable record it
reconstructs through pkg/codec, pkg/shard, and pkg/migrate; it
implements pkg/txn.KeyStore so the transaction coordinator can stage
and apply multi-key commits through the same write path as an ordinary
update.
*/
package session
