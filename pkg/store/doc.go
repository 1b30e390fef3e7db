/*
Package store implements the Store Facade: the host-facing
entry point that owns every key's Session, wires the shared backend
handles (DocStore, LeaseMap-backed lock manager, transaction ledger,
migration runner, change broker, shard orphan queue) into each Session
it creates, and drives multi-key transactions through pkg/txn's
Coordinator using each participating key's own Session as the
transaction's KeyStore.
*/
package store
