/*
Package txn implements the Two-Phase Multi-Key Transaction
Protocol. Coordinator.Execute stages every participating key
(write-ahead), writes a single Ledger bit (the linearization point),
then applies every key; ReadTxValue implements the readTx rule readers
must follow while a key has a transaction staged against it.
*/
package txn
