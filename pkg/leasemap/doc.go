/*
Package leasemap defines the Map dependency boundary the lock manager
leases keys from, and ships Memory (tests, ephemeral hosts) and Bolt
(durable, crash-recoverable) implementations.
*/
package leasemap
