/*
Package shard implements the Shard Manager. A record whose
encoded size exceeds MaxDocBytes is split into sibling documents named
via ShardDocID; the primary document holds only a ShardManifest. Split
document ids dropped by a resplit are tracked in an OrphanQueue for a
background sweeper to delete.
*/
package shard
