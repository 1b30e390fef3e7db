/*
Package docstore defines the Store dependency boundary and ships two
implementations: Memory for tests and ephemeral hosts, and Bolt for
durable single-node deployments. Both provide compare-and-swap Put
semantics so the session and transaction coordinator never need to
special-case which backend they're talking to.
*/
package docstore
