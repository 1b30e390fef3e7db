/*
Package lockmgr implements the Distributed Lock Manager on top
of a leasemap.Map. Acquire blocks (retrying with backoff) until it
holds a key's lease or the caller's context is done; the returned Lock
refreshes itself on a ticker until Stop is called or the lease is
lost, in which case the caller's onLost callback fires.
*/
package lockmgr
