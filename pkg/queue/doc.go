/*
Package queue implements the Per-Key Operation Queue. Run
submits work to a strict FIFO drained by Worker; FastUpdate is a
non-blocking fast path for Update calls that can prove nothing else is
currently using the key, yielding (errs.UpdateYielded) instead of
racing when it can't.
*/
package queue
