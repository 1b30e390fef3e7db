/*
Package backoff implements the Retry/Backoff component: every
DocStore/LeaseMap call in this module is wrapped with Run, which retries
transient failures with exponential backoff (1s initial, x2, +/-20%
jitter, capped at 30s) and surfaces terminal failures immediately.

	err := backoff.Run(ctx, backoff.Config{Component: "docstore"}, classifyDocStoreErr, func(ctx context.Context) error {
		return store.Put(ctx, id, payload, version)
	})
*/
package backoff
