/*
Package codec implements the Document Codec: a binary envelope
for Logical Records suitable for DocStore, and an ordered JSON-patch
diff/apply pair used by the transaction coordinator and the session
to stage and replay changes.

	buf, n, err := codec.Encode(record)
	...
	record, err := codec.Decode(buf)

	ops := codec.Diff(before, after)
	merged, err := codec.Apply(committed, ops)
*/
package codec
