/*
Package hash computes the content-derived identities of funsies, operations
and artifacts.

Identities are 20-byte blake2b digests over a canonical byte serialization,
domain-separated per entity kind. The two artifact rules differ on purpose:

	const artifact:    digest(encoding, bytes)         — same content, same hash
	produced artifact: digest(producing op, slot name) — known before execution

Because a produced artifact's identity depends only on its causal history,
two workers independently constructing the same operation mint identical
output hashes and hit the same cache keys.
*/
package hash
