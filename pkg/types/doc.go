/*
Package types defines the core entities of the provenance graph: hashes,
funsies, artifacts, operations, their status enums, and the error records
that flow through the DAG as values.

Three entity kinds carry content-derived identities:

	Funsie    — an operation descriptor, hashed over its canonical form
	Operation — a funsie bound to inputs, hashed over (funsie, bindings)
	Artifact  — a byte blob handle; const artifacts hash their content,
	            produced artifacts hash (producing op, output slot)

The last rule is the causal-hash property: a produced artifact's identity is
known before its bytes exist, which is what makes memoization deterministic
and cheap across the fleet.

Statuses are monotone: unresolved → {ready|error|linked} for artifacts and
pending → running → {done|error} for operations. Errors are not exceptions;
an ErrorRecord is stored in place of the artifact's bytes and propagates to
strict downstream operations with its origin preserved.
*/
package types
