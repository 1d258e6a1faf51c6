/*
Package storage provides the engine's view of the shared KV store: entity
records, status bytes, graph indexes, the content-dedup index, and the
wake/control channels.

Two implementations exist behind the Store interface:

	RedisStore — the fleet backend. Every multi-key invariant-preserving
	write (const creation, operation creation with minted outputs, the
	pending→running claim, the terminal commit, subdag attachment, stale
	reclaim) is a single Lua script, so concurrent workers serialize on
	the store without any coordinator. Wake-ups and drain signalling ride
	Redis pub/sub.

	BoltStore — the embedded backend for single-process runs and tests.
	BoltDB's serialized write transactions stand in for the scripts and an
	in-process events.Broker stands in for pub/sub.

# Key layout

	funsie:{hash}      funsie record (JSON)
	op:{hash}          operation record, including bindings
	op:status:{hash}   pending | running | done | error
	op:beat:{hash}     heartbeat timestamp of a running operation
	op:deps:{hash}     set of consumed artifact hashes
	op:subdag:{hash}   set of generated operation hashes
	art:{hash}         artifact metadata (encoding, parent)
	art:data:{hash}    artifact bytes (ready only)
	art:status:{hash}  unresolved | ready | error | linked
	art:err:{hash}     error record (error only)
	art:link:{hash}    redirect target (linked only)
	art:prod:{hash}    producing operation hash, or "const"
	art:cons:{hash}    set of consuming operation hashes
	idx:content:{hash} content digest -> first artifact holding those bytes
	meta:version       schema version tag

# Invariants

Content keyed by hash is write-once; a second writer must present identical
bytes or the store reports a hash collision, which is fatal. Creation is
idempotent: re-creating an existing entity returns the existing identities
unchanged. Status transitions are monotone and atomic with their payloads —
an operation's outputs become terminal in the same step that finishes the
operation.
*/
package storage
