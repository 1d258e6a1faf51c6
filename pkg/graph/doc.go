/*
Package graph builds and walks the provenance graph.

Constructors (PutConst, PutFunsie, PutOperation) compose the identity rules
from pkg/hash with the atomic creation operations of pkg/storage, minting
output artifacts whose hashes are known before any worker runs. Traversal
(SweepTargets, ReadyDependents) never mutates the store, so executors and
workers can run it concurrently anywhere in the fleet. SweepTargets is a
reverse breadth-first walk from the targets over producers and their inputs
that classifies operations as ready, running or blocked; ReadyDependents
looks forward over the art:cons index for consumers whose inputs are now
resolved.
*/
package graph
