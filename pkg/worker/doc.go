/*
Package worker runs the stateless execution loop of a fleet member.

A worker blocks on the job queue, contends for each operation with a
pending→running compare-and-set (losers drop the job), executes through
pkg/runtime and commits. While executing it stamps a heartbeat; a sibling
reclaim loop returns operations whose heartbeat went stale — a crashed
worker's — to pending and requeues them. Drain (SIGTERM or a control
message) finishes the current operation, publishes its result, then exits.
*/
package worker
