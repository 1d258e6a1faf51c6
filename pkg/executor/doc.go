// Package executor walks a workflow's dependency closure, feeds ready
// operations to the job queue and waits for the targets to become terminal.
// It holds no state of its own: all coordination is the store's status
// bytes and the idempotent queue, so executors are as stateless as workers.
package executor
