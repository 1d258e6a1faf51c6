// Package queue provides the job queue workers claim operations from.
// Enqueue is idempotent per operation hash; claiming blocks with a bounded
// timeout so workers can interleave control-channel checks. RedisQueue is
// the fleet implementation over a blocking list; MemoryQueue serves
// embedded single-process runs.
package queue
