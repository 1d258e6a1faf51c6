// Package metrics exposes Prometheus collectors for the engine: operation
// throughput and latency, cache hits, dedup links, queue claims and crash
// reclaims. Workers serve them over HTTP when --metrics-addr is set.
package metrics
