// Package events provides the in-process notification broker used by the
// embedded (bolt) store for commit wake-ups and drain signalling. Delivery
// is best-effort: a slow subscriber misses events rather than blocking
// publishers, and every consumer pairs the channel with a poll fallback.
package events
