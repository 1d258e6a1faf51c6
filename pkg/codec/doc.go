// Package codec is the boundary to the structured-value serialization used
// by json-encoded artifacts. Raw-bytes artifacts never pass through it.
package codec
