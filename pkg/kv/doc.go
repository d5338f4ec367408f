// Package kv defines the key-value cache port used for sessions, the
// token burst cache, rate-limit counters, metadata caching and feature
// toggles, plus an in-memory TTL adapter.
//
// Every consumer degrades gracefully when no cache is configured; the
// cache is an accelerator, never a correctness gate.
package kv
