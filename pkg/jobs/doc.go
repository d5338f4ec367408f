// Package jobs defers non-critical writes (usage tracking, repository
// syncs) through a processor that degrades from a queue-backed
// asynchronous strategy to inline synchronous execution when no queue
// is configured.
package jobs
