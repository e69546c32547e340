// Package scheduler turns resolver snapshots into dispatch batches that respect
// dependency order plus runtime constraints such as concurrency limits and
// gatekeeper holds. The lifecycle engine uses it to suggest what to start next;
// starting a task never depends on it.
package scheduler
