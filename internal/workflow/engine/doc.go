// Package engine is the task lifecycle controller. It ties the feature gate,
// the task store, the dependency resolver and scheduler, and the workspace
// backend together: it decides whether a task may start, materializes or
// reuses its workspace, records completions and blockers, and integrates
// finished work back into the integration branch.
//
// The engine recomputes the dependency graph from a fresh store snapshot on
// every call and never caches scheduling decisions.
package engine
