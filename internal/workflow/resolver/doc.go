// Package resolver computes a feature's task dependency graph: which pending
// tasks are runnable now and which are blocked, by what. It is a pure function
// of the task records handed to it and never touches storage.
package resolver
