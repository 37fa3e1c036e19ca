// Package engine owns the content workflow lifecycle: creation, validated
// state transitions, step activation, AI completion callbacks, and retry
// with terminal failure.
//
// Each workflow progresses single-threaded (the engine serializes all
// mutating operations per workflow id) while distinct workflows run
// concurrently. Every transition commits the workflow update, its step
// updates, and the appended transition record as one atomic store
// operation, so a reader never observes a workflow whose current state
// disagrees with its latest transition.
//
// The engine is constructed with its dependencies (store, stage table,
// executor, dispatcher) injected; there is no package-level instance.
package engine
