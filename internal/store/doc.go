// Package store persists workflow, step, transition, and notification
// records behind a transactional contract.
//
// The two mutating operations, CreateWorkflow and UpdateWorkflow, are
// atomic units: the workflow row, its step rows, and the appended
// transition commit together or not at all. A concurrent reader never
// observes a workflow whose current state disagrees with its most recent
// transition.
//
// Two implementations ship: Postgres (lib/pq, queries built with squirrel)
// for production, and an in-memory store for tests and single-node
// development.
package store
