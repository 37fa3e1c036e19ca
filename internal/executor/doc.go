// Package executor is the boundary to the external AI task executors.
//
// The engine submits an opaque task per AI-backed stage and returns without
// blocking; the executor eventually reports a quality score and output
// payload, which arrives back at the engine as a CompleteAIStep call. The
// NATS implementation publishes tasks to a per-agent subject and subscribes
// to a single results subject for the callbacks.
//
// Fake provides a deterministic in-process implementation for tests.
package executor
