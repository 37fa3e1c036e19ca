package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for record lookup failures. Callers match with errors.Is.
var (
	// ErrNotFound indicates an unknown workflow id.
	ErrNotFound = errors.New("workflow not found")

	// ErrAlreadyExists indicates an active workflow already exists for the
	// content item. At most one workflow per content id is allowed.
	ErrAlreadyExists = errors.New("workflow already exists for content")
)

// InvalidTransitionError is returned when a requested transition is not in
// the adjacency map. It is always surfaced to the caller, never silently
// corrected.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// ExecutionFault wraps an unexpected fault during step activation: task
// submission failure, timeout, or an external dependency error. It is not a
// quality rejection; those are designed branches, not errors. Faults are
// recovered locally by the retry manager up to maxRetries.
type ExecutionFault struct {
	WorkflowID string
	Stage      State
	Err        error
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("execution fault at %s for workflow %s: %v", e.Stage, e.WorkflowID, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *ExecutionFault) Unwrap() error {
	return e.Err
}

// NewExecutionFault wraps err with workflow and stage context.
func NewExecutionFault(workflowID string, stage State, err error) *ExecutionFault {
	return &ExecutionFault{WorkflowID: workflowID, Stage: stage, Err: err}
}
