package store

import (
	"context"

	"github.com/fyrsmithlabs/contentd/internal/workflow"
)

// Store is the record store contract required by the engine, the
// notification dispatcher, and the analytics aggregator.
type Store interface {
	// GetWorkflow returns a workflow by id, or workflow.ErrNotFound.
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// GetWorkflowByContent returns the workflow for a content item, or
	// workflow.ErrNotFound.
	GetWorkflowByContent(ctx context.Context, contentID string) (*workflow.Workflow, error)

	// GetSteps returns the steps of a workflow ordered by step order.
	GetSteps(ctx context.Context, workflowID string) ([]*workflow.Step, error)

	// GetTransitions returns the append-only transition history of a
	// workflow ordered by creation time.
	GetTransitions(ctx context.Context, workflowID string) ([]*workflow.Transition, error)

	// CreateWorkflow atomically inserts the workflow, all of its steps, and
	// the initial transition. Returns workflow.ErrAlreadyExists if a
	// workflow already exists for the same content id.
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow, steps []*workflow.Step, initial *workflow.Transition) error

	// UpdateWorkflow atomically applies the workflow patch, the step
	// patches (matched by stage name), and appends the transition, if any.
	// Returns workflow.ErrNotFound for an unknown id.
	UpdateWorkflow(ctx context.Context, id string, patch workflow.WorkflowPatch, stepPatches []workflow.StepPatch, tr *workflow.Transition) error

	// AppendNotification persists a notification record.
	AppendNotification(ctx context.Context, n *workflow.Notification) error

	// QueryWorkflows lists workflows matching the filter, newest first.
	QueryWorkflows(ctx context.Context, f workflow.Filter, p workflow.Page) ([]*workflow.Workflow, error)

	// CountByState returns the number of workflows per current state.
	CountByState(ctx context.Context, f workflow.Filter) (map[workflow.State]int, error)

	// AggregateSteps returns per-stage completion counts and average actual
	// durations across workflows matching the filter.
	AggregateSteps(ctx context.Context, f workflow.Filter) ([]workflow.StepAggregate, error)
}
